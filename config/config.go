package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/cometbft/sbn/sbntypes"
	"github.com/cometbft/sbn/subs"
)

// Defaults grounded in original_source/fsw/platform_inc/sbn_platform_cfg.h,
// repurposed here as configurable defaults rather than compile-time limits
// (see SPEC_FULL.md §3).
const (
	DefaultMaxNets         = 16
	DefaultMaxPeersPerNet  = 32
	DefaultMaxSubsPerPeer  = 256
	DefaultMaxLocalSubs    = 256
	DefaultMaxMsgPerWakeup = 32
	DefaultRingCapacity    = 64
	DefaultAckThreshold    = 16
	DefaultRetransmitLimit = 4
	DefaultWakeupPeriod    = 200 * time.Millisecond
)

// TaskFlags is the 2-bit scheduling flag on each Net/Peer (spec.md §4.8).
type TaskFlags int

const (
	// TaskPoll: driven entirely by the main-loop tick.
	TaskPoll TaskFlags = iota
	// TaskRecvOnly: a dedicated task blocks on recv; send stays polled.
	TaskRecvOnly
	// TaskRecvAndSend: dedicated recv task plus a dedicated send task.
	TaskRecvAndSend
)

// ProtocolModuleConfig names one configured protocol module (spec.md §6).
type ProtocolModuleConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
}

// FilterModuleConfig names one configured filter module (spec.md §6).
type FilterModuleConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
}

// QoSClassConfig names one priority-class nibble value (spec.md §3's QoS
// byte lower nibble) for validation and readable logging/status output —
// the wire-level byte carries the nibble regardless of whether a name is
// configured for it.
type QoSClassConfig struct {
	Value uint8  `mapstructure:"value"`
	Name  string `mapstructure:"name"`
}

// PeerConfig is one configured peer entry (spec.md §6).
type PeerConfig struct {
	NetName      string   `mapstructure:"net"`
	ProcessorID  uint32   `mapstructure:"processor_id"`
	SpacecraftID uint32   `mapstructure:"spacecraft_id"`
	Protocol     string   `mapstructure:"protocol"`
	Filters      []string `mapstructure:"filters"`
	Address      string   `mapstructure:"address"`
	TaskFlags    TaskFlags `mapstructure:"task_flags"`
}

// NetConfig is one configured net: a name, the protocol module it shares,
// and its own task flags/address (the net-level listen address for
// recv-from-net modules; peers additionally carry their own address for
// recv-from-peer modules).
type NetConfig struct {
	Name      string    `mapstructure:"name"`
	Protocol  string    `mapstructure:"protocol"`
	Address   string    `mapstructure:"address"`
	TaskFlags TaskFlags `mapstructure:"task_flags"`
}

// Tuning holds the scheduler/pipeline knobs spec.md leaves as "configured"
// without fixing a value.
type Tuning struct {
	WakeupPeriod    time.Duration `mapstructure:"wakeup_period"`
	MaxMsgPerWakeup int           `mapstructure:"max_msg_per_wakeup"`
	RingCapacity    int           `mapstructure:"ring_capacity"`
	AckThreshold    int           `mapstructure:"ack_threshold"`
	RetransmitLimit int           `mapstructure:"retransmit_limit"`
	MaxSubsPerPeer  int           `mapstructure:"max_subs_per_peer"`
	MaxLocalSubs    int           `mapstructure:"max_local_subs"`
}

// Config is the fully decoded, not-yet-validated configuration table of
// spec.md §6.
type Config struct {
	Protocols []ProtocolModuleConfig `mapstructure:"protocol_modules"`
	Filters   []FilterModuleConfig   `mapstructure:"filter_modules"`
	Nets      []NetConfig            `mapstructure:"nets"`
	Peers     []PeerConfig           `mapstructure:"peers"`
	Tuning    Tuning                 `mapstructure:"tuning"`
	RemapFile string                 `mapstructure:"remap_file"`

	// QoSClasses names the priority-class nibbles this deployment uses
	// (spec.md §3); DefaultQoSClass/DefaultQoSClassSet name the fallback
	// class a message with an unconfigured priority nibble is logged
	// under. Both optional — an empty table means no names are checked.
	QoSClasses         []QoSClassConfig `mapstructure:"qos_classes"`
	DefaultQoSClass    uint8            `mapstructure:"default_qos_class"`
	DefaultQoSClassSet bool             `mapstructure:"default_qos_class_set"`

	// LocalProcessorID is this node's own processor ID, used by
	// connection-oriented protocol modules (tcp, ws) to decide dial-vs-listen
	// per peer without a separate out-of-band election.
	LocalProcessorID uint32 `mapstructure:"local_processor_id"`

	SentryDSN  string `mapstructure:"sentry_dsn"`
	LogLevel   string `mapstructure:"log_level"`
	StatusAddr string `mapstructure:"status_addr"`
}

func defaultTuning() Tuning {
	return Tuning{
		WakeupPeriod:    DefaultWakeupPeriod,
		MaxMsgPerWakeup: DefaultMaxMsgPerWakeup,
		RingCapacity:    DefaultRingCapacity,
		AckThreshold:    DefaultAckThreshold,
		RetransmitLimit: DefaultRetransmitLimit,
		MaxSubsPerPeer:  DefaultMaxSubsPerPeer,
		MaxLocalSubs:    DefaultMaxLocalSubs,
	}
}

// Load reads a TOML config file at path via viper (spec.md §6 "A record
// list, loaded at startup and on reload command").
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "config: reading %s", path)
	}

	cfg := &Config{Tuning: defaultTuning(), LogLevel: "info"}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "config: decoding")
	}
	if cfg.Tuning.WakeupPeriod == 0 {
		cfg.Tuning = defaultTuning()
	}
	return cfg, nil
}

// Validate checks referential integrity: every peer names a configured
// net/protocol/filters, net/peer counts stay within the soft defaults,
// every net satisfies the POLL / RECV-only / RECV+SEND task-flag
// constraint (spec.md §4.8 — "SEND-TASK without RECV-TASK is not
// permitted"), and the qos_classes table (if any) is internally consistent.
func (c *Config) Validate() error {
	if len(c.Nets) > DefaultMaxNets {
		return errors.Errorf("config: %d nets configured, exceeds default max %d", len(c.Nets), DefaultMaxNets)
	}

	if _, err := c.BuildQoSClassTable(); err != nil {
		return errors.Wrap(err, "config: qos_classes")
	}

	netNames := make(map[string]NetConfig, len(c.Nets))
	for _, n := range c.Nets {
		if _, dup := netNames[n.Name]; dup {
			return errors.Errorf("config: duplicate net name %q", n.Name)
		}
		if err := validateTaskFlags(n.TaskFlags); err != nil {
			return errors.Wrapf(err, "config: net %q", n.Name)
		}
		netNames[n.Name] = n
	}

	protoNames := make(map[string]struct{}, len(c.Protocols))
	for _, p := range c.Protocols {
		protoNames[p.Name] = struct{}{}
	}
	filterNames := make(map[string]struct{}, len(c.Filters))
	for _, f := range c.Filters {
		filterNames[f.Name] = struct{}{}
	}

	peersPerNet := make(map[string]int, len(c.Nets))
	for _, p := range c.Peers {
		net, ok := netNames[p.NetName]
		if !ok {
			return errors.Errorf("config: peer (processor=%d) names unknown net %q", p.ProcessorID, p.NetName)
		}
		if _, ok := protoNames[net.Protocol]; !ok {
			return errors.Errorf("config: net %q names unknown protocol module %q", net.Name, net.Protocol)
		}
		for _, f := range p.Filters {
			if _, ok := filterNames[f]; !ok {
				return errors.Errorf("config: peer (processor=%d) names unknown filter module %q", p.ProcessorID, f)
			}
		}
		if err := validateTaskFlags(p.TaskFlags); err != nil {
			return errors.Wrapf(err, "config: peer (processor=%d)", p.ProcessorID)
		}
		peersPerNet[p.NetName]++
	}
	for name, n := range peersPerNet {
		if n > DefaultMaxPeersPerNet {
			return errors.Errorf("config: net %q has %d peers, exceeds default max %d", name, n, DefaultMaxPeersPerNet)
		}
	}
	return nil
}

// BuildQoSClassTable resolves the configured qos_classes table into a
// subs.ClassTable, rejecting a duplicate name or a default class that
// isn't itself one of the named classes (subs.NewClassTable's own
// invariants).
func (c *Config) BuildQoSClassTable() (*subs.ClassTable, error) {
	names := make(map[uint8]string, len(c.QoSClasses))
	for _, qc := range c.QoSClasses {
		names[qc.Value] = qc.Name
	}
	return subs.NewClassTable(names, c.DefaultQoSClass, c.DefaultQoSClassSet)
}

func validateTaskFlags(f TaskFlags) error {
	switch f {
	case TaskPoll, TaskRecvOnly, TaskRecvAndSend:
		return nil
	default:
		return errors.Errorf("invalid task flags %d (SEND-TASK without RECV-TASK is not permitted)", f)
	}
}

// ID is a small convenience conversion used throughout app wiring.
func (p PeerConfig) ID() sbntypes.ProcessorID { return sbntypes.ProcessorID(p.ProcessorID) }
