// Package app wires every SBN component into one running core: it decodes
// configuration into loaded protocol/filter modules, nets and peers, builds
// each peer's send/recv pipeline and outbound SB pipe, and drives the whole
// thing through a scheduler.Scheduler and a statusapi.Server. Grounded on
// cometbft's own node.Node (cmd/cometbft's constructor that resolves config
// into reactors/stores/services and then exposes Start/Stop) — this package
// plays the same "one struct owns the whole process lifecycle" role.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"golang.org/x/sync/errgroup"

	"github.com/cometbft/sbn/bus"
	"github.com/cometbft/sbn/config"
	"github.com/cometbft/sbn/distributor"
	"github.com/cometbft/sbn/internal/log"
	"github.com/cometbft/sbn/internal/metrics"
	"github.com/cometbft/sbn/internal/sbnsync"
	"github.com/cometbft/sbn/module"
	"github.com/cometbft/sbn/netw"
	"github.com/cometbft/sbn/peer"
	"github.com/cometbft/sbn/pipeline"
	"github.com/cometbft/sbn/scheduler"
	"github.com/cometbft/sbn/sbntypes"
	"github.com/cometbft/sbn/statusapi"
	"github.com/cometbft/sbn/wire"
)

// CoreVersion is the version this build of the core hands to every loaded
// protocol/filter module's InitModule, and the identifier the receive
// pipeline compares inbound PROTOCOL frames against; the core itself does
// not send a PROTOCOL frame. Configured module versions are matched against it as a semver
// constraint (e.g. "^1.0.0") before the module is loaded (spec.md §4.2/§4.3,
// Ambient stack decision: Masterminds/semver gates InitModule).
const CoreVersion = "1.0.0"

// connWatchInterval governs how often App notices a peer's state flipped
// Disconnected<->Connected from underlying traffic (NoteRecv, a timeout) so
// it can run the connect/disconnect side effects (§4.4's "on transition"
// actions) even for protocol modules, like protocolmods/udp, that never
// call Outlet.Connected/Disconnected themselves.
const connWatchInterval = 50 * time.Millisecond

// App is one running SBN core instance.
type App struct {
	log      log.Logger
	cfg      *config.Config
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	bus      bus.Bus

	nets    []*netw.Net
	peers   []*peer.Peer
	senders map[sbntypes.ProcessorID]*pipeline.Sender

	peerPipesMu sbnsync.Mutex
	peerPipes   map[sbntypes.ProcessorID]bus.PipeID

	dist      *distributor.Distributor
	sched     *scheduler.Scheduler
	statusSrv *http.Server

	subPipe bus.PipeID
}

// peerPipe returns the currently-open outbound pipe for a peer.
func (a *App) peerPipe(id sbntypes.ProcessorID) (bus.PipeID, bool) {
	a.peerPipesMu.Lock()
	defer a.peerPipesMu.Unlock()
	pipeID, ok := a.peerPipes[id]
	return pipeID, ok
}

// setPeerPipe records a peer's currently-open outbound pipe.
func (a *App) setPeerPipe(id sbntypes.ProcessorID, pipeID bus.PipeID) {
	a.peerPipesMu.Lock()
	defer a.peerPipesMu.Unlock()
	a.peerPipes[id] = pipeID
}

// New decodes cfg into a fully wired, not-yet-running App. b is the
// software bus to drive; a nil b builds an in-process bus.Local, the shape
// cmd/sbn's "run" subcommand and app/integration_test.go use.
func New(cfg *config.Config, l log.Logger, b bus.Bus) (*App, error) {
	if l == nil {
		l = log.NewNopLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "app: invalid config")
	}
	if b == nil {
		b = bus.NewLocal()
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	remapTable, err := loadRemapTable(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		log:       l,
		cfg:       cfg,
		registry:  reg,
		metrics:   m,
		bus:       b,
		peerPipes: make(map[sbntypes.ProcessorID]bus.PipeID),
		senders:   make(map[sbntypes.ProcessorID]*pipeline.Sender),
	}

	nets, err := a.buildNets(cfg, remapTable)
	if err != nil {
		return nil, err
	}
	a.nets = nets

	classes, err := cfg.BuildQoSClassTable()
	if err != nil {
		return nil, errors.Wrap(err, "app: building qos class table")
	}
	a.dist = distributor.New(l, m, b, cfg.Tuning.MaxLocalSubs, nets, classes)

	subPipe, err := b.CreatePipe("sbn.subscriptions", cfg.Tuning.MaxLocalSubs)
	if err != nil {
		return nil, errors.Wrap(err, "app: creating subscription-report pipe")
	}
	a.subPipe = subPipe
	if rb, ok := b.(interface{ RegisterSubscriptionPipe(bus.PipeID) }); ok {
		rb.RegisterSubscriptionPipe(subPipe)
	}

	netTasks, err := a.buildSchedule(cfg, nets)
	if err != nil {
		return nil, err
	}
	a.sched = scheduler.New(l, cfg.Tuning.WakeupPeriod, netTasks)

	if cfg.StatusAddr != "" {
		a.statusSrv = statusapi.NewServer(cfg.StatusAddr, l, statusapi.NetsSnapshotter(nets), reg)
	}

	return a, nil
}

func loadRemapTable(cfg *config.Config) (*config.RemapTable, error) {
	if cfg.RemapFile == "" {
		return config.NewRemapTable(config.DefaultPassThrough), nil
	}
	rt, err := config.LoadRemapTable(cfg.RemapFile)
	if err != nil {
		return nil, errors.Wrap(err, "app: loading remap table")
	}
	return rt, nil
}

// buildNets loads every configured protocol module once per distinct name,
// builds a netw.Net per configured NetConfig, and attaches every configured
// peer with its own loaded filter chain (spec.md §4.1 "one instance per
// configured protocol module, shared by every net and peer using it").
func (a *App) buildNets(cfg *config.Config, remapTable *config.RemapTable) ([]*netw.Net, error) {
	protocols := make(map[string]module.ProtocolModule, len(cfg.Protocols))
	for _, pc := range cfg.Protocols {
		mod, err := a.loadProtocol(pc)
		if err != nil {
			return nil, err
		}
		protocols[pc.Name] = mod
	}

	nets := make(map[string]*netw.Net, len(cfg.Nets))
	var ordered []*netw.Net
	for _, nc := range cfg.Nets {
		proto, ok := protocols[nc.Protocol]
		if !ok {
			return nil, errors.Errorf("app: net %q names unloaded protocol module %q", nc.Name, nc.Protocol)
		}
		n := netw.New(nc.Name, proto, nc.Protocol, nc.TaskFlags, nc.Address)
		if err := proto.InitNet(n); err != nil {
			return nil, errors.Wrapf(err, "app: init-net %q", nc.Name)
		}
		if err := proto.LoadNet(n, nc.Address); err != nil {
			return nil, errors.Wrapf(err, "app: load-net %q", nc.Name)
		}
		n.Load()
		nets[nc.Name] = n
		ordered = append(ordered, n)
	}

	for _, pc := range cfg.Peers {
		n, ok := nets[pc.NetName]
		if !ok {
			return nil, errors.Errorf("app: peer (processor=%d) names unknown net %q", pc.ProcessorID, pc.NetName)
		}
		chain, err := a.loadFilters(pc.Filters, remapTable)
		if err != nil {
			return nil, err
		}

		proto := n.Protocol()
		p := peer.New(peer.Config{
			ProcessorID:  pc.ID(),
			SpacecraftID: sbntypes.SpacecraftID(pc.SpacecraftID),
			NetName:      pc.NetName,
			Protocol:     pc.Protocol,
			Filters:      chain,
			Reliable:     proto.Reliable(),
			RingCapacity: a.cfg.Tuning.RingCapacity,
			MaxSubs:      a.cfg.Tuning.MaxSubsPerPeer,
		})
		n.AddPeer(pc.ID().String(), p)
		a.peers = append(a.peers, p)

		if err := proto.InitPeer(n, p); err != nil {
			return nil, errors.Wrapf(err, "app: init-peer %d", pc.ProcessorID)
		}
		if err := proto.LoadPeer(n, p, pc.Address); err != nil {
			return nil, errors.Wrapf(err, "app: load-peer %d", pc.ProcessorID)
		}

		pipeID, err := a.bus.CreatePipe(fmt.Sprintf("sbn.peer.%d", pc.ProcessorID), a.cfg.Tuning.MaxLocalSubs)
		if err != nil {
			return nil, errors.Wrapf(err, "app: creating outbound pipe for peer %d", pc.ProcessorID)
		}
		a.setPeerPipe(p.ID(), pipeID)
	}

	return ordered, nil
}

// loadProtocol resolves, version-checks, and initializes one configured
// protocol module by name.
func (a *App) loadProtocol(pc config.ProtocolModuleConfig) (module.ProtocolModule, error) {
	if err := checkVersion(pc.Name, pc.Version); err != nil {
		return nil, err
	}
	mod, err := module.NewProtocol(pc.Name, module.ProtocolDeps{
		LocalID:           sbntypes.ProcessorID(a.cfg.LocalProcessorID),
		Log:               a.log.With("module", pc.Name, "instance", uuid.NewString()),
		Metrics:           a.metrics,
		HeartbeatInterval: a.cfg.Tuning.WakeupPeriod * 4,
		PeerTimeout:       a.cfg.Tuning.WakeupPeriod * 10,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "app: loading protocol module %q", pc.Name)
	}
	if err := mod.InitModule(CoreVersion, &appOutlet{app: a}); err != nil {
		return nil, errors.Wrapf(err, "app: init-module protocol %q", pc.Name)
	}
	return mod, nil
}

// loadFilters resolves and initializes one peer's configured filter chain,
// in declaration order (spec.md §4.3).
func (a *App) loadFilters(names []string, remapTable *config.RemapTable) (module.Chain, error) {
	chain := make(module.Chain, 0, len(names))
	for _, name := range names {
		for _, fc := range a.cfg.Filters {
			if fc.Name == name {
				if err := checkVersion(name, fc.Version); err != nil {
					return nil, err
				}
			}
		}
		mod, err := module.NewFilter(name, module.FilterDeps{
			Log:        a.log.With("filter", name),
			RemapTable: remapTable,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "app: loading filter module %q", name)
		}
		if err := mod.InitModule(CoreVersion); err != nil {
			return nil, errors.Wrapf(err, "app: init-module filter %q", name)
		}
		chain = append(chain, mod)
	}
	return chain, nil
}

// checkVersion parses a configured module version as a semver constraint
// and matches it against CoreVersion (Ambient stack: "semver gates
// InitModule compatibility checks"). An empty configured version accepts
// any core version, for modules that don't care.
func checkVersion(name, configured string) error {
	if configured == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(configured)
	if err != nil {
		return errors.Wrapf(err, "app: module %q has invalid version constraint %q", name, configured)
	}
	core, err := semver.NewVersion(CoreVersion)
	if err != nil {
		return errors.Wrapf(err, "app: invalid core version %q", CoreVersion)
	}
	if !constraint.Check(core) {
		return errors.Errorf("app: module %q requires core version %q, this core is %q", name, configured, CoreVersion)
	}
	return nil
}

// buildSchedule builds each net's Receiver plus each peer's Sender, bundled
// as the scheduler.NetTask/PeerTask slices (spec.md §4.8).
func (a *App) buildSchedule(cfg *config.Config, nets []*netw.Net) ([]scheduler.NetTask, error) {
	tasks := make([]scheduler.NetTask, 0, len(nets))
	for _, n := range nets {
		recv := pipeline.NewReceiver(
			a.log, a.metrics, a.bus, n, CoreVersion,
			cfg.Tuning.MaxMsgPerWakeup, cfg.Tuning.AckThreshold, cfg.Tuning.RetransmitLimit,
			a.onPeerSubscription,
		)

		var peerTasks []scheduler.PeerTask
		for _, p := range n.Peers() {
			pipeID, ok := a.peerPipe(p.ID())
			if !ok {
				return nil, errors.Errorf("app: peer %d has no outbound pipe", p.ID())
			}
			sender := pipeline.NewSender(a.log, a.metrics, a.bus, n, p, pipeID, cfg.Tuning.MaxMsgPerWakeup)
			a.senders[p.ID()] = sender
			peerTasks = append(peerTasks, scheduler.PeerTask{Peer: p, Sender: sender})
		}

		tasks = append(tasks, scheduler.NetTask{Net: n, Peers: peerTasks, Receiver: recv})
	}
	return tasks, nil
}

// onPeerSubscription adapts pipeline.SubscriptionHandler (no outbound-pipe
// parameter) to distributor.HandlePeerSubscription, which needs to know
// which local pipe to (un)subscribe on the peer's behalf.
func (a *App) onPeerSubscription(p *peer.Peer, msgType wire.MsgType, entries []byte) {
	pipeID, ok := a.peerPipe(p.ID())
	if !ok {
		a.log.Error("app: subscription from peer with no outbound pipe", "peer", p.ID())
		return
	}
	a.dist.HandlePeerSubscription(pipeID, p, msgType, entries)
}

// reportBus is the narrow bus.Local extension scheduler.RunStartupHandshake
// and distributor.WaitForReports both depend on.
type reportBus interface {
	ReceiveReport(ctx context.Context, pipeID bus.PipeID, timeout time.Duration) (bus.Report, bool, error)
}

// Run starts the SB-startup handshake, then drives the scheduler, the
// subscription-report drain, the connectivity watcher, and the status
// server until ctx is done or one of them fails.
func (a *App) Run(ctx context.Context) error {
	rb, ok := a.bus.(reportBus)
	if !ok {
		return errors.New("app: configured bus does not support subscription reporting")
	}

	report, err := scheduler.RunStartupHandshake(ctx, a.bus, rb, a.subPipe, 50*time.Millisecond, 100)
	if err != nil {
		return errors.Wrap(err, "app: SB startup handshake failed")
	}
	a.dist.ApplyReport(ctx, report)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.sched.Run(ctx) })
	g.Go(func() error {
		distributor.WaitForReports(ctx, a.dist, rb, a.subPipe, time.Second)
		return nil
	})
	g.Go(func() error { a.runConnectivityWatcher(ctx); return nil })
	g.Go(func() error {
		if a.statusSrv == nil {
			return nil
		}
		err := a.statusSrv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "app: status server failed")
		}
		return nil
	})

	return g.Wait()
}

// appOutlet implements module.Outlet: a protocol module calls Connected/
// Disconnected when its own connection logic (accept, dial, handshake
// failure) determines a peer's liveness changed. This only updates the
// peer's own state machine; the distribution side effects of that
// transition (subscription burst/clear) are applied uniformly for every
// protocol module, including ones that never call Outlet at all (UDP), by
// runConnectivityWatcher below.
type appOutlet struct {
	app *App
}

func (o *appOutlet) Connected(ph module.PeerHandle) {
	if p, ok := ph.(*peer.Peer); ok {
		p.OnConnected(time.Now())
	}
}

func (o *appOutlet) Disconnected(ph module.PeerHandle) {
	if p, ok := ph.(*peer.Peer); ok {
		p.OnDisconnected()
	}
}

// runConnectivityWatcher polls every peer's liveness state and applies the
// spec.md §4.4 "on transition" actions exactly once per transition: burst
// the local subscription set to a newly CONNECTED peer
// (distributor.SendLocalSubsToPeer), or withdraw everything it had
// advertised from a newly DISCONNECTED one (distributor.ClearPeerSubscriptions).
// A single watcher loop, rather than wiring this into every protocol
// module, is what lets transport-driven transitions (TCP accept/dial, an
// explicit Outlet.Disconnected call) and liveness-driven ones (a UDP peer's
// first heartbeat, a scheduler timeout) share one code path.
func (a *App) runConnectivityWatcher(ctx context.Context) {
	ticker := time.NewTicker(connWatchInterval)
	defer ticker.Stop()

	last := make(map[sbntypes.ProcessorID]peer.State, len(a.peers))
	for _, p := range a.peers {
		last[p.ID()] = peer.Disconnected
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, n := range a.nets {
			for _, p := range n.Peers() {
				cur := p.State()
				if cur == last[p.ID()] {
					continue
				}
				last[p.ID()] = cur
				connectedVal := 0.0
				if cur == peer.Connected {
					connectedVal = 1.0
				}
				a.metrics.PeerConnected.WithLabelValues(n.Name(), p.ID().String()).Set(connectedVal)
				pipeID, ok := a.peerPipe(p.ID())
				if !ok {
					continue
				}
				if cur == peer.Connected {
					a.dist.SendLocalSubsToPeer(ctx, n, p)
				} else {
					a.dist.ClearPeerSubscriptions(pipeID, p)
					a.reopenPeerPipe(p, pipeID)
				}
			}
		}
	}
}

// reopenPeerPipe drops a disconnected peer's outbound pipe and opens a
// fresh one in its place (spec.md §4.4 "on transition to disconnected,
// drop the per-peer SB pipe's pending traffic (by closing the pipe)"; §4.4
// "on transition to connected, create the per-peer outbound pipe if not
// already open"). Closing discards whatever was buffered for the peer
// while it was unreachable instead of delivering it stale once the peer
// reconnects; the Sender already built for this peer is repointed at the
// new pipe so buildSchedule never needs to run twice.
func (a *App) reopenPeerPipe(p *peer.Peer, oldPipeID bus.PipeID) {
	if err := a.bus.DeletePipe(oldPipeID); err != nil {
		a.log.Error("app: closing disconnected peer's pipe failed", "peer", p.ID(), "err", err)
	}
	newPipeID, err := a.bus.CreatePipe(fmt.Sprintf("sbn.peer.%d", p.ID()), a.cfg.Tuning.MaxLocalSubs)
	if err != nil {
		a.log.Error("app: reopening pipe for disconnected peer failed", "peer", p.ID(), "err", err)
		return
	}
	a.setPeerPipe(p.ID(), newPipeID)
	if sender, ok := a.senders[p.ID()]; ok {
		sender.SetPipeID(newPipeID)
	}
}

// Shutdown tears down the status server and every net's protocol module,
// aggregating every failure instead of stopping at the first (spec.md §4.8,
// the same multierr aggregation scheduler.Scheduler.Shutdown already does
// per-net).
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	if a.statusSrv != nil {
		if e := a.statusSrv.Shutdown(ctx); e != nil {
			err = multierr.Append(err, e)
		}
	}
	if e := a.sched.Shutdown(); e != nil {
		err = multierr.Append(err, e)
	}
	return err
}

// Nets exposes the wired nets, e.g. for statusapi or tests.
func (a *App) Nets() []*netw.Net { return a.nets }

// Bus exposes the bus driving this App, e.g. for tests simulating local app
// traffic via bus.Local.SimulateAppSubscribe/Publish.
func (a *App) Bus() bus.Bus { return a.bus }

// Distributor exposes the subscription distributor, e.g. for tests.
func (a *App) Distributor() *distributor.Distributor { return a.dist }
