package module

import (
	"fmt"
	"sort"
	"time"

	"github.com/cometbft/sbn/config"
	"github.com/cometbft/sbn/internal/log"
	"github.com/cometbft/sbn/internal/metrics"
	"github.com/cometbft/sbn/internal/sbnsync"
	"github.com/cometbft/sbn/sbntypes"
)

// ProtocolDeps bundles the app-level wiring every protocol module
// constructor needs, so the static registry can stay keyed by name alone
// while still handing each module its logger, metrics, and configured
// liveness timings.
type ProtocolDeps struct {
	LocalID           sbntypes.ProcessorID
	Log               log.Logger
	Metrics           *metrics.Metrics
	HeartbeatInterval time.Duration
	PeerTimeout       time.Duration
}

// FilterDeps bundles the app-level wiring a filter module constructor
// needs.
type FilterDeps struct {
	Log        log.Logger
	RemapTable *config.RemapTable
}

// ProtocolConstructor builds a fresh ProtocolModule instance. Protocol
// modules are loaded once per distinct configured name and reused across
// every Net that names them (spec.md §3 "Lifecycle").
type ProtocolConstructor func(ProtocolDeps) ProtocolModule

// FilterConstructor builds a fresh FilterModule instance.
type FilterConstructor func(FilterDeps) FilterModule

var (
	protocolMu  sbnsync.Mutex
	protocols   = map[string]ProtocolConstructor{}
	filterMu    sbnsync.Mutex
	filters     = map[string]FilterConstructor{}
)

// RegisterProtocol adds a named protocol module constructor to the static
// registry. Called from protocolmods/*'s init() functions — the compile-time
// composition Design Notes §9 prefers over dlopen'd symbol lookup.
func RegisterProtocol(name string, ctor ProtocolConstructor) {
	protocolMu.Lock()
	defer protocolMu.Unlock()
	if _, dup := protocols[name]; dup {
		panic(fmt.Sprintf("module: protocol %q registered twice", name))
	}
	protocols[name] = ctor
}

// RegisterFilter adds a named filter module constructor to the static
// registry.
func RegisterFilter(name string, ctor FilterConstructor) {
	filterMu.Lock()
	defer filterMu.Unlock()
	if _, dup := filters[name]; dup {
		panic(fmt.Sprintf("module: filter %q registered twice", name))
	}
	filters[name] = ctor
}

// NewProtocol constructs a registered protocol module by name.
func NewProtocol(name string, deps ProtocolDeps) (ProtocolModule, error) {
	protocolMu.Lock()
	ctor, ok := protocols[name]
	protocolMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("module: unknown protocol module %q", name)
	}
	return ctor(deps), nil
}

// NewFilter constructs a registered filter module by name.
func NewFilter(name string, deps FilterDeps) (FilterModule, error) {
	filterMu.Lock()
	ctor, ok := filters[name]
	filterMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("module: unknown filter module %q", name)
	}
	return ctor(deps), nil
}

// KnownProtocols returns the sorted list of registered protocol module
// names, useful for config validation error messages.
func KnownProtocols() []string {
	protocolMu.Lock()
	defer protocolMu.Unlock()
	names := make([]string, 0, len(protocols))
	for n := range protocols {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// KnownFilters returns the sorted list of registered filter module names.
func KnownFilters() []string {
	filterMu.Lock()
	defer filterMu.Unlock()
	names := make([]string, 0, len(filters))
	for n := range filters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
