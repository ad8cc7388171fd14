// Package netw models one configured SBN network: a shared protocol module
// instance plus the set of peers reachable over it (spec.md §4.1).
package netw

import (
	"github.com/cometbft/sbn/config"
	"github.com/cometbft/sbn/internal/sbnsync"
	"github.com/cometbft/sbn/module"
	"github.com/cometbft/sbn/peer"
)

// Net is one configured network: a name, the protocol module it shares
// across all its peers, task-flags governing its scheduling, and the peers
// configured on it.
type Net struct {
	name      string
	protocol  module.ProtocolModule
	protoName string
	taskFlags config.TaskFlags
	address   string

	// sendMu serializes Send calls for protocol modules whose underlying
	// transport is not itself safe for concurrent writers (e.g. a single
	// UDP socket shared by every peer on the net).
	sendMu sbnsync.Mutex

	mu       sbnsync.Mutex
	peers    map[string]*peer.Peer // keyed by peer processor ID's string form
	loaded   bool
	moduleSt any
}

// New builds a Net. The protocol module instance is shared by reference
// across every Net configured with the same protocol name (spec.md §4.1 —
// "one instance per configured protocol module, shared by every net and
// peer using it").
func New(name string, proto module.ProtocolModule, protoName string, flags config.TaskFlags, address string) *Net {
	return &Net{
		name:      name,
		protocol:  proto,
		protoName: protoName,
		taskFlags: flags,
		address:   address,
		peers:     make(map[string]*peer.Peer),
	}
}

// Name implements module.NetHandle.
func (n *Net) Name() string { return n.name }

// Protocol returns the shared protocol module instance for this net.
func (n *Net) Protocol() module.ProtocolModule { return n.protocol }

// ProtocolName returns the configured protocol module name.
func (n *Net) ProtocolName() string { return n.protoName }

// TaskFlags reports this net's scheduling mode (spec.md §4.8).
func (n *Net) TaskFlags() config.TaskFlags { return n.taskFlags }

// Address returns the net-level listen/bind address string, handed to the
// protocol module's LoadNet.
func (n *Net) Address() string { return n.address }

// Load marks the net loaded (its protocol module's LoadNet has succeeded).
func (n *Net) Load() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.loaded = true
}

// Loaded reports whether Load has been called.
func (n *Net) Loaded() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.loaded
}

// AddPeer registers a peer as belonging to this net, keyed by its
// processor ID.
func (n *Net) AddPeer(key string, p *peer.Peer) {
	n.mu.Lock()
	n.peers[key] = p
	n.mu.Unlock()
	p.SetNet(n)
}

// Peer looks up a peer on this net by key.
func (n *Net) Peer(key string) (*peer.Peer, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.peers[key]
	return p, ok
}

// Peers returns a snapshot of every peer configured on this net.
func (n *Net) Peers() []*peer.Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*peer.Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	return out
}

// SendLocked serializes f against every other SendLocked call on this net,
// for protocol modules sharing one non-concurrency-safe transport handle
// (e.g. a single UDP socket).
func (n *Net) SendLocked(f func() error) error {
	n.sendMu.Lock()
	defer n.sendMu.Unlock()
	return f()
}

// ModuleState returns the protocol module's opaque per-net blob set by
// SetModuleState.
func (n *Net) ModuleState() any {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.moduleSt
}

// SetModuleState stores the protocol module's opaque per-net blob.
func (n *Net) SetModuleState(v any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.moduleSt = v
}
