// Package module defines the two plugin capability sets SBN drives — the
// protocol (transport) module interface of spec.md §4.2 and the filter
// (message transform) module interface of §4.3 — plus the static registries
// that replace the original C implementation's dlopen'd function-pointer
// vtables (Design Notes §9: "prefer compile-time composition").
//
// These interfaces intentionally depend on nothing from the peer/netw
// packages. PeerHandle and NetHandle are narrow structural interfaces that
// *peer.Peer and *netw.Net satisfy without module ever importing them,
// keeping the dependency graph acyclic: module -> sbntypes, config,
// internal/*; peer, netw -> module.
package module

import (
	"context"
	"time"

	"github.com/cometbft/sbn/sbntypes"
)

// PeerHandle is the subset of a Peer's identity a protocol module needs.
// Concrete peers are pointers, so a PeerHandle also works as a map key for
// a module's per-peer private state.
type PeerHandle interface {
	ID() sbntypes.ProcessorID
	SpacecraftID() sbntypes.SpacecraftID
}

// NetHandle is the subset of a Net's identity a protocol module needs.
type NetHandle interface {
	Name() string
}

// Outlet is the core's upcall surface, handed to a protocol module at
// InitModule. A module calls Connected/Disconnected when its own
// connectivity logic determines a peer's state changed (spec.md §4.2).
type Outlet interface {
	Connected(p PeerHandle)
	Disconnected(p PeerHandle)
}

// ProtocolModule is the capability set a transport plugin provides
// (spec.md §4.2). Exactly one of RecvFromNet or RecvFromPeer is meaningful
// for a given module; Supports reports which.
type ProtocolModule interface {
	// InitModule validates version compatibility and stashes the outlet for
	// later upcalls. Called once, at load time.
	InitModule(version string, outlet Outlet) error

	// InitNet/UnloadNet allocate/release per-net state (sockets, server
	// handles). LoadNet parses the net's protocol-specific address string.
	InitNet(net NetHandle) error
	LoadNet(net NetHandle, address string) error
	UnloadNet(net NetHandle) error

	// InitPeer/UnloadPeer allocate/release per-peer state. LoadPeer parses
	// the peer's protocol-specific address string.
	InitPeer(net NetHandle, peer PeerHandle) error
	LoadPeer(net NetHandle, peer PeerHandle, address string) error
	UnloadPeer(net NetHandle, peer PeerHandle) error

	// Send transmits one frame (already wire-packed by the core) to peer.
	// Returns the number of bytes written, or an error. A connection-fatal
	// error should be followed by the module calling Outlet.Disconnected.
	Send(ctx context.Context, peer PeerHandle, frame []byte) (int, error)

	// Supports reports which receive style this module implements for the
	// given net: "net" (RecvFromNet, many-to-one transports) or "peer"
	// (RecvFromPeer, connection-per-peer transports).
	Supports(net NetHandle) RecvStyle

	// RecvFromNet blocks until one frame arrives on this net from any peer,
	// or ctx is done. Only meaningful when Supports returns RecvStyleNet.
	RecvFromNet(ctx context.Context, net NetHandle) (procID sbntypes.ProcessorID, frame []byte, err error)

	// RecvFromPeer blocks until one frame arrives from this specific peer,
	// or ctx is done. Only meaningful when Supports returns RecvStylePeer.
	RecvFromPeer(ctx context.Context, peer PeerHandle) (frame []byte, err error)

	// PollPeer is called periodically; the module may emit protocol
	// traffic (heartbeats, announces, reconnect attempts).
	PollPeer(ctx context.Context, peer PeerHandle) error

	// Reliable reports whether this module's transport benefits from the
	// core's ACK/NACK/retransmit machinery. Stream transports that are
	// already ordered and reliable should return false (spec.md §9, Open
	// Question: "an implementer MUST decide per-protocol whether
	// reliability is on").
	Reliable() bool

	// HeartbeatInterval/PeerTimeout configure the liveness behavior of
	// spec.md §4.4. Either may be zero to disable the corresponding
	// behavior.
	HeartbeatInterval() time.Duration
	PeerTimeout() time.Duration
}

// RecvStyle distinguishes the two mutually exclusive receive shapes a
// protocol module can implement.
type RecvStyle int

const (
	RecvStyleNone RecvStyle = iota
	RecvStyleNet
	RecvStylePeer
)
