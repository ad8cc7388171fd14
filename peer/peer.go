// Package peer models one remote SBN node as seen from this core: its
// liveness state machine, its filter chain, and the reliability rings used
// when its protocol module is marked reliable (spec.md §4.4, §4.7).
package peer

import (
	"sync"
	"time"

	"github.com/cometbft/sbn/internal/sbnsync"
	"github.com/cometbft/sbn/module"
	"github.com/cometbft/sbn/ring"
	"github.com/cometbft/sbn/sbntypes"
	"github.com/cometbft/sbn/subs"
)

// State is a peer's coarse liveness state (spec.md §4.4).
type State int

const (
	// Disconnected: no heartbeat/traffic seen within the timeout window, or
	// never yet connected.
	Disconnected State = iota
	// Connected: traffic has been seen within the timeout window.
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Peer is one configured remote node. Mutable liveness fields are guarded
// by mu, following the same "single mutex over small fields touched from
// both the main tick and per-peer goroutines" shape cometbft's mempool
// reactor uses for its txSendersMtx-guarded map (mempool/reactor.go).
type Peer struct {
	processorID  sbntypes.ProcessorID
	spacecraftID sbntypes.SpacecraftID
	netName      string
	protocol     string
	filters      module.Chain
	reliable     bool
	outletQuit   chan struct{}
	quitOnce     sync.Once

	mu               sbnsync.Mutex
	state            State
	protocolRejected bool
	lastRecv         time.Time
	lastSent         time.Time
	sendSeq          uint32
	recvSeq          uint32
	inOrderSinceAck  int
	retransmitHits   int

	Subs *subs.PeerSet

	sendRing     *ring.SendRing
	deferredRing *ring.DeferredRing

	net module.NetHandle

	// moduleSt is a protocol module's own opaque per-peer blob (spec.md §6
	// InitPeer/LoadPeer), stashed here since only the protocol module that
	// owns this peer ever reads or writes it.
	moduleSt any
}

// Config is the fixed, load-time description of a peer.
type Config struct {
	ProcessorID  sbntypes.ProcessorID
	SpacecraftID sbntypes.SpacecraftID
	NetName      string
	Protocol     string
	Filters      module.Chain
	Reliable     bool
	RingCapacity int
	MaxSubs      int
}

// New builds a Peer in the Disconnected state.
func New(cfg Config) *Peer {
	p := &Peer{
		processorID:  cfg.ProcessorID,
		spacecraftID: cfg.SpacecraftID,
		netName:      cfg.NetName,
		protocol:     cfg.Protocol,
		filters:      cfg.Filters,
		reliable:     cfg.Reliable,
		outletQuit:   make(chan struct{}),
		Subs:         subs.NewPeerSet(cfg.MaxSubs),
	}
	if cfg.Reliable {
		p.sendRing = ring.NewSendRing(cfg.RingCapacity)
		p.deferredRing = ring.NewDeferredRing(cfg.RingCapacity)
	}
	return p
}

// ID implements module.PeerHandle.
func (p *Peer) ID() sbntypes.ProcessorID { return p.processorID }

// SpacecraftID implements module.PeerHandle.
func (p *Peer) SpacecraftID() sbntypes.SpacecraftID { return p.spacecraftID }

// NetName reports the net this peer is configured on.
func (p *Peer) NetName() string { return p.netName }

// Protocol reports the configured protocol module name.
func (p *Peer) Protocol() string { return p.protocol }

// Filters returns this peer's filter chain, applied in configured order to
// every message sent to or received from it (spec.md §5).
func (p *Peer) Filters() module.Chain { return p.filters }

// Net returns the net this peer belongs to, set once via SetNet during app
// wiring. Satisfies the protocol modules' small peerNetter interface so a
// module's Send can reach its net's shared transport state.
func (p *Peer) Net() module.NetHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.net
}

// SetNet records the net this peer belongs to.
func (p *Peer) SetNet(n module.NetHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.net = n
}

// ModuleState returns the protocol module's opaque per-peer blob set by
// SetModuleState.
func (p *Peer) ModuleState() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.moduleSt
}

// SetModuleState stores the protocol module's opaque per-peer blob.
func (p *Peer) SetModuleState(v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.moduleSt = v
}

// Reliable reports whether this peer's protocol module requires the
// ACK/NACK/ring reliability layer (spec.md §9 Open Question, resolved: a
// per-protocol-module property, not a blanket behavior).
func (p *Peer) Reliable() bool { return p.reliable }

// SendRing returns the peer's send-history ring, or nil if Reliable() is
// false.
func (p *Peer) SendRing() *ring.SendRing { return p.sendRing }

// DeferredRing returns the peer's gap-buffer ring, or nil if Reliable() is
// false.
func (p *Peer) DeferredRing() *ring.DeferredRing { return p.deferredRing }

// Quit returns a channel closed when this peer is torn down, the same
// signal shape cometbft's broadcastTxRoutine selects on via peer.Quit()
// (mempool/reactor.go) to let a per-peer goroutine exit promptly instead
// of polling a flag.
func (p *Peer) Quit() <-chan struct{} { return p.outletQuit }

// Close tears the peer down, signalling any goroutine blocked on Quit().
// Idempotent.
func (p *Peer) Close() {
	p.quitOnce.Do(func() { close(p.outletQuit) })
}

// State returns the peer's current liveness state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// OnConnected runs the spec.md §4.4 connected entry action: flip state,
// stamp lastRecv, and reset the retransmit-failure counter. Idempotent —
// repeated heartbeats while already connected just refresh lastRecv.
func (p *Peer) OnConnected(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = Connected
	p.lastRecv = now
	p.retransmitHits = 0
}

// OnDisconnected runs the spec.md §4.4 disconnected entry action: flip
// state and clear both reliability rings (send and deferred), since a freshly
// reconnecting peer starts a new sequence space (spec.md §4.7 "a peer that
// reconnects ... MUST NOT be treated as continuing the old sequence").
func (p *Peer) OnDisconnected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = Disconnected
	if p.sendRing != nil {
		p.sendRing.Clear()
	}
	if p.deferredRing != nil {
		p.deferredRing.Clear()
	}
	p.sendSeq = 0
	p.recvSeq = 0
	p.inOrderSinceAck = 0
}

// RejectProtocol marks this peer as having advertised an incompatible
// PROTOCOL identifier (spec.md §4.7 version check). Unlike State, this
// flag is sticky: NoteRecv's "any traffic counts as liveness" rule must
// not let a rejected peer's continuing heartbeats quietly re-enable
// outbound traffic, so the send pipeline checks ProtocolRejected
// independently of State.
func (p *Peer) RejectProtocol() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.protocolRejected = true
}

// ProtocolRejected reports whether RejectProtocol has been called for this
// peer.
func (p *Peer) ProtocolRejected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.protocolRejected
}

// NoteRecv stamps the last-seen-traffic time. A peer still in Disconnected
// state when this is called transitions to Connected (spec.md §4.4: any
// valid traffic, not just heartbeats, counts as liveness).
func (p *Peer) NoteRecv(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastRecv = now
	p.state = Connected
}

// NoteSent stamps the last-sent time, used to decide whether a heartbeat is
// due (spec.md §4.6).
func (p *Peer) NoteSent(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSent = now
}

// TimedOut reports whether this peer has been silent longer than timeout,
// as of now.
func (p *Peer) TimedOut(now time.Time, timeout time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastRecv.IsZero() {
		return false // never connected: not a timeout, just not-yet-started
	}
	return now.Sub(p.lastRecv) > timeout
}

// HeartbeatDue reports whether it has been at least interval since the last
// send.
func (p *Peer) HeartbeatDue(now time.Time, interval time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastSent.IsZero() {
		return true
	}
	return now.Sub(p.lastSent) >= interval
}

// NextSendSeq returns and increments the outbound sequence counter
// (spec.md §4.7 ordering).
func (p *Peer) NextSendSeq() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	seq := p.sendSeq
	p.sendSeq++
	return seq
}

// ExpectedRecvSeq returns the next sequence number this peer expects to
// receive in order.
func (p *Peer) ExpectedRecvSeq() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recvSeq
}

// AdvanceRecvSeq sets the next expected receive sequence after successfully
// consuming seq in order.
func (p *Peer) AdvanceRecvSeq(seq uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq >= p.recvSeq {
		p.recvSeq = seq + 1
	}
}

// NoteInOrderRecv records one in-order APP delivery and returns the new
// running count, so the receive pipeline can compare it against
// config.DefaultAckThreshold (spec.md §4.7 "ACK throttling").
func (p *Peer) NoteInOrderRecv() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inOrderSinceAck++
	return p.inOrderSinceAck
}

// ResetInOrderSinceAck zeroes the in-order counter, called after an ACK is
// emitted or a gap is detected (spec.md §4.7).
func (p *Peer) ResetInOrderSinceAck() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inOrderSinceAck = 0
}

// IncrementRetransmitHits records one retransmit attempt for this peer and
// returns the new running total, so the caller can apply
// config.DefaultRetransmitLimit (spec.md §4.7 "a peer that exceeds the
// configured retransmit limit ... MUST be treated as disconnected").
func (p *Peer) IncrementRetransmitHits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retransmitHits++
	return p.retransmitHits
}
