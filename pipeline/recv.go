package pipeline

import (
	"context"
	"time"

	"github.com/cometbft/sbn/bus"
	"github.com/cometbft/sbn/internal/log"
	"github.com/cometbft/sbn/internal/metrics"
	"github.com/cometbft/sbn/module"
	"github.com/cometbft/sbn/netw"
	"github.com/cometbft/sbn/peer"
	"github.com/cometbft/sbn/sbntypes"
	"github.com/cometbft/sbn/wire"
)

// SubscriptionHandler processes one inbound SUBSCRIBE/UNSUBSCRIBE message
// from a peer (spec.md §4.5). The receive pipeline only dispatches; the
// distributor owns RemapMID, PeerSet bookkeeping, and the local SB
// subscribe/unsubscribe calls.
type SubscriptionHandler func(p *peer.Peer, msgType wire.MsgType, entries []byte)

// Receiver drives the receive side for one net: either polling
// RecvFromNet in a loop (many-to-one transports) or RecvFromPeer across
// every configured peer (connection-per-peer transports), dispatching each
// decoded frame by message type (spec.md §4.7).
type Receiver struct {
	log              log.Logger
	metrics          *metrics.Metrics
	bus              bus.Bus
	net              *netw.Net
	protocolVersion  string
	maxIterPerWakeup int
	ackThreshold     int
	retransmitLimit  int
	onSubscription   SubscriptionHandler
}

// NewReceiver builds a Receiver for one net.
func NewReceiver(
	l log.Logger,
	m *metrics.Metrics,
	b bus.Bus,
	n *netw.Net,
	protocolVersion string,
	maxIterPerWakeup, ackThreshold, retransmitLimit int,
	onSubscription SubscriptionHandler,
) *Receiver {
	if maxIterPerWakeup <= 0 {
		maxIterPerWakeup = 1
	}
	return &Receiver{
		log:              l,
		metrics:          m,
		bus:              b,
		net:              n,
		protocolVersion:  protocolVersion,
		maxIterPerWakeup: maxIterPerWakeup,
		ackThreshold:     ackThreshold,
		retransmitLimit:  retransmitLimit,
		onSubscription:   onSubscription,
	}
}

// Tick runs one bounded recv pass for the net, stopping early once the
// module reports IF-EMPTY (nil frame, nil error) or ERROR, and otherwise
// after maxIterPerWakeup iterations, so one busy net cannot starve others
// sharing a scheduler tick (spec.md §4.7).
func (r *Receiver) Tick(ctx context.Context) {
	proto := r.net.Protocol()
	switch proto.Supports(r.net) {
	case module.RecvStyleNet:
		r.tickNet(ctx, proto)
	case module.RecvStylePeer:
		r.tickPeers(ctx, proto)
	default:
	}
}

func (r *Receiver) tickNet(ctx context.Context, proto module.ProtocolModule) {
	for i := 0; i < r.maxIterPerWakeup; i++ {
		_, frame, err := proto.RecvFromNet(ctx, r.net)
		if err != nil {
			r.log.Error("pipeline: recv-from-net failed", "net", r.net.Name(), "err", err)
			return
		}
		if frame == nil {
			return
		}
		// RecvStyleNet transports (udp) multiplex every peer onto one
		// socket and can't report who sent a datagram at the transport
		// layer (see protocolmods/udp.RecvFromNet); the wire header's own
		// ProcessorID field is the only place that identity survives, so
		// peer lookup has to peek it before the rest of dispatch runs.
		h, _, err := wire.Unpack(frame)
		if err != nil {
			r.log.Error("pipeline: malformed frame", "net", r.net.Name(), "err", err)
			continue
		}
		p, ok := r.net.Peer(sbntypes.ProcessorID(h.ProcessorID).String())
		if !ok {
			r.log.Error("pipeline: frame from unconfigured peer", "net", r.net.Name(), "processor", h.ProcessorID)
			continue
		}
		r.dispatch(ctx, p, frame)
	}
}

func (r *Receiver) tickPeers(ctx context.Context, proto module.ProtocolModule) {
	for _, p := range r.net.Peers() {
		for i := 0; i < r.maxIterPerWakeup; i++ {
			frame, err := proto.RecvFromPeer(ctx, p)
			if err != nil {
				r.log.Error("pipeline: recv-from-peer failed", "peer", p.ID(), "err", err)
				break
			}
			if frame == nil {
				break
			}
			r.dispatch(ctx, p, frame)
		}
	}
}

func (r *Receiver) dispatch(ctx context.Context, p *peer.Peer, frame []byte) {
	h, payload, err := wire.Unpack(frame)
	if err != nil {
		r.bumpRecvErr(p)
		r.log.Error("pipeline: malformed frame", "peer", p.ID(), "err", err)
		return
	}
	p.NoteRecv(time.Now())
	r.metrics.PeerRecv.WithLabelValues(r.net.Name(), p.ID().String()).Inc()

	switch h.MsgType {
	case wire.MsgProtocol:
		r.handleProtocol(p, payload)
	case wire.MsgSubscribe, wire.MsgUnsubscribe:
		if r.onSubscription != nil {
			r.onSubscription(p, h.MsgType, payload)
		}
	case wire.MsgAck:
		r.handleAck(p, payload)
	case wire.MsgNack:
		r.handleNack(ctx, p, payload)
	case wire.MsgHeartbeat, wire.MsgAnnounce:
		// liveness already stamped above; nothing else to do at the core
		// level (spec.md §4.7).
	case wire.MsgApp:
		r.handleApp(ctx, p, payload)
	default:
		r.log.Error("pipeline: unknown message type", "peer", p.ID(), "type", h.MsgType)
	}
}

// handleProtocol checks an inbound PROTOCOL identifier frame against this
// core's own version. A mismatch rejects the peer outright (spec.md §8
// "version mismatch": no APP traffic may flow to a peer running an
// incompatible core, even once its per-peer subscription set is populated)
// rather than merely logging, since a peer that keeps sending heartbeats
// would otherwise flip back to Connected and look eligible for traffic
// again.
func (r *Receiver) handleProtocol(p *peer.Peer, payload []byte) {
	ident, err := wire.UnpackIdent(payload)
	if err != nil {
		r.bumpRecvErr(p)
		r.log.Error("pipeline: malformed protocol identifier", "peer", p.ID(), "err", err)
		return
	}
	if ident != r.protocolVersion {
		r.log.Error("pipeline: protocol version mismatch, rejecting peer", "peer", p.ID(), "want", r.protocolVersion, "got", ident)
		p.RejectProtocol()
		p.OnDisconnected()
	}
}

func (r *Receiver) handleAck(p *peer.Peer, payload []byte) {
	ack, err := wire.UnpackAckNack(payload)
	if err != nil {
		r.bumpRecvErr(p)
		return
	}
	if !p.Reliable() || p.SendRing() == nil {
		return
	}
	p.SendRing().DropThrough(ack.Sequence)
}

func (r *Receiver) handleNack(ctx context.Context, p *peer.Peer, payload []byte) {
	nack, err := wire.UnpackAckNack(payload)
	if err != nil {
		r.bumpRecvErr(p)
		return
	}
	if !p.Reliable() || p.SendRing() == nil {
		return
	}
	count, present := p.SendRing().RetransmitCount(nack.Sequence)
	if !present || count >= r.retransmitLimit {
		return
	}
	frame, err := p.SendRing().Find(nack.Sequence)
	if err != nil {
		return
	}
	p.SendRing().IncrementRetransmit(nack.Sequence)
	r.metrics.PeerRetransmit.WithLabelValues(r.net.Name(), p.ID().String()).Inc()
	_ = r.net.SendLocked(func() error {
		_, err := r.net.Protocol().Send(ctx, p, frame)
		return err
	})

	// SendRing's own retransmit count above caps retries of one stuck
	// frame; this counts every retransmit event across the peer's whole
	// connected lifetime (reset by OnConnected), whether for one sequence
	// or many, and disconnects the peer once the count reaches
	// retransmitLimit (spec.md §4.7 "a peer
	// that exceeds the configured retransmit limit ... MUST be treated as
	// disconnected").
	if hits := p.IncrementRetransmitHits(); r.retransmitLimit > 0 && hits >= r.retransmitLimit {
		r.log.Error("pipeline: peer exceeded retransmit limit, disconnecting", "peer", p.ID(), "hits", hits)
		p.OnDisconnected()
	}
}

func (r *Receiver) handleApp(ctx context.Context, p *peer.Peer, payload []byte) {
	if !p.Reliable() {
		r.deliverApp(p, payload)
		return
	}
	seq, body, err := wire.UnpackAppPayload(payload)
	if err != nil {
		r.bumpRecvErr(p)
		return
	}
	r.acceptSequenced(ctx, p, seq, body)
}

// acceptSequenced implements spec.md §4.7's ordering rules for one incoming
// sequenced APP message.
func (r *Receiver) acceptSequenced(ctx context.Context, p *peer.Peer, seq uint32, body []byte) {
	expected := p.ExpectedRecvSeq()
	switch {
	case seq == expected:
		r.deliverApp(p, body)
		p.AdvanceRecvSeq(seq)
		if n := p.NoteInOrderRecv(); n >= r.ackThreshold {
			r.sendAck(ctx, p, seq)
			p.ResetInOrderSinceAck()
		}
		r.drainDeferred(ctx, p)
	case seq > expected:
		p.DeferredRing().Insert(seq, body)
		p.ResetInOrderSinceAck()
		r.metrics.PeerMissed.WithLabelValues(r.net.Name(), p.ID().String()).Inc()
		r.sendNack(ctx, p, expected)
	default:
		// seq < expected: duplicate, the peer already owes us nothing.
	}
}

// drainDeferred delivers any deferred frames that are now in order,
// ascending, after an in-order advance fills a gap.
func (r *Receiver) drainDeferred(ctx context.Context, p *peer.Peer) {
	for {
		next := p.ExpectedRecvSeq()
		body, ok := p.DeferredRing().Take(next)
		if !ok {
			return
		}
		r.deliverApp(p, body)
		p.AdvanceRecvSeq(next)
	}
}

func (r *Receiver) sendAck(ctx context.Context, p *peer.Peer, seq uint32) {
	r.sendControl(ctx, p, wire.MsgAck, wire.PackAckNack(seq))
}

func (r *Receiver) sendNack(ctx context.Context, p *peer.Peer, seq uint32) {
	r.sendControl(ctx, p, wire.MsgNack, wire.PackAckNack(seq))
}

func (r *Receiver) sendControl(ctx context.Context, p *peer.Peer, t wire.MsgType, payload []byte) {
	buf := make([]byte, wire.HeaderLen+len(payload))
	h := wire.Header{MsgType: t, ProcessorID: uint32(p.ID()), SpacecraftID: uint32(p.SpacecraftID())}
	n, err := wire.Pack(buf, h, payload)
	if err != nil {
		return
	}
	_ = r.net.SendLocked(func() error {
		_, err := r.net.Protocol().Send(ctx, p, buf[:n])
		return err
	})
}

// deliverApp runs the recv-side filter chain and, on success, publishes the
// result to the local SB, preserving the originating processor id (spec.md
// §4.7 "Publish into local SB ... reuses the original sender metadata").
func (r *Receiver) deliverApp(p *peer.Peer, body []byte) {
	app, err := wire.UnpackAppMsg(body)
	if err != nil {
		r.bumpRecvErr(p)
		r.log.Error("pipeline: malformed app message", "peer", p.ID(), "err", err)
		return
	}
	msg := &module.Message{MID: sbntypes.MID(app.MID), QoS: sbntypes.QoS(app.QoS), Payload: app.Payload}
	fctx := module.FilterContext{ProcessorID: p.ID(), SpacecraftID: p.SpacecraftID(), Direction: sbntypes.DirectionRecv}
	if res := p.Filters().Recv(msg, fctx); res != module.FilterSuccess {
		if res == module.FilterError {
			r.bumpRecvErr(p)
		}
		return
	}
	if err := r.bus.Publish(bus.Msg{MID: msg.MID, QoS: msg.QoS, ProcessorID: p.ID(), Payload: msg.Payload}, 0); err != nil {
		r.bumpRecvErr(p)
		r.log.Error("pipeline: publish failed", "peer", p.ID(), "mid", msg.MID, "err", err)
	}
}

func (r *Receiver) bumpRecvErr(p *peer.Peer) {
	r.metrics.PeerRecvErr.WithLabelValues(r.net.Name(), p.ID().String()).Inc()
}
