// Package pipeline implements the per-peer data paths that move frames
// between a peer's local SB pipe and its protocol module's wire transport
// (spec.md §4.6, §4.7). The send side mirrors cometbft's mempool reactor
// broadcast loop (mempool/reactor.go's broadcastTxRoutine): a dedicated
// goroutine selects on the bus becoming readable, the peer's Quit()
// channel, and its own shutdown signal, instead of polling a flag. The
// recv side has no direct teacher analogue — it is grounded on
// original_source/fsw/src/sbn_app.c's SBN_CheckPeerPipes/SBN_ProcessNetAppMsg
// control flow, reimplemented as Go dispatch instead of a switch inside a
// polling loop.
package pipeline

import (
	"context"
	"time"

	"github.com/cometbft/sbn/bus"
	"github.com/cometbft/sbn/internal/log"
	"github.com/cometbft/sbn/internal/metrics"
	"github.com/cometbft/sbn/internal/sbnsync"
	"github.com/cometbft/sbn/module"
	"github.com/cometbft/sbn/netw"
	"github.com/cometbft/sbn/peer"
	"github.com/cometbft/sbn/sbntypes"
	"github.com/cometbft/sbn/wire"
)

// pollTimeout bounds a non-blocking drain's wait for one message, so a
// scheduler tick visiting many peers stays responsive (spec.md §4.6 step 1:
// "the scheduler polls with a non-blocking read").
const pollTimeout = time.Millisecond

// idleRecheck is how long Sender.Run waits before rechecking a
// not-yet-connected peer's state.
const idleRecheck = 50 * time.Millisecond

// Sender drains one peer's outbound SB pipe, runs the send-side filter
// chain, frames the result, and hands it to the net's shared protocol
// module (spec.md §4.6).
type Sender struct {
	log             log.Logger
	metrics         *metrics.Metrics
	bus             bus.Bus
	net             *netw.Net
	peer            *peer.Peer
	maxMsgPerWakeup int

	pipeIDMu sbnsync.Mutex
	pipeID   bus.PipeID
}

// NewSender builds a Sender for one peer. pipeID is the peer's outbound SB
// pipe, created and subscribed to its current subscription set by the
// caller (app wiring / distributor) before the pipeline ever runs.
func NewSender(l log.Logger, m *metrics.Metrics, b bus.Bus, n *netw.Net, p *peer.Peer, pipeID bus.PipeID, maxMsgPerWakeup int) *Sender {
	if maxMsgPerWakeup <= 0 {
		maxMsgPerWakeup = 1
	}
	return &Sender{log: l, metrics: m, bus: b, net: n, peer: p, pipeID: pipeID, maxMsgPerWakeup: maxMsgPerWakeup}
}

// SetPipeID repoints the Sender at a freshly (re)opened pipe, called when a
// peer's outbound pipe is closed and recreated across a disconnect (spec.md
// §4.4).
func (s *Sender) SetPipeID(id bus.PipeID) {
	s.pipeIDMu.Lock()
	defer s.pipeIDMu.Unlock()
	s.pipeID = id
}

func (s *Sender) currentPipeID() bus.PipeID {
	s.pipeIDMu.Lock()
	defer s.pipeIDMu.Unlock()
	return s.pipeID
}

// Tick runs one non-blocking drain pass of up to maxMsgPerWakeup messages,
// for nets in config.TaskPoll / config.TaskRecvOnly mode where the
// scheduler's own tick owns the wakeup cadence.
func (s *Sender) Tick(ctx context.Context) {
	if s.peer.ProtocolRejected() || s.peer.State() != peer.Connected {
		return
	}
	for i := 0; i < s.maxMsgPerWakeup; i++ {
		msg, ok, err := s.bus.Receive(ctx, s.currentPipeID(), pollTimeout)
		if err != nil || !ok {
			return
		}
		s.sendOne(ctx, msg)
	}
}

// Run drives a dedicated send task for one peer (config.TaskRecvAndSend),
// blocking on the bus between messages instead of polling on every
// scheduler wakeup — the same shape broadcastTxRoutine uses, substituting
// the bus's blocking Receive for clist's NextWaitChan and the peer's
// Connected state for the mempool's peer-caught-up check.
func (s *Sender) Run(ctx context.Context, quit <-chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case <-s.peer.Quit():
			return
		case <-ctx.Done():
			return
		default:
		}

		if s.peer.ProtocolRejected() || s.peer.State() != peer.Connected {
			select {
			case <-time.After(idleRecheck):
			case <-quit:
				return
			case <-s.peer.Quit():
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		msg, ok, err := s.bus.Receive(ctx, s.currentPipeID(), time.Second)
		if err != nil {
			return
		}
		if !ok {
			continue
		}
		s.sendOne(ctx, msg)
	}
}

// sendOne runs one message through the filter chain, frames it, and sends
// it, updating counters per spec.md §4.6 steps 2-5.
func (s *Sender) sendOne(ctx context.Context, msg bus.Msg) {
	fmsg := &module.Message{MID: msg.MID, QoS: msg.QoS, Payload: msg.Payload}
	fctx := module.FilterContext{ProcessorID: s.peer.ID(), SpacecraftID: s.peer.SpacecraftID(), Direction: sbntypes.DirectionSend}
	if r := s.peer.Filters().Send(fmsg, fctx); r != module.FilterSuccess {
		if r == module.FilterError {
			s.bumpSendErr()
			s.log.Error("pipeline: filter-send rejected message", "peer", s.peer.ID(), "mid", fmsg.MID)
		}
		return
	}

	body := wire.PackAppMsg(wire.AppMsg{MID: uint32(fmsg.MID), QoS: uint8(fmsg.QoS), Payload: fmsg.Payload})

	var seq uint32
	if s.peer.Reliable() {
		seq = s.peer.NextSendSeq()
		body = wire.PackAppPayload(seq, body)
	}

	buf := make([]byte, wire.HeaderLen+len(body))
	h := wire.Header{MsgType: wire.MsgApp, ProcessorID: uint32(s.peer.ID()), SpacecraftID: uint32(s.peer.SpacecraftID())}
	n, err := wire.Pack(buf, h, body)
	if err != nil {
		s.bumpSendErr()
		s.log.Error("pipeline: framing failed", "peer", s.peer.ID(), "err", err)
		return
	}
	frame := buf[:n]

	sendErr := s.net.SendLocked(func() error {
		_, err := s.net.Protocol().Send(ctx, s.peer, frame)
		return err
	})
	if sendErr != nil {
		s.bumpSendErr()
		s.log.Error("pipeline: send failed", "peer", s.peer.ID(), "err", sendErr)
		return
	}

	s.peer.NoteSent(time.Now())
	s.metrics.PeerSend.WithLabelValues(s.net.Name(), s.peer.ID().String()).Inc()
	if s.peer.Reliable() {
		s.peer.SendRing().Put(seq, frame)
	}
}

func (s *Sender) bumpSendErr() {
	s.metrics.PeerSendErr.WithLabelValues(s.net.Name(), s.peer.ID().String()).Inc()
}
