// Package scheduler drives SBN's core wakeup loop: a shared ticker polls
// each peer's protocol module (connect/heartbeat/reconnect) and ticks the
// send/recv pipelines for polled nets, while nets configured for a
// dedicated recv or recv+send task get their own goroutines, supervised
// together so one fatal task cancels the rest. Grounded on
// original_source/fsw/src/sbn_app.c's SBN_RcvMsg main loop (each wakeup:
// SBN_RunProtocol, SBN_CheckForNetAppMsgs, SBN_CheckSubscriptionPipe,
// SBN_CheckPeerPipes), reimplemented as a ticker-driven Go loop instead of
// a blocking cFE SB receive call.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/cometbft/sbn/bus"
	"github.com/cometbft/sbn/config"
	"github.com/cometbft/sbn/internal/log"
	"github.com/cometbft/sbn/netw"
	"github.com/cometbft/sbn/peer"
	"github.com/cometbft/sbn/pipeline"
	"github.com/cometbft/sbn/wire"
)

// PeerTask pairs a configured peer with its Sender.
type PeerTask struct {
	Peer   *peer.Peer
	Sender *pipeline.Sender
}

// NetTask is everything the scheduler needs to drive one configured net:
// its peers and their Senders, and its net-wide Receiver.
type NetTask struct {
	Net      *netw.Net
	Peers    []PeerTask
	Receiver *pipeline.Receiver
}

// Scheduler owns the wakeup loop shared by every configured net.
type Scheduler struct {
	log          log.Logger
	wakeupPeriod time.Duration
	nets         []NetTask
}

// New builds a Scheduler. wakeupPeriod defaults to config.DefaultWakeupPeriod
// when zero.
func New(l log.Logger, wakeupPeriod time.Duration, nets []NetTask) *Scheduler {
	if l == nil {
		l = log.NewNopLogger()
	}
	if wakeupPeriod <= 0 {
		wakeupPeriod = config.DefaultWakeupPeriod
	}
	return &Scheduler{log: l, wakeupPeriod: wakeupPeriod, nets: nets}
}

// Run drives every configured net until ctx is done or a dedicated task
// returns a fatal error. config.TaskRecvOnly and config.TaskRecvAndSend
// nets get a dedicated recv goroutine; config.TaskRecvAndSend peers
// additionally get a dedicated send goroutine (pipeline.Sender.Run,
// mirroring cometbft's per-peer broadcastTxRoutine). Every other
// poll/send/recv combination is driven by the shared ticker.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, nt := range s.nets {
		nt := nt
		switch nt.Net.TaskFlags() {
		case config.TaskRecvOnly, config.TaskRecvAndSend:
			g.Go(func() error { return s.runDedicatedRecv(ctx, nt) })
		}
		if nt.Net.TaskFlags() == config.TaskRecvAndSend {
			for _, pt := range nt.Peers {
				pt := pt
				g.Go(func() error {
					pt.Sender.Run(ctx, ctx.Done())
					return nil
				})
			}
		}
	}

	g.Go(func() error { return s.runTicker(ctx) })

	return g.Wait()
}

func (s *Scheduler) runTicker(ctx context.Context) error {
	ticker := time.NewTicker(s.wakeupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one wakeup pass: poll every peer's protocol module, apply the
// peer-timeout check (spec.md §4.4), then drive send/recv for every net
// not running a dedicated task of its own.
func (s *Scheduler) tick(ctx context.Context) {
	for _, nt := range s.nets {
		proto := nt.Net.Protocol()
		timeout := proto.PeerTimeout()
		now := time.Now()

		heartbeatInterval := proto.HeartbeatInterval()
		for _, pt := range nt.Peers {
			if err := proto.PollPeer(ctx, pt.Peer); err != nil {
				s.log.Error("scheduler: poll-peer failed", "net", nt.Net.Name(), "peer", pt.Peer.ID(), "err", err)
			}
			if timeout > 0 && pt.Peer.State() == peer.Connected && pt.Peer.TimedOut(now, timeout) {
				s.log.Info("scheduler: peer timed out", "net", nt.Net.Name(), "peer", pt.Peer.ID())
				pt.Peer.OnDisconnected()
			}
			if heartbeatInterval > 0 && pt.Peer.HeartbeatDue(now, heartbeatInterval) {
				s.sendHeartbeat(ctx, nt.Net, pt.Peer)
			}
		}

		switch nt.Net.TaskFlags() {
		case config.TaskPoll:
			if nt.Receiver != nil {
				nt.Receiver.Tick(ctx)
			}
			for _, pt := range nt.Peers {
				pt.Sender.Tick(ctx)
			}
		case config.TaskRecvOnly:
			// recv runs on its own dedicated goroutine; send stays polled.
			for _, pt := range nt.Peers {
				pt.Sender.Tick(ctx)
			}
		case config.TaskRecvAndSend:
			// both recv and send run on dedicated goroutines.
		}
	}
}

// sendHeartbeat emits an empty HEARTBEAT frame to keep a peer's liveness
// fresh even when no APP/subscription traffic is otherwise flowing,
// mirroring original_source/fsw/src/sbn_app.c's periodic
// SBN_SendNetMsg(SBN_HEARTBEAT_MSG, ...) in its main loop.
func (s *Scheduler) sendHeartbeat(ctx context.Context, n *netw.Net, p *peer.Peer) {
	buf := make([]byte, wire.HeaderLen)
	h := wire.Header{MsgType: wire.MsgHeartbeat, ProcessorID: uint32(p.ID()), SpacecraftID: uint32(p.SpacecraftID())}
	size, err := wire.Pack(buf, h, nil)
	if err != nil {
		s.log.Error("scheduler: framing heartbeat failed", "peer", p.ID(), "err", err)
		return
	}
	if err := n.SendLocked(func() error {
		_, err := n.Protocol().Send(ctx, p, buf[:size])
		return err
	}); err != nil {
		s.log.Error("scheduler: heartbeat send failed", "net", n.Name(), "peer", p.ID(), "err", err)
		return
	}
	p.NoteSent(time.Now())
}

// runDedicatedRecv drives one net's Receiver in a tight loop instead of on
// the shared ticker. Each RecvFromNet/RecvFromPeer call already blocks up
// to its own read deadline when no data is pending, so this behaves as the
// "dedicated task blocks on pipe read" mode spec.md §4.6/§4.7 describe,
// without an artificial sleep.
func (s *Scheduler) runDedicatedRecv(ctx context.Context, nt NetTask) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if nt.Receiver != nil {
			nt.Receiver.Tick(ctx)
		}
	}
}

// Shutdown tears down every configured net's protocol module, aggregating
// every failure instead of stopping at the first — unlike Run's
// errgroup-managed startup, teardown should report everything that went
// wrong, not just the first net to fail.
func (s *Scheduler) Shutdown() error {
	var err error
	for _, nt := range s.nets {
		proto := nt.Net.Protocol()
		for _, pt := range nt.Peers {
			if e := proto.UnloadPeer(nt.Net, pt.Peer); e != nil {
				err = multierr.Append(err, e)
			}
		}
		if e := proto.UnloadNet(nt.Net); e != nil {
			err = multierr.Append(err, e)
		}
	}
	return err
}

// ReportBus is the narrow extension bus.Local provides beyond bus.Bus:
// blocking receive of one subscription report from the core's dedicated
// pipe. The scheduler depends on this structural interface rather than on
// bus.Local directly, so a future real SB binding only needs to provide
// this one extra method to support the startup handshake below.
type ReportBus interface {
	ReceiveReport(ctx context.Context, pipeID bus.PipeID, timeout time.Duration) (bus.Report, bool, error)
}

// RunStartupHandshake blocks until the bus delivers a subscription report
// on subPipe, periodically re-requesting in case the original request
// raced the bus's own startup — the same race
// original_source/fsw/src/sbn_app.c's SBN_WaitForSBStartup guards against:
// a "send me your subscriptions" request sent before SB finished
// initializing can be silently lost, so the request is re-sent every
// resendEvery poll attempts until a report arrives.
func RunStartupHandshake(ctx context.Context, b bus.Bus, rb ReportBus, subPipe bus.PipeID, pollInterval time.Duration, resendEvery int) (bus.Report, error) {
	if err := b.EnableSubscriptionReporting(); err != nil {
		return bus.Report{}, err
	}
	if err := b.RequestPreviousSubscriptions(); err != nil {
		return bus.Report{}, err
	}
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	for attempt := 0; ; attempt++ {
		report, ok, err := rb.ReceiveReport(ctx, subPipe, pollInterval)
		if err != nil {
			return bus.Report{}, err
		}
		if ok {
			return report, nil
		}
		if ctx.Err() != nil {
			return bus.Report{}, ctx.Err()
		}
		if resendEvery > 0 && attempt%resendEvery == resendEvery-1 {
			_ = b.RequestPreviousSubscriptions()
		}
	}
}
