// Package distributor implements SBN's subscription bookkeeping (spec.md
// §4.5): watching the local bus's subscription reports, maintaining the
// in-use-counted local set, fanning out SUBSCRIBE/UNSUBSCRIBE bursts to
// connected peers, and processing inbound (un)subscribe advertisements
// from peers into each peer's own set. Grounded on
// original_source/fsw/src/sbn_subs.c's SBN_ProcessLocalSub/
// SBN_ProcessLocalUnsub (local side) and SBN_ProcessSubFromPeer/
// SBN_ProcessUnsubFromPeer (peer side), reimplemented as direct function
// calls driven by WaitForReports' drain of the subscription pipe and by the
// receive pipeline's SubscriptionHandler callback.
package distributor

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
	"github.com/cometbft/sbn/subs"
	"github.com/cometbft/sbn/wire"
)

// Distributor owns the local subscription set shared by every peer on
// every net, and the logic that keeps each peer's outbound SB pipe
// subscriptions (spec.md §4.6 "pipeID, created and subscribed to its
// current subscription set") in sync with it.
type Distributor struct {
	log     log.Logger
	metrics *metrics.Metrics
	bus     bus.Bus
	local   *subs.LocalSet
	nets    []*netw.Net
	classes *subs.ClassTable
}

// New builds a Distributor over the given local bus and nets. capacity
// bounds the local set the way SBN_MAX_SUBS_PER_PEER bounds the original's
// LocalSubs array; 0 means unbounded. classes is the configured QoS
// priority-class name table (config.Config.BuildQoSClassTable), nil if
// none is configured — used only to log an unnamed priority class, never
// to reject a subscription.
func New(l log.Logger, m *metrics.Metrics, b bus.Bus, capacity int, nets []*netw.Net, classes *subs.ClassTable) *Distributor {
	return &Distributor{log: l, metrics: m, bus: b, local: subs.NewLocalSet(capacity), nets: nets, classes: classes}
}

// warnUnnamedClass logs once per occurrence when a subscription's priority
// nibble isn't in the configured qos_classes table, purely informational
// (spec.md §3: the wire byte carries the nibble regardless of naming).
func (d *Distributor) warnUnnamedClass(source string, processorID sbntypes.ProcessorID, mid sbntypes.MID, qos sbntypes.QoS) {
	if d.classes == nil {
		return
	}
	if d.classes.Name(qos.Priority()) != "" {
		return
	}
	d.log.Info("distributor: subscription uses unnamed QoS priority class",
		"source", source, "processor", processorID, "mid", mid, "priority", qos.Priority())
}

// LocalSet exposes the underlying set, e.g. for status reporting.
func (d *Distributor) LocalSet() *subs.LocalSet { return d.local }

// ApplyReport folds one subscription Report from the bus into the local
// set and fans out the resulting wire traffic to every connected peer
// (spec.md §4.5). Called from the app's dedicated subscription-pipe
// handling loop.
func (d *Distributor) ApplyReport(ctx context.Context, r bus.Report) {
	switch r.Kind {
	case bus.ReportOneSub:
		for _, e := range r.Entries {
			if r.Action == bus.ActionUnsubscribe {
				d.applyLocalUnsub(ctx, e.MID)
			} else {
				d.applyLocalSub(ctx, e.MID, e.QoS)
			}
		}
	case bus.ReportAllSubs:
		for _, e := range r.Entries {
			d.applyLocalSub(ctx, e.MID, e.QoS)
		}
	}
}

// applyLocalSub mirrors SBN_ProcessLocalSub: increment-if-present, else add
// and broadcast SUBSCRIBE to every connected peer.
func (d *Distributor) applyLocalSub(ctx context.Context, mid sbntypes.MID, qos sbntypes.QoS) {
	result, err := d.local.Subscribe(mid, qos)
	if err != nil {
		d.log.Error("distributor: local subscribe refused", "mid", mid, "err", err)
		return
	}
	if result != subs.SubscribeNew {
		return
	}
	d.warnUnnamedClass("local", 0, mid, qos)
	d.broadcast(ctx, wire.MsgSubscribe, wire.PackSubEntry(wire.SubEntry{MID: uint32(mid), QoS: uint8(qos)}))
}

// applyLocalUnsub mirrors SBN_ProcessLocalUnsub: decrement, and only
// broadcast UNSUBSCRIBE once the in-use count reaches zero.
func (d *Distributor) applyLocalUnsub(ctx context.Context, mid sbntypes.MID) {
	if d.local.Unsubscribe(mid) != subs.UnsubscribeRemoved {
		return
	}
	d.broadcast(ctx, wire.MsgUnsubscribe, wire.PackSubEntry(wire.SubEntry{MID: uint32(mid)}))
}

// broadcast sends one SUBSCRIBE/UNSUBSCRIBE frame to every peer in
// peer.Connected state across every net (spec.md §4.5 "fan out to every
// connected peer").
func (d *Distributor) broadcast(ctx context.Context, t wire.MsgType, body []byte) {
	for _, n := range d.nets {
		for _, p := range n.Peers() {
			if p.State() != peer.Connected {
				continue
			}
			d.sendTo(ctx, n, p, t, body)
		}
	}
}

func (d *Distributor) sendTo(ctx context.Context, n *netw.Net, p *peer.Peer, t wire.MsgType, body []byte) {
	buf := make([]byte, wire.HeaderLen+len(body))
	h := wire.Header{MsgType: t, ProcessorID: uint32(p.ID()), SpacecraftID: uint32(p.SpacecraftID())}
	size, err := wire.Pack(buf, h, body)
	if err != nil {
		d.log.Error("distributor: framing failed", "peer", p.ID(), "err", err)
		return
	}
	if err := n.SendLocked(func() error {
		_, err := n.Protocol().Send(ctx, p, buf[:size])
		return err
	}); err != nil {
		d.log.Error("distributor: send failed", "peer", p.ID(), "err", err)
	}
}

// SendLocalSubsToPeer bursts every currently-subscribed MID to one peer,
// the way SBN_SendLocalSubsToPeer does on connect (spec.md §4.4 "on
// transition to connected, burst the full local set to the peer").
func (d *Distributor) SendLocalSubsToPeer(ctx context.Context, n *netw.Net, p *peer.Peer) {
	for _, e := range d.local.Snapshot() {
		d.sendTo(ctx, n, p, wire.MsgSubscribe, wire.PackSubEntry(wire.SubEntry{MID: uint32(e.MID), QoS: uint8(e.QoS)}))
	}
}

// HandlePeerSubscription is a pipeline.SubscriptionHandler: it processes
// one inbound SUBSCRIBE/UNSUBSCRIBE frame from a peer (spec.md §4.5),
// running the peer's RemapMID filter chain, updating the peer's PeerSet,
// and issuing the matching local SB (un)subscribe on the peer's outbound
// pipe.
func (d *Distributor) HandlePeerSubscription(outPipe bus.PipeID, p *peer.Peer, msgType wire.MsgType, payload []byte) {
	entry, err := wire.UnpackSubEntry(payload)
	if err != nil {
		d.log.Error("distributor: malformed sub entry", "peer", p.ID(), "err", err)
		return
	}

	fctx := module.FilterContext{ProcessorID: p.ID(), SpacecraftID: p.SpacecraftID(), Direction: sbntypes.DirectionRecv}
	mid, ok := p.Filters().RemapMID(sbntypes.MID(entry.MID), fctx)
	if !ok {
		return
	}

	switch msgType {
	case wire.MsgSubscribe:
		added, err := p.Subs.Add(mid, sbntypes.QoS(entry.QoS))
		if err != nil {
			d.log.Error("distributor: peer subscribe refused", "peer", p.ID(), "mid", mid, "err", err)
			return
		}
		if !added {
			return
		}
		d.warnUnnamedClass("peer", p.ID(), mid, sbntypes.QoS(entry.QoS))
		if err := d.bus.SubscribeLocal(outPipe, mid, 0); err != nil {
			d.log.Error("distributor: local subscribe-on-behalf-of-peer failed", "peer", p.ID(), "mid", mid, "err", err)
		}
		d.reportSubCount(p)
	case wire.MsgUnsubscribe:
		if !p.Subs.Remove(mid) {
			return
		}
		if err := d.bus.UnsubscribeLocal(outPipe, mid); err != nil {
			d.log.Error("distributor: local unsubscribe-on-behalf-of-peer failed", "peer", p.ID(), "mid", mid, "err", err)
		}
		d.reportSubCount(p)
	}
}

// reportSubCount refreshes the peer_sub_count gauge from the peer's own
// PeerSet length, the single source of truth (spec.md §6 "sub-count" per
// peer).
func (d *Distributor) reportSubCount(p *peer.Peer) {
	d.metrics.PeerSubCount.WithLabelValues(p.NetName(), p.ID().String()).Set(float64(p.Subs.Len()))
}

// ClearPeerSubscriptions unwinds every MID a peer had subscribed, issuing
// the matching local unsubscribes — called on disconnect (spec.md §4.4
// "on transition to disconnected, withdraw every subscription the peer had
// advertised").
func (d *Distributor) ClearPeerSubscriptions(outPipe bus.PipeID, p *peer.Peer) {
	for _, mid := range p.Subs.Clear() {
		if err := d.bus.UnsubscribeLocal(outPipe, mid); err != nil {
			d.log.Error("distributor: local unsubscribe on peer clear failed", "peer", p.ID(), "mid", mid, "err", err)
		}
	}
	d.reportSubCount(p)
}

// WaitForReports drains the dedicated subscription pipe until ctx is done,
// applying every report as it arrives. rb is the narrow bus.Local
// extension (see scheduler.ReportBus); the app wires this up as its own
// long-running task once the startup handshake completes.
func WaitForReports(ctx context.Context, d *Distributor, rb interface {
	ReceiveReport(ctx context.Context, pipeID bus.PipeID, timeout time.Duration) (bus.Report, bool, error)
}, subPipe bus.PipeID, pollTimeout time.Duration) {
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		report, ok, err := rb.ReceiveReport(ctx, subPipe, pollTimeout)
		if err != nil {
			return
		}
		if ok {
			d.ApplyReport(ctx, report)
		}
	}
}
