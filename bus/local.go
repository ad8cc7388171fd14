package bus

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/cometbft/sbn/internal/sbnsync"
	"github.com/cometbft/sbn/sbntypes"
)

// ErrUnknownPipe is returned for operations against a PipeID that was never
// created or has been deleted.
var ErrUnknownPipe = errors.New("bus: unknown pipe")

type localPipe struct {
	ch     chan Msg
	isSub  bool // true if this is the dedicated subscription-report pipe
	subsMu sync.Mutex
	subs   map[sbntypes.MID]struct{}

	reportMu     sync.Mutex
	reports      []Report
	reportSignal chan struct{}
}

// Local is an in-process reference implementation of Bus: a mutex-guarded
// map of named pipes, each a buffered Go channel, playing the role
// cometbft's own in-memory test Switch/mock Peer play in its reactor
// tests. It is not a production software-bus — the real one is external
// and out of scope (spec.md §1) — but it is enough to run every end-to-end
// scenario in spec.md §8 without a real external SB process.
type Local struct {
	mu          sbnsync.Mutex
	nextID      PipeID
	pipes       map[PipeID]*localPipe
	byName      map[string]PipeID
	subPipe     PipeID
	subPipeSet  bool
	reportingOn bool
	appSubs     map[appSubKey]sbntypes.QoS
}

// NewLocal builds an empty in-process bus.
func NewLocal() *Local {
	return &Local{pipes: make(map[PipeID]*localPipe), byName: make(map[string]PipeID)}
}

func (l *Local) CreatePipe(name string, depth int) (PipeID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if depth <= 0 {
		depth = 64
	}
	l.nextID++
	id := l.nextID
	l.pipes[id] = &localPipe{
		ch:           make(chan Msg, depth),
		subs:         make(map[sbntypes.MID]struct{}),
		reportSignal: make(chan struct{}, 1),
	}
	l.byName[name] = id
	return id, nil
}

func (l *Local) DeletePipe(id PipeID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pipes[id]
	if !ok {
		return ErrUnknownPipe
	}
	close(p.ch)
	delete(l.pipes, id)
	return nil
}

func (l *Local) SubscribeLocal(id PipeID, mid sbntypes.MID, msgLimit int) error {
	l.mu.Lock()
	p, ok := l.pipes[id]
	l.mu.Unlock()
	if !ok {
		return ErrUnknownPipe
	}
	p.subsMu.Lock()
	p.subs[mid] = struct{}{}
	p.subsMu.Unlock()
	return nil
}

func (l *Local) UnsubscribeLocal(id PipeID, mid sbntypes.MID) error {
	l.mu.Lock()
	p, ok := l.pipes[id]
	l.mu.Unlock()
	if !ok {
		return ErrUnknownPipe
	}
	p.subsMu.Lock()
	delete(p.subs, mid)
	p.subsMu.Unlock()
	return nil
}

// Publish delivers msg to every pipe currently subscribed to msg.MID.
func (l *Local) Publish(msg Msg, _ PublishFlags) error {
	l.mu.Lock()
	pipes := make([]*localPipe, 0, len(l.pipes))
	for _, p := range l.pipes {
		pipes = append(pipes, p)
	}
	l.mu.Unlock()

	for _, p := range pipes {
		p.subsMu.Lock()
		_, want := p.subs[msg.MID]
		p.subsMu.Unlock()
		if !want {
			continue
		}
		select {
		case p.ch <- msg:
		default:
			// pipe full: drop, matching spec.md §4.7 "publish failure ...
			// is counted but the received message is dropped" at the
			// transport-independent bus layer.
		}
	}
	return nil
}

func (l *Local) Receive(ctx context.Context, id PipeID, timeout time.Duration) (Msg, bool, error) {
	l.mu.Lock()
	p, ok := l.pipes[id]
	l.mu.Unlock()
	if !ok {
		return Msg{}, false, ErrUnknownPipe
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case msg, ok := <-p.ch:
		if !ok {
			return Msg{}, false, ErrUnknownPipe
		}
		return msg, true, nil
	case <-t.C:
		return Msg{}, false, nil
	case <-ctx.Done():
		return Msg{}, false, ctx.Err()
	}
}

func (l *Local) SetPipeOptions(id PipeID, _ int) error {
	l.mu.Lock()
	_, ok := l.pipes[id]
	l.mu.Unlock()
	if !ok {
		return ErrUnknownPipe
	}
	return nil
}

// EnableSubscriptionReporting marks the bus as ready to report; the pipe
// that receives reports is whichever pipe last called
// RegisterSubscriptionPipe (a Local-only extension, since spec.md leaves
// exactly how the core's dedicated pipe gets wired up to the collaborator's
// implementation detail).
func (l *Local) EnableSubscriptionReporting() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reportingOn = true
	return nil
}

// RequestPreviousSubscriptions asks the bus to emit one ReportAllSubs onto
// the registered subscription pipe, summarizing every app-level
// subscription simulated so far via SimulateAppSubscribe.
func (l *Local) RequestPreviousSubscriptions() error {
	l.mu.Lock()
	subPipe, ok := l.subPipe, l.subPipeSet
	all := l.appSubsSnapshotLocked()
	l.mu.Unlock()
	if !ok {
		return nil
	}
	l.deliverReport(subPipe, Report{Kind: ReportAllSubs, Entries: all})
	return nil
}

// RegisterSubscriptionPipe tells Local which pipe is the core's dedicated
// subscription-report pipe (spec.md §6: "a dedicated pipe created by the
// core").
func (l *Local) RegisterSubscriptionPipe(id PipeID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subPipe = id
	l.subPipeSet = true
	if p, ok := l.pipes[id]; ok {
		p.isSub = true
	}
}

// appSubs tracks simulated external-app subscriptions, independent of the
// SBN-internal per-peer-pipe subscriptions made through SubscribeLocal —
// only app-level interest should ever reach the subscription distributor
// (spec.md §4.5's LocalSet is about local apps, not about SBN's own
// forwarding plumbing).
type appSubKey struct {
	mid sbntypes.MID
}

func (l *Local) appSubsSnapshotLocked() []SubReportEntry {
	out := make([]SubReportEntry, 0, len(l.appSubs))
	for k, qos := range l.appSubs {
		out = append(out, SubReportEntry{MID: k.mid, QoS: qos})
	}
	return out
}

// SimulateAppSubscribe models a local application calling the real SB's
// Subscribe() API directly (outside SBN), which is what generates the
// one-subscription report SBN's distributor reacts to.
func (l *Local) SimulateAppSubscribe(mid sbntypes.MID, qos sbntypes.QoS) {
	l.mu.Lock()
	if l.appSubs == nil {
		l.appSubs = make(map[appSubKey]sbntypes.QoS)
	}
	l.appSubs[appSubKey{mid}] = qos
	subPipe, ok := l.subPipe, l.subPipeSet
	l.mu.Unlock()
	if !ok {
		return
	}
	l.deliverReport(subPipe, Report{
		Kind:    ReportOneSub,
		Action:  ActionSubscribe,
		Entries: []SubReportEntry{{MID: mid, QoS: qos}},
	})
}

// SimulateAppUnsubscribe is the symmetric counterpart of
// SimulateAppSubscribe.
func (l *Local) SimulateAppUnsubscribe(mid sbntypes.MID) {
	l.mu.Lock()
	delete(l.appSubs, appSubKey{mid})
	subPipe, ok := l.subPipe, l.subPipeSet
	l.mu.Unlock()
	if !ok {
		return
	}
	l.deliverReport(subPipe, Report{
		Kind:    ReportOneSub,
		Action:  ActionUnsubscribe,
		Entries: []SubReportEntry{{MID: mid}},
	})
}

func (l *Local) deliverReport(pipeID PipeID, r Report) {
	l.mu.Lock()
	p, ok := l.pipes[pipeID]
	l.mu.Unlock()
	if !ok {
		return
	}
	p.reportMu.Lock()
	p.reports = append(p.reports, r)
	p.reportMu.Unlock()
	select {
	case p.reportSignal <- struct{}{}:
	default:
	}
}

// ReceiveReport blocks for up to timeout for one subscription Report on
// the given pipe (must have been registered via RegisterSubscriptionPipe).
func (l *Local) ReceiveReport(ctx context.Context, pipeID PipeID, timeout time.Duration) (Report, bool, error) {
	l.mu.Lock()
	p, ok := l.pipes[pipeID]
	l.mu.Unlock()
	if !ok {
		return Report{}, false, ErrUnknownPipe
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		p.reportMu.Lock()
		if len(p.reports) > 0 {
			r := p.reports[0]
			p.reports = p.reports[1:]
			p.reportMu.Unlock()
			return r, true, nil
		}
		p.reportMu.Unlock()

		select {
		case <-p.reportSignal:
			continue
		case <-t.C:
			return Report{}, false, nil
		case <-ctx.Done():
			return Report{}, false, ctx.Err()
		}
	}
}
