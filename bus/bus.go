// Package bus defines the narrow software-bus interface the core consumes
// (spec.md §6 "Consumed SB interface") and an in-process reference
// implementation used by every package's tests and by cmd/sbn's run
// subcommand. The real, external software bus is explicitly out of scope
// (spec.md §1); this package only models the slice of it SBN talks to.
package bus

import (
	"context"
	"time"

	"github.com/cometbft/sbn/sbntypes"
)

// PipeID identifies one pipe created on the bus.
type PipeID uint64

// Msg is one message moving across the bus: a MID, its QoS, the publishing
// processor (so a local subscriber can see the originating node,
// spec.md §4.7 "Publish into local SB"), and opaque payload bytes.
type Msg struct {
	MID         sbntypes.MID
	QoS         sbntypes.QoS
	ProcessorID sbntypes.ProcessorID
	Payload     []byte
}

// PublishFlags is a placeholder for bus-specific publish flags; SBN never
// inspects it, only forwards what's given.
type PublishFlags int

// ReportKind distinguishes the two subscription-report shapes SBN's
// dedicated subscription pipe receives (spec.md §4.5).
type ReportKind int

const (
	// ReportOneSub: one MID was (un)subscribed.
	ReportOneSub ReportKind = iota
	// ReportAllSubs: a full snapshot of current subscriptions.
	ReportAllSubs
)

// SubAction distinguishes subscribe from unsubscribe within a Report.
type SubAction int

const (
	ActionSubscribe SubAction = iota
	ActionUnsubscribe
)

// SubReportEntry is one (MID, QoS) pair inside a Report.
type SubReportEntry struct {
	MID sbntypes.MID
	QoS sbntypes.QoS
}

// Report is one message delivered on the dedicated subscription pipe.
type Report struct {
	Kind    ReportKind
	Action  SubAction // meaningful only when Kind == ReportOneSub
	Entries []SubReportEntry
}

// Bus is the narrow software-bus interface the core depends on
// (spec.md §6).
type Bus interface {
	CreatePipe(name string, depth int) (PipeID, error)
	DeletePipe(id PipeID) error
	SubscribeLocal(id PipeID, mid sbntypes.MID, msgLimit int) error
	UnsubscribeLocal(id PipeID, mid sbntypes.MID) error
	Publish(msg Msg, flags PublishFlags) error
	// Receive blocks for up to timeout for one message, returning
	// (Msg{}, false, nil) on timeout with no error.
	Receive(ctx context.Context, id PipeID, timeout time.Duration) (Msg, bool, error)
	SetPipeOptions(id PipeID, flags int) error
	EnableSubscriptionReporting() error
	RequestPreviousSubscriptions() error
}
