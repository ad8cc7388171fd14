package module

import "github.com/cometbft/sbn/sbntypes"

// FilterResult is the three-way return contract every filter hook shares
// (spec.md §4.3).
type FilterResult int

const (
	// FilterSuccess means: send/deliver the (possibly mutated) message.
	FilterSuccess FilterResult = iota
	// FilterIfEmpty means: drop silently, no error reported.
	FilterIfEmpty
	// FilterError means: drop and report.
	FilterError
)

// FilterContext carries the peer identity and direction a filter hook is
// being invoked for (spec.md §4.3: "ctx contains the peer's processor id
// and spacecraft id, plus the direction").
type FilterContext struct {
	ProcessorID  sbntypes.ProcessorID
	SpacecraftID sbntypes.SpacecraftID
	Direction    sbntypes.Direction
}

// Message is the mutable envelope passed through a filter chain. Filters
// may rewrite Payload and MID in place.
type Message struct {
	MID     sbntypes.MID
	QoS     sbntypes.QoS
	Payload []byte
}

// FilterModule is the capability set a message-transform plugin provides
// (spec.md §4.3).
type FilterModule interface {
	// InitModule is a version gate, called once at load time.
	InitModule(version string) error

	// FilterSend is called just before a local message is framed for a
	// given peer; may mutate msg in place.
	FilterSend(msg *Message, ctx FilterContext) FilterResult

	// FilterRecv is called after a recv'd APP message is parsed, before it
	// is injected into the local SB.
	FilterRecv(msg *Message, ctx FilterContext) FilterResult

	// RemapMID is called during (un)subscribe processing from peers to
	// translate MIDs across the boundary. Returns ok=false (ERROR, §4.3)
	// to mean "skip this subscription item".
	RemapMID(mid sbntypes.MID, ctx FilterContext) (out sbntypes.MID, ok bool)
}

// Chain is an ordered list of filters applied in declaration order
// (spec.md §4.3: "the chain of filters on a peer is applied in declaration
// order").
type Chain []FilterModule

// Send runs every filter's FilterSend in order, stopping early on a
// non-success result.
func (c Chain) Send(msg *Message, ctx FilterContext) FilterResult {
	for _, f := range c {
		if r := f.FilterSend(msg, ctx); r != FilterSuccess {
			return r
		}
	}
	return FilterSuccess
}

// Recv runs every filter's FilterRecv in order, stopping early on a
// non-success result.
func (c Chain) Recv(msg *Message, ctx FilterContext) FilterResult {
	for _, f := range c {
		if r := f.FilterRecv(msg, ctx); r != FilterSuccess {
			return r
		}
	}
	return FilterSuccess
}

// RemapMID runs every filter's RemapMID in order; the first filter to
// report !ok short-circuits the chain (spec.md §4.3: remap ERROR means
// "skip this subscription item").
func (c Chain) RemapMID(mid sbntypes.MID, ctx FilterContext) (sbntypes.MID, bool) {
	cur := mid
	for _, f := range c {
		out, ok := f.RemapMID(cur, ctx)
		if !ok {
			return 0, false
		}
		cur = out
	}
	return cur, true
}
