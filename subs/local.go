// Package subs implements the subscription tables of spec.md §4.5: the
// local set (in-use-counted, shared by every peer) and the per-peer set
// (bounded, no counter — peers advertise sets, not counts).
package subs

import (
	"github.com/pkg/errors"

	"github.com/cometbft/sbn/internal/sbnsync"
	"github.com/cometbft/sbn/sbntypes"
)

// ErrLocalSetFull is returned when a local SUBSCRIBE report arrives and the
// local set is already at capacity (spec.md §4.5, §8 boundary behavior).
var ErrLocalSetFull = errors.New("subs: local subscription set is full")

type localEntry struct {
	qos    sbntypes.QoS
	inUse  int
}

// LocalSet tracks how many local apps hold each subscription, so SBN emits
// exactly one UNSUBSCRIBE to peers when the count drops to zero
// (spec.md §3 "Subscription").
type LocalSet struct {
	mu       sbnsync.RWMutex
	capacity int
	entries  map[sbntypes.MID]*localEntry
}

// NewLocalSet builds an empty LocalSet bounded at capacity entries.
func NewLocalSet(capacity int) *LocalSet {
	return &LocalSet{capacity: capacity, entries: make(map[sbntypes.MID]*localEntry)}
}

// SubscribeResult reports what a Subscribe call did, so the caller
// (the subscription distributor) knows whether to fan out a wire
// SUBSCRIBE to connected peers.
type SubscribeResult int

const (
	// SubscribeNew means the MID was not previously in the set; the caller
	// must advertise it to every connected peer.
	SubscribeNew SubscribeResult = iota
	// SubscribeAlreadyPresent means the in-use counter was simply
	// incremented; no wire traffic is needed.
	SubscribeAlreadyPresent
)

// Subscribe records a local SUBSCRIBE report for mid with the given QoS
// (spec.md §4.5). If mid is already present, its in-use counter is
// incremented and SubscribeAlreadyPresent is returned. Otherwise a new
// entry is created with in-use=1 and SubscribeNew is returned. Returns
// ErrLocalSetFull if the set is at capacity and mid is new.
func (s *LocalSet) Subscribe(mid sbntypes.MID, qos sbntypes.QoS) (SubscribeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[mid]; ok {
		e.inUse++
		return SubscribeAlreadyPresent, nil
	}
	if s.capacity > 0 && len(s.entries) >= s.capacity {
		return 0, ErrLocalSetFull
	}
	s.entries[mid] = &localEntry{qos: qos, inUse: 1}
	return SubscribeNew, nil
}

// UnsubscribeResult reports what an Unsubscribe call did.
type UnsubscribeResult int

const (
	// UnsubscribeNotFound means mid was not in the set; dropped silently.
	UnsubscribeNotFound UnsubscribeResult = iota
	// UnsubscribeDecremented means the in-use counter was decremented but
	// remains > 0; no wire traffic needed.
	UnsubscribeDecremented
	// UnsubscribeRemoved means the counter reached 0 and the entry was
	// removed; the caller must advertise an UNSUBSCRIBE to every connected
	// peer.
	UnsubscribeRemoved
)

// Unsubscribe records a local UNSUBSCRIBE report for mid (spec.md §4.5).
func (s *LocalSet) Unsubscribe(mid sbntypes.MID) UnsubscribeResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[mid]
	if !ok {
		return UnsubscribeNotFound
	}
	e.inUse--
	if e.inUse <= 0 {
		delete(s.entries, mid)
		return UnsubscribeRemoved
	}
	return UnsubscribeDecremented
}

// Entry is a read-only snapshot of one local subscription.
type Entry struct {
	MID   sbntypes.MID
	QoS   sbntypes.QoS
	InUse int
}

// Snapshot returns every current local subscription, e.g. to burst
// SUBSCRIBE messages to a newly-connected peer (spec.md §4.4).
func (s *LocalSet) Snapshot() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for mid, e := range s.entries {
		out = append(out, Entry{MID: mid, QoS: e.qos, InUse: e.inUse})
	}
	return out
}

// InUseCount returns the current in-use counter for mid, or 0 if absent.
func (s *LocalSet) InUseCount(mid sbntypes.MID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[mid]; ok {
		return e.inUse
	}
	return 0
}

// Len reports how many distinct MIDs are currently subscribed.
func (s *LocalSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
