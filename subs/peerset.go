package subs

import (
	"github.com/pkg/errors"

	"github.com/cometbft/sbn/internal/sbnsync"
	"github.com/cometbft/sbn/sbntypes"
)

// ErrPeerSetFull is returned when a peer's SUBSCRIBE advertisement would
// exceed that peer's configured capacity (spec.md §4.5: "attempts to
// exceed it are refused and reported; the peer is not considered
// misbehaving").
var ErrPeerSetFull = errors.New("subs: peer subscription set is full")

// PeerSet is the set of MIDs a single peer has asked this side to forward
// to it. Unlike LocalSet it has no in-use counter — peers advertise sets,
// not counts (spec.md §3).
type PeerSet struct {
	mu       sbnsync.RWMutex
	capacity int
	entries  map[sbntypes.MID]sbntypes.QoS
}

// NewPeerSet builds an empty PeerSet bounded at capacity entries.
func NewPeerSet(capacity int) *PeerSet {
	return &PeerSet{capacity: capacity, entries: make(map[sbntypes.MID]sbntypes.QoS)}
}

// Add records a SUBSCRIBE(mid, qos) from the peer. Returns false, no error
// if mid is already present (spec.md §4.5: "drop silently and log").
// Returns ErrPeerSetFull if the set is at capacity and mid is new.
func (p *PeerSet) Add(mid sbntypes.MID, qos sbntypes.QoS) (added bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[mid]; ok {
		return false, nil
	}
	if p.capacity > 0 && len(p.entries) >= p.capacity {
		return false, ErrPeerSetFull
	}
	p.entries[mid] = qos
	return true, nil
}

// Remove records an UNSUBSCRIBE(mid) from the peer. Returns true if mid was
// present and removed.
func (p *PeerSet) Remove(mid sbntypes.MID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[mid]; !ok {
		return false
	}
	delete(p.entries, mid)
	return true
}

// Has reports whether mid is in the set (spec.md §8 testable property:
// peer-set membership <=> local SB subscription on the peer's pipe).
func (p *PeerSet) Has(mid sbntypes.MID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.entries[mid]
	return ok
}

// Clear empties the set (peer disconnect, spec.md §4.4). Returns the MIDs
// that were present, so the caller can issue the corresponding local
// unsubscribes.
func (p *PeerSet) Clear() []sbntypes.MID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]sbntypes.MID, 0, len(p.entries))
	for mid := range p.entries {
		out = append(out, mid)
	}
	p.entries = make(map[sbntypes.MID]sbntypes.QoS)
	return out
}

// Len reports how many MIDs the peer currently has subscribed.
func (p *PeerSet) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}
