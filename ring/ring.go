// Package ring implements the two fixed-capacity ring buffers SBN's
// reliability layer needs: SendRing (recently-sent frames, served to
// satisfy NACKs) and DeferredRing (received-but-not-yet-deliverable frames,
// drained in order as gaps fill in). Both use a fixed array plus an
// overwrite-oldest policy (spec.md §3, Design Notes §9 — "reimplement as a
// fixed-capacity ring with explicit overwrite-oldest semantics and explicit
// 'find by sequence' (linear scan acceptable given capacity ≤ 256)").
package ring

import "github.com/pkg/errors"

// ErrNotFound is returned by SendRing.Find when the requested sequence has
// been overwritten or was never sent.
var ErrNotFound = errors.New("ring: sequence not found")

// sendSlot holds one retained frame plus its retransmit count.
type sendSlot struct {
	valid      bool
	sequence   uint32
	frame      []byte
	retransmit int
}

// SendRing retains the most recently sent frames, indexed by sequence
// number mod capacity, so a NACK can be served without re-deriving the
// frame (spec.md §3, §4.6 step 4).
type SendRing struct {
	capacity int
	slots    []sendSlot
}

// NewSendRing builds a SendRing with the given fixed capacity.
func NewSendRing(capacity int) *SendRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &SendRing{capacity: capacity, slots: make([]sendSlot, capacity)}
}

// Put stores frame at sequence, overwriting whatever previously occupied
// that slot (the oldest entry, assuming sequences arrive in order).
func (r *SendRing) Put(sequence uint32, frame []byte) {
	idx := int(sequence) % r.capacity
	r.slots[idx] = sendSlot{valid: true, sequence: sequence, frame: frame}
}

// Find returns the frame retained for sequence, if the slot at
// sequence%capacity still holds that exact sequence (it may have been
// overwritten by a later send, spec.md §8 scenario 6).
func (r *SendRing) Find(sequence uint32) ([]byte, error) {
	idx := int(sequence) % r.capacity
	s := r.slots[idx]
	if !s.valid || s.sequence != sequence {
		return nil, ErrNotFound
	}
	return s.frame, nil
}

// RetransmitCount returns the number of times sequence has been
// retransmitted so far, and whether the slot is still present.
func (r *SendRing) RetransmitCount(sequence uint32) (int, bool) {
	idx := int(sequence) % r.capacity
	s := r.slots[idx]
	if !s.valid || s.sequence != sequence {
		return 0, false
	}
	return s.retransmit, true
}

// IncrementRetransmit bumps the retransmit counter for sequence, if present.
func (r *SendRing) IncrementRetransmit(sequence uint32) {
	idx := int(sequence) % r.capacity
	if s := &r.slots[idx]; s.valid && s.sequence == sequence {
		s.retransmit++
	}
}

// DropThrough invalidates every slot whose sequence is <= seq (spec.md
// §4.7 "ACK(seq): drop all SendRing entries with sequence <= seq").
func (r *SendRing) DropThrough(seq uint32) {
	for i := range r.slots {
		if r.slots[i].valid && r.slots[i].sequence <= seq {
			r.slots[i] = sendSlot{}
		}
	}
}

// Clear empties every slot (peer disconnect, spec.md §4.4).
func (r *SendRing) Clear() {
	for i := range r.slots {
		r.slots[i] = sendSlot{}
	}
}

// deferredSlot holds one out-of-order received frame.
type deferredSlot struct {
	valid    bool
	sequence uint32
	frame    []byte
}

// DeferredRing retains received-but-not-yet-deliverable frames, ordered by
// sequence number, drained as the missing sequences arrive (spec.md §3).
type DeferredRing struct {
	capacity int
	slots    []deferredSlot
}

// NewDeferredRing builds a DeferredRing with the given fixed capacity.
func NewDeferredRing(capacity int) *DeferredRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &DeferredRing{capacity: capacity, slots: make([]deferredSlot, capacity)}
}

// Insert stores frame at sequence, overwriting the oldest occupied slot if
// the ring is full (spec.md §8 "Boundary behaviors": deferred ring full ->
// oldest is overwritten). Returns the sequence evicted, if any.
func (d *DeferredRing) Insert(sequence uint32, frame []byte) (evicted uint32, didEvict bool) {
	for i := range d.slots {
		if !d.slots[i].valid {
			d.slots[i] = deferredSlot{valid: true, sequence: sequence, frame: frame}
			return 0, false
		}
	}
	// full: evict the slot holding the smallest (oldest) sequence
	oldest := 0
	for i := 1; i < len(d.slots); i++ {
		if d.slots[i].sequence < d.slots[oldest].sequence {
			oldest = i
		}
	}
	evicted = d.slots[oldest].sequence
	d.slots[oldest] = deferredSlot{valid: true, sequence: sequence, frame: frame}
	return evicted, true
}

// Take removes and returns the frame stored for sequence, if present.
func (d *DeferredRing) Take(sequence uint32) ([]byte, bool) {
	for i := range d.slots {
		if d.slots[i].valid && d.slots[i].sequence == sequence {
			frame := d.slots[i].frame
			d.slots[i] = deferredSlot{}
			return frame, true
		}
	}
	return nil, false
}

// Clear empties every slot (peer disconnect, spec.md §4.4).
func (d *DeferredRing) Clear() {
	for i := range d.slots {
		d.slots[i] = deferredSlot{}
	}
}

// Len reports how many slots are currently occupied.
func (d *DeferredRing) Len() int {
	n := 0
	for _, s := range d.slots {
		if s.valid {
			n++
		}
	}
	return n
}
