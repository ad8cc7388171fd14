// Package sbntypes holds the small value types shared across every SBN
// package (MID, QoS, processor/spacecraft identity) so that wire, subs,
// peer, module and pipeline don't need to import one another just to agree
// on what a MID is.
package sbntypes

import "strconv"

// MID is the opaque message identifier local apps publish/subscribe by.
// Wire representation is network-order (spec.md §3).
type MID uint32

// ProcessorID identifies a node. A node belongs to exactly one Spacecraft.
type ProcessorID uint32

// String renders a ProcessorID as a plain decimal, used as the metrics
// label value for per-peer counters.
func (p ProcessorID) String() string { return strconv.FormatUint(uint64(p), 10) }

// SpacecraftID identifies a spacecraft.
type SpacecraftID uint32

// QoS packs a 4-bit reliability class (upper nibble) and a 4-bit priority
// class (lower nibble, higher is more urgent) into one byte (spec.md §3).
type QoS uint8

// NewQoS builds a QoS byte from its two nibbles. Only the low 4 bits of
// each argument are used.
func NewQoS(reliability, priority uint8) QoS {
	return QoS((reliability&0x0F)<<4 | (priority & 0x0F))
}

// Reliability returns the upper nibble.
func (q QoS) Reliability() uint8 { return uint8(q) >> 4 }

// Priority returns the lower nibble.
func (q QoS) Priority() uint8 { return uint8(q) & 0x0F }

// Direction distinguishes the send side from the receive side for filter
// invocation context (spec.md §4.3 "ctx ... plus the direction").
type Direction int

const (
	DirectionSend Direction = iota
	DirectionRecv
)

func (d Direction) String() string {
	if d == DirectionSend {
		return "send"
	}
	return "recv"
}
