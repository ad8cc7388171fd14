// Package ccsdsendian implements SBN's CCSDS secondary-header endian-swap
// filter: CCSDS telemetry timestamps travel the wire big-endian regardless
// of a node's native byte order, so this filter swaps the
// seconds/subseconds fields of a telemetry secondary header on the way
// out, and swaps them back on the way in.
//
// Grounded on
// original_source/modules/filter/ccsds_end/fsw/src/sbn_f_ccsds_end.c
// (SBN_F_CCSDS_End): reads a 4-byte seconds field and a 2-byte subseconds
// field out of a fixed secondary-header layout and byte-swaps each.
package ccsdsendian

import (
	"encoding/binary"

	"github.com/cometbft/sbn/module"
	"github.com/cometbft/sbn/sbntypes"
)

// secHdrLen is the byte-swapped prefix length: 4 bytes seconds + 2 bytes
// subseconds, matching CCSDS_TIME_SIZE == 6 in the original source.
const secHdrLen = 6

// Module is a stateless, symmetric byte-swap filter: FilterSend and
// FilterRecv each reverse the bytes of the same two fields, so applying
// one after the other is the identity.
type Module struct{}

func init() {
	module.RegisterFilter("ccsdsendian", func(module.FilterDeps) module.FilterModule {
		return New()
	})
}

// New builds the CCSDS endian filter. It carries no configuration.
func New() *Module { return &Module{} }

func (m *Module) InitModule(string) error { return nil }

func swapSecHdr(payload []byte) {
	if len(payload) < secHdrLen {
		return
	}
	seconds := binary.BigEndian.Uint32(payload[0:4])
	binary.LittleEndian.PutUint32(payload[0:4], seconds)
	subseconds := binary.BigEndian.Uint16(payload[4:6])
	binary.LittleEndian.PutUint16(payload[4:6], subseconds)
}

func unswapSecHdr(payload []byte) {
	if len(payload) < secHdrLen {
		return
	}
	seconds := binary.LittleEndian.Uint32(payload[0:4])
	binary.BigEndian.PutUint32(payload[0:4], seconds)
	subseconds := binary.LittleEndian.Uint16(payload[4:6])
	binary.BigEndian.PutUint16(payload[4:6], subseconds)
}

// FilterSend swaps the outgoing secondary header's timestamp into
// big-endian wire order.
func (m *Module) FilterSend(msg *module.Message, _ module.FilterContext) module.FilterResult {
	unswapSecHdr(msg.Payload)
	return module.FilterSuccess
}

// FilterRecv swaps a received secondary header's timestamp back into this
// node's native order.
func (m *Module) FilterRecv(msg *module.Message, _ module.FilterContext) module.FilterResult {
	swapSecHdr(msg.Payload)
	return module.FilterSuccess
}

// RemapMID is a no-op: this filter never touches MIDs.
func (m *Module) RemapMID(mid sbntypes.MID, _ module.FilterContext) (sbntypes.MID, bool) {
	return mid, true
}
