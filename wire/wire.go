// Package wire implements the SBN fixed wire header and the payload codecs
// for the message kinds the core itself must understand (PROTOCOL version
// identifier, SUBSCRIBE/UNSUBSCRIBE entries (one per message), the APP
// message MID/QoS prefix and reliable sequence prefix, ACK/NACK). All
// multi-byte integers are big-endian on the wire (spec.md §4.1). The user
// payload inside an APP message is opaque to this package.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// MsgType is the compact message-type enum carried in every header.
type MsgType uint8

const (
	MsgNone MsgType = iota
	MsgProtocol
	MsgApp
	MsgSubscribe
	MsgUnsubscribe
	MsgHeartbeat
	MsgAnnounce
	MsgAck
	MsgNack
)

func (t MsgType) String() string {
	switch t {
	case MsgNone:
		return "NONE"
	case MsgProtocol:
		return "PROTOCOL"
	case MsgApp:
		return "APP"
	case MsgSubscribe:
		return "SUBSCRIBE"
	case MsgUnsubscribe:
		return "UNSUBSCRIBE"
	case MsgHeartbeat:
		return "HEARTBEAT"
	case MsgAnnounce:
		return "ANNOUNCE"
	case MsgAck:
		return "ACK"
	case MsgNack:
		return "NACK"
	default:
		return "UNKNOWN"
	}
}

// IdentLen is the fixed length of the PROTOCOL message's version-identifier
// payload (original_source: SBN_IDENT_LEN), a null-padded ASCII string.
const IdentLen = 48

// HeaderLen is the size in bytes of the fixed SBN wire header: 16-bit
// payload size, 8-bit type, 32-bit processor id, 32-bit spacecraft id.
const HeaderLen = 2 + 1 + 4 + 4

// MaxPayload bounds a single frame's payload so a corrupt/hostile size
// field can't make Unpack allocate unbounded memory.
const MaxPayload = 65535 - HeaderLen

var (
	// ErrShortBuffer is returned when Pack or Unpack is given a buffer too
	// small to hold the header (or the header plus declared payload).
	ErrShortBuffer = errors.New("wire: buffer too short")
	// ErrPayloadTooLarge is returned when a payload or a header's declared
	// payload size exceeds MaxPayload.
	ErrPayloadTooLarge = errors.New("wire: payload too large")
)

// Header is the fixed SBN frame header.
type Header struct {
	PayloadSize  uint16
	MsgType      MsgType
	ProcessorID  uint32
	SpacecraftID uint32
}

// Pack writes header and payload into buf in wire order, returning the
// number of bytes written. It refuses to overrun buf.
func Pack(buf []byte, h Header, payload []byte) (int, error) {
	if len(payload) > MaxPayload {
		return 0, ErrPayloadTooLarge
	}
	need := HeaderLen + len(payload)
	if len(buf) < need {
		return 0, ErrShortBuffer
	}
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(payload)))
	buf[2] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[3:7], h.ProcessorID)
	binary.BigEndian.PutUint32(buf[7:11], h.SpacecraftID)
	copy(buf[HeaderLen:need], payload)
	return need, nil
}

// Unpack parses a header and returns a slice of buf holding the payload
// bytes (no copy). It returns ErrShortBuffer without touching outputs if
// buf is shorter than the header or shorter than header+declared payload.
func Unpack(buf []byte) (Header, []byte, error) {
	var h Header
	if len(buf) < HeaderLen {
		return h, nil, ErrShortBuffer
	}
	size := binary.BigEndian.Uint16(buf[0:2])
	if int(size) > MaxPayload {
		return h, nil, ErrPayloadTooLarge
	}
	h.PayloadSize = size
	h.MsgType = MsgType(buf[2])
	h.ProcessorID = binary.BigEndian.Uint32(buf[3:7])
	h.SpacecraftID = binary.BigEndian.Uint32(buf[7:11])
	end := HeaderLen + int(size)
	if len(buf) < end {
		return Header{}, nil, ErrShortBuffer
	}
	return h, buf[HeaderLen:end], nil
}

// PackIdent encodes a version-identifier string into a fixed IdentLen,
// null-padded ASCII payload.
func PackIdent(ident string) ([]byte, error) {
	if len(ident) > IdentLen {
		return nil, errors.Errorf("wire: identifier %q longer than %d bytes", ident, IdentLen)
	}
	buf := make([]byte, IdentLen)
	copy(buf, ident)
	return buf, nil
}

// UnpackIdent decodes a fixed IdentLen payload back into a Go string,
// trimming the null padding.
func UnpackIdent(payload []byte) (string, error) {
	if len(payload) != IdentLen {
		return "", errors.Errorf("wire: identifier payload is %d bytes, want %d", len(payload), IdentLen)
	}
	n := 0
	for n < len(payload) && payload[n] != 0 {
		n++
	}
	return string(payload[:n]), nil
}
