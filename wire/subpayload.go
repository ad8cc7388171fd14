package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// SubEntry is one (MID, QoS) pair as carried in a SUBSCRIBE message, or a
// bare MID as carried in an UNSUBSCRIBE message (QoS is zero and ignored on
// unsubscribe).
type SubEntry struct {
	MID uint32
	QoS uint8
}

const subEntryLen = 4 + 1

// PackSubEntry encodes a single (MID, QoS) pair. spec.md §4.5 sends one MID
// per SUBSCRIBE message, so a single entry is the whole payload.
func PackSubEntry(e SubEntry) []byte {
	buf := make([]byte, subEntryLen)
	binary.BigEndian.PutUint32(buf[0:4], e.MID)
	buf[4] = e.QoS
	return buf
}

// UnpackSubEntry decodes a single (MID, QoS) pair.
func UnpackSubEntry(payload []byte) (SubEntry, error) {
	if len(payload) < subEntryLen {
		return SubEntry{}, ErrShortBuffer
	}
	return SubEntry{
		MID: binary.BigEndian.Uint32(payload[0:4]),
		QoS: payload[4],
	}, nil
}

// PackUnsubEntry encodes a bare MID for an UNSUBSCRIBE message.
func PackUnsubEntry(mid uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, mid)
	return buf
}

// UnpackUnsubEntry decodes a bare MID from an UNSUBSCRIBE message.
func UnpackUnsubEntry(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, ErrShortBuffer
	}
	return binary.BigEndian.Uint32(payload[0:4]), nil
}

// AppMsg is the application-level content of an APP message: the MID and
// QoS a local SB publish carries plus its opaque payload. The real flight
// SBN embeds the MID inside the CCSDS primary header of the forwarded
// packet itself (original_source/fsw/src/sbn_pack.c's Pack_MsgID); this
// port's SB interface (bus.Bus) keeps MID as message metadata rather than
// requiring every payload to be a CCSDS packet, so the wire form carries
// MID and QoS explicitly alongside the payload, the same way a SubEntry
// carries its MID+QoS explicitly rather than inside an opaque blob.
type AppMsg struct {
	MID     uint32
	QoS     uint8
	Payload []byte
}

const appMsgPrefixLen = 4 + 1

// PackAppMsg encodes an AppMsg as MID || QoS || Payload.
func PackAppMsg(m AppMsg) []byte {
	buf := make([]byte, appMsgPrefixLen+len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], m.MID)
	buf[4] = m.QoS
	copy(buf[appMsgPrefixLen:], m.Payload)
	return buf
}

// UnpackAppMsg decodes an AppMsg previously encoded by PackAppMsg. The
// returned Payload aliases payload; callers that retain it past the next
// mutation of the source buffer should copy it.
func UnpackAppMsg(payload []byte) (AppMsg, error) {
	if len(payload) < appMsgPrefixLen {
		return AppMsg{}, errors.Wrap(ErrShortBuffer, "app msg")
	}
	return AppMsg{
		MID:     binary.BigEndian.Uint32(payload[0:4]),
		QoS:     payload[4],
		Payload: payload[appMsgPrefixLen:],
	}, nil
}

// appSeqLen is the width of the sequence number prefix carried inside an
// APP message's payload (spec.md §4.6 step 3: "assign the next per-peer
// send sequence number... pack the SBN header" — the header itself has no
// sequence field, so reliable delivery needs it folded into the payload
// the same way ACK/NACK fold their sequence into theirs).
const appSeqLen = 4

// PackAppPayload prepends seq to body, the wire shape of an APP message's
// payload for a peer whose protocol module is reliable. Unreliable peers
// skip this wrapping entirely and frame body as-is.
func PackAppPayload(seq uint32, body []byte) []byte {
	buf := make([]byte, appSeqLen+len(body))
	binary.BigEndian.PutUint32(buf[:appSeqLen], seq)
	copy(buf[appSeqLen:], body)
	return buf
}

// UnpackAppPayload splits a reliable-peer APP payload back into its
// sequence number and body.
func UnpackAppPayload(payload []byte) (seq uint32, body []byte, err error) {
	if len(payload) < appSeqLen {
		return 0, nil, errors.Wrap(ErrShortBuffer, "app payload")
	}
	return binary.BigEndian.Uint32(payload[:appSeqLen]), payload[appSeqLen:], nil
}

// AckNackPayload is the single sequence number carried by ACK and NACK
// messages.
type AckNackPayload struct {
	Sequence uint32
}

// PackAckNack encodes a sequence number.
func PackAckNack(seq uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, seq)
	return buf
}

// UnpackAckNack decodes a sequence number.
func UnpackAckNack(payload []byte) (AckNackPayload, error) {
	if len(payload) < 4 {
		return AckNackPayload{}, errors.Wrap(ErrShortBuffer, "ack/nack payload")
	}
	return AckNackPayload{Sequence: binary.BigEndian.Uint32(payload[0:4])}, nil
}
