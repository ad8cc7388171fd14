package wire_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cometbft/sbn/wire"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	h := wire.Header{MsgType: wire.MsgApp, PayloadSize: 2, ProcessorID: 7, SpacecraftID: 42}
	payload := []byte("hi")
	buf := make([]byte, 256)

	n, err := wire.Pack(buf, h, payload)
	require.NoError(t, err)

	gotHeader, gotPayload, err := wire.Unpack(buf[:n])
	require.NoError(t, err)

	if diff := cmp.Diff(h, gotHeader); diff != "" {
		t.Fatalf("header mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, payload, gotPayload)
}

func TestUnpackShortBufferDoesNotTouchOutputs(t *testing.T) {
	h, payload, err := wire.Unpack([]byte{1, 2, 3})
	require.ErrorIs(t, err, wire.ErrShortBuffer)
	assert.Equal(t, wire.Header{}, h)
	assert.Nil(t, payload)
}

func TestUnpackShortForDeclaredPayload(t *testing.T) {
	buf := make([]byte, wire.HeaderLen)
	// declare a payload size that the buffer doesn't actually contain
	buf[0] = 0x00
	buf[1] = 0x05
	h, payload, err := wire.Unpack(buf)
	require.ErrorIs(t, err, wire.ErrShortBuffer)
	assert.Equal(t, wire.Header{}, h)
	assert.Nil(t, payload)
}

func TestPackRefusesOverrun(t *testing.T) {
	buf := make([]byte, wire.HeaderLen) // no room for payload
	_, err := wire.Pack(buf, wire.Header{MsgType: wire.MsgApp}, []byte("x"))
	require.ErrorIs(t, err, wire.ErrShortBuffer)
}

func TestIdentRoundTrip(t *testing.T) {
	buf, err := wire.PackIdent("SBN 2.0.0")
	require.NoError(t, err)
	require.Len(t, buf, wire.IdentLen)

	got, err := wire.UnpackIdent(buf)
	require.NoError(t, err)
	assert.Equal(t, "SBN 2.0.0", got)
}

func TestIdentTooLong(t *testing.T) {
	long := make([]byte, wire.IdentLen+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := wire.PackIdent(string(long))
	assert.Error(t, err)
}

func TestSubEntryRoundTrip(t *testing.T) {
	e := wire.SubEntry{MID: 0x1234, QoS: 0x31}
	got, err := wire.UnpackSubEntry(wire.PackSubEntry(e))
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestAckNackRoundTrip(t *testing.T) {
	got, err := wire.UnpackAckNack(wire.PackAckNack(17))
	require.NoError(t, err)
	assert.Equal(t, uint32(17), got.Sequence)
}

func TestAppMsgRoundTrip(t *testing.T) {
	m := wire.AppMsg{MID: 0x1234, QoS: 0x31, Payload: []byte("telemetry")}
	got, err := wire.UnpackAppMsg(wire.PackAppMsg(m))
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestUnpackAppMsgShortBuffer(t *testing.T) {
	_, err := wire.UnpackAppMsg([]byte{1, 2, 3})
	assert.ErrorIs(t, err, wire.ErrShortBuffer)
}

func TestAppPayloadRoundTrip(t *testing.T) {
	seq, body, err := wire.UnpackAppPayload(wire.PackAppPayload(9, []byte("payload")))
	require.NoError(t, err)
	assert.Equal(t, uint32(9), seq)
	assert.Equal(t, []byte("payload"), body)
}

func TestUnpackAppPayloadShortBuffer(t *testing.T) {
	_, _, err := wire.UnpackAppPayload([]byte{1, 2})
	assert.ErrorIs(t, err, wire.ErrShortBuffer)
}
