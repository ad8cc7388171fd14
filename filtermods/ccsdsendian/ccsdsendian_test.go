package ccsdsendian_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cometbft/sbn/filtermods/ccsdsendian"
	"github.com/cometbft/sbn/module"
)

func TestSendThenRecvRoundTripsSecondaryHeader(t *testing.T) {
	m := ccsdsendian.New()
	original := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0xAA, 0xBB}

	msg := &module.Message{Payload: append([]byte(nil), original...)}
	ctx := module.FilterContext{}

	assert.Equal(t, module.FilterSuccess, m.FilterSend(msg, ctx))
	assert.NotEqual(t, original[:6], msg.Payload[:6])

	assert.Equal(t, module.FilterSuccess, m.FilterRecv(msg, ctx))
	assert.Equal(t, original, msg.Payload)
}

func TestRemapMIDIsNoOp(t *testing.T) {
	m := ccsdsendian.New()
	out, ok := m.RemapMID(0x123, module.FilterContext{})
	assert.True(t, ok)
	assert.EqualValues(t, 0x123, out)
}

func TestShortPayloadUntouched(t *testing.T) {
	m := ccsdsendian.New()
	msg := &module.Message{Payload: []byte{0x01, 0x02}}
	assert.Equal(t, module.FilterSuccess, m.FilterSend(msg, module.FilterContext{}))
	assert.Equal(t, []byte{0x01, 0x02}, msg.Payload)
}
