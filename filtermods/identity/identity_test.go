package identity_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cometbft/sbn/filtermods/identity"
	"github.com/cometbft/sbn/module"
)

func TestFilterPassesMessageThroughUnchanged(t *testing.T) {
	m := identity.New(nil)
	msg := &module.Message{MID: 0x42, Payload: []byte("hi")}
	ctx := module.FilterContext{ProcessorID: 1}

	assert.Equal(t, module.FilterSuccess, m.FilterSend(msg, ctx))
	assert.EqualValues(t, 0x42, msg.MID)
	assert.Equal(t, []byte("hi"), msg.Payload)

	assert.Equal(t, module.FilterSuccess, m.FilterRecv(msg, ctx))
	out, ok := m.RemapMID(0x99, ctx)
	assert.True(t, ok)
	assert.EqualValues(t, 0x99, out)
}
