package bus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cometbft/sbn/bus"
	"github.com/cometbft/sbn/sbntypes"
)

func TestLocalPublishDeliversOnlyToSubscribedPipe(t *testing.T) {
	l := bus.NewLocal()
	want, err := l.CreatePipe("wants-it", 4)
	require.NoError(t, err)
	indiff, err := l.CreatePipe("indifferent", 4)
	require.NoError(t, err)

	require.NoError(t, l.SubscribeLocal(want, 0x1001, 4))

	require.NoError(t, l.Publish(bus.Msg{MID: 0x1001, Payload: []byte("hi")}, 0))

	msg, ok, err := l.Receive(context.Background(), want, 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("hi"), msg.Payload)

	_, ok, err = l.Receive(context.Background(), indiff, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalReceiveTimesOutWithoutError(t *testing.T) {
	l := bus.NewLocal()
	id, err := l.CreatePipe("p", 1)
	require.NoError(t, err)

	_, ok, err := l.Receive(context.Background(), id, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalUnknownPipeErrors(t *testing.T) {
	l := bus.NewLocal()
	_, _, err := l.Receive(context.Background(), 999, time.Millisecond)
	assert.ErrorIs(t, err, bus.ErrUnknownPipe)
	assert.ErrorIs(t, l.DeletePipe(999), bus.ErrUnknownPipe)
}

func TestLocalSubscriptionReportingDeliversOneSub(t *testing.T) {
	l := bus.NewLocal()
	subPipe, err := l.CreatePipe("sbn-sub-pipe", 8)
	require.NoError(t, err)
	l.RegisterSubscriptionPipe(subPipe)
	require.NoError(t, l.EnableSubscriptionReporting())

	qos := sbntypes.NewQoS(1, 0)
	l.SimulateAppSubscribe(0x2002, qos)

	r, ok, err := l.ReceiveReport(context.Background(), subPipe, 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, bus.ReportOneSub, r.Kind)
	assert.Equal(t, bus.ActionSubscribe, r.Action)
	require.Len(t, r.Entries, 1)
	assert.EqualValues(t, 0x2002, r.Entries[0].MID)

	l.SimulateAppUnsubscribe(0x2002)
	r, ok, err = l.ReceiveReport(context.Background(), subPipe, 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, bus.ActionUnsubscribe, r.Action)
}

func TestLocalRequestPreviousSubscriptionsSnapshots(t *testing.T) {
	l := bus.NewLocal()
	subPipe, err := l.CreatePipe("sbn-sub-pipe", 8)
	require.NoError(t, err)
	l.RegisterSubscriptionPipe(subPipe)
	require.NoError(t, l.EnableSubscriptionReporting())

	l.SimulateAppSubscribe(0x10, sbntypes.NewQoS(0, 0))
	l.SimulateAppSubscribe(0x20, sbntypes.NewQoS(0, 0))
	// drain the two individual reports generated above
	_, _, _ = l.ReceiveReport(context.Background(), subPipe, 10*time.Millisecond)
	_, _, _ = l.ReceiveReport(context.Background(), subPipe, 10*time.Millisecond)

	require.NoError(t, l.RequestPreviousSubscriptions())
	r, ok, err := l.ReceiveReport(context.Background(), subPipe, 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, bus.ReportAllSubs, r.Kind)
	assert.Len(t, r.Entries, 2)
}

func TestLocalPublishDropsWhenPipeFull(t *testing.T) {
	l := bus.NewLocal()
	id, err := l.CreatePipe("tiny", 1)
	require.NoError(t, err)
	require.NoError(t, l.SubscribeLocal(id, 0x5, 1))

	require.NoError(t, l.Publish(bus.Msg{MID: 0x5, Payload: []byte("1")}, 0))
	require.NoError(t, l.Publish(bus.Msg{MID: 0x5, Payload: []byte("2")}, 0))

	msg, ok, err := l.Receive(context.Background(), id, 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), msg.Payload)

	_, ok, _ = l.Receive(context.Background(), id, 10*time.Millisecond)
	assert.False(t, ok)
}
