package subs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cometbft/sbn/sbntypes"
	"github.com/cometbft/sbn/subs"
)

func TestLocalSetSubscribeUnsubscribeRoundTrip(t *testing.T) {
	// spec.md §8: "A local SUBSCRIBE followed by a matching local
	// UNSUBSCRIBE leaves the local set ... unchanged from before the pair."
	s := subs.NewLocalSet(0)
	require.Equal(t, 0, s.Len())

	res, err := s.Subscribe(0x100, sbntypes.NewQoS(1, 2))
	require.NoError(t, err)
	assert.Equal(t, subs.SubscribeNew, res)
	assert.Equal(t, 1, s.Len())

	ures := s.Unsubscribe(0x100)
	assert.Equal(t, subs.UnsubscribeRemoved, ures)
	assert.Equal(t, 0, s.Len())
}

func TestLocalSetInUseCounting(t *testing.T) {
	s := subs.NewLocalSet(0)
	_, err := s.Subscribe(1, 0)
	require.NoError(t, err)
	res, err := s.Subscribe(1, 0)
	require.NoError(t, err)
	assert.Equal(t, subs.SubscribeAlreadyPresent, res)
	assert.Equal(t, 2, s.InUseCount(1))

	assert.Equal(t, subs.UnsubscribeDecremented, s.Unsubscribe(1))
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, subs.UnsubscribeRemoved, s.Unsubscribe(1))
	assert.Equal(t, 0, s.Len())
}

func TestLocalSetUnsubscribeUnknownIsSilent(t *testing.T) {
	s := subs.NewLocalSet(0)
	assert.Equal(t, subs.UnsubscribeNotFound, s.Unsubscribe(999))
}

func TestLocalSetRefusesOverCapacity(t *testing.T) {
	s := subs.NewLocalSet(1)
	_, err := s.Subscribe(1, 0)
	require.NoError(t, err)
	_, err = s.Subscribe(2, 0)
	assert.ErrorIs(t, err, subs.ErrLocalSetFull)
	assert.Equal(t, 1, s.Len())
}

func TestPeerSetAddDuplicateIsSilent(t *testing.T) {
	p := subs.NewPeerSet(0)
	added, err := p.Add(5, 0)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = p.Add(5, 0)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, 1, p.Len())
}

func TestPeerSetRefusesOverCapacity(t *testing.T) {
	p := subs.NewPeerSet(1)
	_, err := p.Add(1, 0)
	require.NoError(t, err)
	_, err = p.Add(2, 0)
	assert.ErrorIs(t, err, subs.ErrPeerSetFull)
}

func TestPeerSetClearReturnsMembers(t *testing.T) {
	p := subs.NewPeerSet(0)
	_, _ = p.Add(1, 0)
	_, _ = p.Add(2, 0)
	mids := p.Clear()
	assert.ElementsMatch(t, []sbntypes.MID{1, 2}, mids)
	assert.Equal(t, 0, p.Len())
}

func TestClassTableValidation(t *testing.T) {
	_, err := subs.NewClassTable(nil, 3, true)
	assert.ErrorIs(t, err, subs.ErrEmptyClassesDefaultSet)

	_, err = subs.NewClassTable(map[uint8]string{1: "high"}, 2, true)
	assert.ErrorIs(t, err, subs.ErrDefaultClassNotInTable)

	_, err = subs.NewClassTable(map[uint8]string{1: "x", 2: "x"}, 0, false)
	assert.ErrorIs(t, err, subs.ErrDuplicateClassName)

	ct, err := subs.NewClassTable(map[uint8]string{1: "high", 2: "low"}, 1, true)
	require.NoError(t, err)
	assert.Equal(t, "high", ct.Name(1))
	def, ok := ct.Default()
	assert.True(t, ok)
	assert.Equal(t, uint8(1), def)
}
