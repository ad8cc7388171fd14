package ring_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cometbft/sbn/ring"
)

func TestSendRingFindAndDrop(t *testing.T) {
	r := ring.NewSendRing(8)
	for i := uint32(0); i < 5; i++ {
		r.Put(i, []byte{byte(i)})
	}
	got, err := r.Find(2)
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, got)

	r.DropThrough(2)
	_, err = r.Find(0)
	assert.ErrorIs(t, err, ring.ErrNotFound)
	_, err = r.Find(2)
	assert.ErrorIs(t, err, ring.ErrNotFound)
	got, err = r.Find(3)
	require.NoError(t, err)
	assert.Equal(t, []byte{3}, got)
}

func TestSendRingOverwritesOldestWhenFull(t *testing.T) {
	// scenario 6: capacity=8, send seq 0..31, NACK for seq 0 must fail.
	r := ring.NewSendRing(8)
	for i := uint32(0); i < 32; i++ {
		r.Put(i, []byte{byte(i)})
	}
	_, err := r.Find(0)
	assert.ErrorIs(t, err, ring.ErrNotFound)

	got, err := r.Find(31)
	require.NoError(t, err)
	assert.Equal(t, []byte{31}, got)
}

func TestSendRingRetransmitCounter(t *testing.T) {
	r := ring.NewSendRing(4)
	r.Put(1, []byte("x"))
	count, ok := r.RetransmitCount(1)
	require.True(t, ok)
	assert.Equal(t, 0, count)

	r.IncrementRetransmit(1)
	r.IncrementRetransmit(1)
	count, ok = r.RetransmitCount(1)
	require.True(t, ok)
	assert.Equal(t, 2, count)
}

func TestDeferredRingEvictsOldestWhenFull(t *testing.T) {
	d := ring.NewDeferredRing(2)
	_, evicted := d.Insert(5, []byte("a"))
	assert.False(t, evicted)
	_, evicted = d.Insert(6, []byte("b"))
	assert.False(t, evicted)

	// full now; inserting a third evicts the oldest (5)
	ev, evicted := d.Insert(7, []byte("c"))
	assert.True(t, evicted)
	assert.Equal(t, uint32(5), ev)

	_, ok := d.Take(5)
	assert.False(t, ok)
	frame, ok := d.Take(6)
	require.True(t, ok)
	assert.Equal(t, []byte("b"), frame)
}

func TestDeferredRingTakeMissing(t *testing.T) {
	d := ring.NewDeferredRing(4)
	_, ok := d.Take(9)
	assert.False(t, ok)
}
