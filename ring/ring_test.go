package ring

import (
	"testing"

	"github.com/slackhq/ixl/dma"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type desc struct {
	a, b uint64
}

func TestCheckSize(t *testing.T) {
	tests := []struct {
		size int
		ok   bool
	}{
		{-1, false},
		{0, false},
		{1, false},
		{2, true},
		{3, false},
		{8, true},
		{1000, false},
		{8192, true},
		{16384, false},
	}
	for _, tt := range tests {
		err := CheckSize(tt.size)
		if tt.ok {
			assert.NoError(t, err, "size %d", tt.size)
		} else {
			assert.ErrorIs(t, err, ErrSizeInvalid, "size %d", tt.size)
		}
	}
}

func TestRing_Bounds(t *testing.T) {
	m := dma.NewMmap(0)
	r, err := New[desc](m, 8)
	require.NoError(t, err)
	defer r.Release()

	assert.Equal(t, 8, r.Size())
	assert.Equal(t, 7, r.Free())
	assert.True(t, r.Empty())
	assert.Zero(t, r.Addr()%Alignment)

	r.Produce(7)
	assert.Equal(t, 0, r.Free())
	assert.Equal(t, 7, r.Used())
	assert.Panics(t, func() { r.Produce(1) })

	r.Consume(3)
	assert.Equal(t, 3, r.Free())
	assert.Equal(t, uint32(7), r.Prod())
	assert.Equal(t, uint32(3), r.Cons())

	// wrap
	r.Produce(3)
	assert.Equal(t, uint32(2), r.Prod())
	assert.Equal(t, 7, r.Used())
	assert.Equal(t, 4, r.Pending(7))

	r.Consume(7)
	assert.True(t, r.Empty())
	assert.Panics(t, func() { r.Consume(1) })
}

func TestRing_SlotsShareDMAMemory(t *testing.T) {
	m := dma.NewMmap(0)
	r, err := New[desc](m, 4)
	require.NoError(t, err)

	r.Slot(1).a = 0x0102030405060708
	b, err := m.Resolve(r.Addr()+16, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{8, 7, 6, 5, 4, 3, 2, 1}, b)

	// indexes are masked
	assert.Same(t, r.Slot(1), r.Slot(5))

	r.Reset()
	assert.Zero(t, r.Slot(1).a)

	require.NoError(t, r.Release())
	require.NoError(t, r.Release())
}
