package txrx

import (
	"bytes"
	"errors"
	"testing"

	"github.com/slackhq/ixl/dma"
	"github.com/slackhq/ixl/hw"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func onePacket(n int) *Packet {
	return &Packet{Segments: [][]byte{bytes.Repeat([]byte{0xab}, n)}}
}

func TestTxRing_CapacityEight(t *testing.T) {
	tx, regs := newTestTx(t, 8, 2048, 8)

	var ok, exhausted int
	for range 10 {
		err := tx.Enqueue(onePacket(64))
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrResourceExhausted):
			exhausted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 7, ok)
	assert.Equal(t, 3, exhausted)
	assert.Equal(t, uint32(7), regs.Read32(hw.QTXTail(0)))
	assert.Equal(t, int64(3), tx.stats.TxBusy.Count())

	completeTx(tx, 3)
	n, more := tx.Reclaim(-1)
	assert.Equal(t, 3, n)
	assert.False(t, more)

	for range 3 {
		require.NoError(t, tx.Enqueue(onePacket(64)))
	}
	assert.ErrorIs(t, tx.Enqueue(onePacket(64)), ErrResourceExhausted)
	// the tail wrapped
	assert.Equal(t, uint32(2), regs.Read32(hw.QTXTail(0)))
}

func TestTxRing_ReclaimAll(t *testing.T) {
	tx, _ := newTestTx(t, 16, 2048, 8)

	for range 15 {
		require.NoError(t, tx.Enqueue(onePacket(100)))
	}
	assert.Equal(t, 15, tx.Outstanding())
	assert.Zero(t, tx.ring.Free())

	// nothing done yet
	n, more := tx.Reclaim(-1)
	assert.Zero(t, n)
	assert.False(t, more)

	completeTx(tx, 15)
	syncs := tx.ring.Mem().Syncs(dma.SyncForCPU)
	n, more = tx.Reclaim(-1)
	assert.Equal(t, 15, n)
	assert.False(t, more)
	assert.Zero(t, tx.Outstanding())
	assert.Greater(t, tx.ring.Mem().Syncs(dma.SyncForCPU), syncs)

	n, more = tx.Reclaim(-1)
	assert.Zero(t, n)
	assert.False(t, more)
	assert.Equal(t, 16, tx.pool.Available())
}

func TestTxRing_ReclaimLimit(t *testing.T) {
	tx, _ := newTestTx(t, 16, 2048, 8)
	for range 5 {
		require.NoError(t, tx.Enqueue(onePacket(100)))
	}
	completeTx(tx, 4)

	n, more := tx.Reclaim(3)
	assert.Equal(t, 3, n)
	assert.True(t, more)

	n, more = tx.Reclaim(3)
	assert.Equal(t, 1, n)
	assert.False(t, more)
	assert.Equal(t, 1, tx.Outstanding())
}

func TestTxRing_MultiDescriptor(t *testing.T) {
	tx, _ := newTestTx(t, 16, 256, 8)

	// 600 bytes in 256 byte buffers plus a small trailer: 3 + 1 descriptors
	p := &Packet{Segments: [][]byte{bytes.Repeat([]byte{1}, 600), {2, 2, 2}}}
	require.NoError(t, tx.Enqueue(p))
	assert.Equal(t, 4, tx.Outstanding())
	assert.Equal(t, int32(3), tx.slots[0].eop)

	var sizes []int
	for i := range uint32(4) {
		qw1 := tx.ring.Slot(i).QW1
		sizes = append(sizes, int(qw1>>TxBufSzShift&TxBufSzMask))

		cmd := qw1 >> TxCmdShift
		if i > 0 {
			assert.Equal(t, int32(-1), tx.slots[i].eop, "slot %d", i)
		}
		if i < 3 {
			assert.Zero(t, cmd&TxCmdEOP, "slot %d", i)
		} else {
			assert.Equal(t, TxCmdEOP|TxCmdRS, cmd&(TxCmdEOP|TxCmdRS))
		}
		assert.Equal(t, uint64(tx.slots[i].buf.Addr()), tx.ring.Slot(i).Addr)
	}
	assert.Equal(t, []int{256, 256, 88, 3}, sizes)
	assert.Equal(t, []byte{2, 2, 2}, tx.slots[3].buf.Bytes()[:3])

	// completion is only signalled on the last descriptor
	completeTx(tx, 1)
	n, _ := tx.Reclaim(-1)
	assert.Equal(t, 1, n)
	assert.Zero(t, tx.Outstanding())
}

func TestTxRing_Defrag(t *testing.T) {
	tx, _ := newTestTx(t, 16, 256, 2)

	// four tiny segments coalesce into one buffer
	p := &Packet{Segments: [][]byte{{1}, {2}, {3}, {4}}}
	require.NoError(t, tx.Enqueue(p))
	assert.Equal(t, 1, tx.Outstanding())
	assert.Equal(t, []byte{1, 2, 3, 4}, tx.slots[0].buf.Bytes()[:4])
	assert.Equal(t, int64(1), tx.stats.TxDefrag.Count())

	// three full buffers never fit a two descriptor budget
	big := &Packet{Segments: [][]byte{make([]byte, 256), make([]byte, 256), make([]byte, 256)}}
	err := tx.Enqueue(big)
	assert.ErrorIs(t, err, ErrTooManySegments)
	assert.ErrorIs(t, err, ErrResourceExhausted)
	assert.Equal(t, int64(2), tx.stats.TxDefrag.Count())
	assert.Equal(t, int64(1), tx.stats.TxDrops.Count())
	assert.Equal(t, 1, tx.Outstanding())

	assert.ErrorIs(t, tx.Enqueue(&Packet{}), ErrEmptyPacket)
}

func TestTxRing_Offload(t *testing.T) {
	tx, _ := newTestTx(t, 16, 2048, 8)

	f := udp4Frame(t, 32)
	require.NoError(t, tx.Enqueue(&Packet{Segments: [][]byte{f[:20], f[20:]}, Checksum: true}))

	qw1 := tx.ring.Slot(0).QW1
	o := DecodeTxOffload(qw1)
	assert.Equal(t, Offload{L3: L3IPv4, L4: L4UDP, MACLen: 14, IPLen: 20, L4Len: 8}, o)
	assert.NotZero(t, qw1>>TxCmdShift&TxCmdICRC)

	// the same offload is carried by every descriptor of the packet
	assert.Equal(t, o, DecodeTxOffload(tx.ring.Slot(1).QW1))

	require.NoError(t, tx.Enqueue(&Packet{Segments: [][]byte{f}}))
	assert.Equal(t, Offload{}, DecodeTxOffload(tx.ring.Slot(2).QW1), "no offload unless asked")

	require.NoError(t, tx.Enqueue(&Packet{Segments: [][]byte{f}, TagVLAN: true, VLAN: 100}))
	qw1 = tx.ring.Slot(3).QW1
	assert.NotZero(t, qw1>>TxCmdShift&TxCmdIL2Tag1)
	assert.Equal(t, uint64(100), qw1>>TxL2Tag1Shift)
}

func TestTxRing_Drain(t *testing.T) {
	tx, _ := newTestTx(t, 8, 2048, 8)
	for range 4 {
		require.NoError(t, tx.Enqueue(onePacket(10)))
	}
	completeTx(tx, 1)

	assert.Equal(t, 3, tx.drain())
	assert.Zero(t, tx.Outstanding())
	assert.Equal(t, uint32(0), tx.ring.Prod())
	assert.Equal(t, int64(3), tx.stats.TxDrops.Count())
	assert.Equal(t, 8, tx.pool.Available())
}
