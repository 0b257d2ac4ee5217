package txrx

import (
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/ixl/dma"
	"github.com/slackhq/ixl/hw"
	"github.com/slackhq/ixl/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rxDevice plays the device side of a receive ring: it consumes posted slots
// from its own head up to the tail register.
type rxDevice struct {
	rx   *RxRing
	regs *fakeRegs
	mem  *dma.Mmap
	head uint32
}

type writeback struct {
	data  []byte
	eop   bool
	ptype uint8
	vlan  uint16
	l3l4p bool
	errs  uint64
}

// deliver writes wb into the next posted slot. It reports false when the
// driver has nothing posted.
func (d *rxDevice) deliver(t *testing.T, wb writeback) bool {
	tail := d.regs.Read32(hw.QRXTail(d.rx.queue))
	if d.head == tail {
		return false
	}

	desc := d.rx.ring.Slot(d.head)
	buf, err := d.mem.Resolve(dma.Addr(atomic.LoadUint64(&desc.QW0)), d.rx.BufferSize())
	require.NoError(t, err)
	n := copy(buf, wb.data)

	qw1 := RxStatusDD | uint64(n)<<RxLenShift | uint64(wb.ptype)<<RxPTypeShift | wb.errs
	if wb.eop {
		qw1 |= RxStatusEOP
	}
	if wb.l3l4p {
		qw1 |= RxStatusL3L4P
	}
	var qw0 uint64
	if wb.vlan != 0 {
		qw1 |= RxStatusL2Tag1P
		qw0 = uint64(wb.vlan) << RxL2Tag1Shift
	}
	atomic.StoreUint64(&desc.QW0, qw0)
	atomic.StoreUint64(&desc.QW1, qw1)

	d.head = (d.head + 1) & uint32(d.rx.ring.Size()-1)
	return true
}

func newTestRx(t *testing.T, depth, bufSize int, a dma.Allocator) (*RxRing, *fakeRegs) {
	regs := newFakeRegs()
	rx, err := NewRxRing(test.NewLogger().WithField("queue", 0), regs, a, 0, depth, bufSize, NewStats(0, metrics.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { rx.release() })
	return rx, regs
}

func TestRxRing_RefillReap(t *testing.T) {
	m := dma.NewMmap(0)
	rx, regs := newTestRx(t, 8, 2048, m)
	dev := &rxDevice{rx: rx, regs: regs, mem: m}

	assert.Equal(t, 7, rx.Refill())
	assert.Equal(t, uint32(7), regs.Read32(hw.QRXTail(0)))
	assert.Zero(t, rx.Refill(), "full ring refills nothing")

	pkts, more := rx.Reap(-1)
	assert.Empty(t, pkts)
	assert.False(t, more)

	f := udp4Frame(t, 10)
	require.True(t, dev.deliver(t, writeback{data: f, eop: true, ptype: PTypeIPv4UDP, l3l4p: true, vlan: 42}))

	pkts, more = rx.Reap(-1)
	require.Len(t, pkts, 1)
	assert.False(t, more)
	p := pkts[0]
	assert.Equal(t, f, p.Data)
	assert.Equal(t, PTypeIPv4UDP, p.PType)
	assert.True(t, p.HasVLAN)
	assert.Equal(t, uint16(42), p.VLAN)
	assert.Equal(t, CsumGood, p.L3Csum)
	assert.Equal(t, CsumGood, p.L4Csum)

	// the consumed slot was re-posted
	assert.Equal(t, 7, rx.Posted())
	assert.Equal(t, uint32(0), regs.Read32(hw.QRXTail(0)))
	assert.Equal(t, int64(1), rx.stats.RxPackets.Count())
	assert.Equal(t, int64(len(f)), rx.stats.RxBytes.Count())
}

func TestRxRing_Chain(t *testing.T) {
	m := dma.NewMmap(0)
	rx, regs := newTestRx(t, 8, 128, m)
	dev := &rxDevice{rx: rx, regs: regs, mem: m}
	rx.Refill()

	a := make([]byte, 128)
	for i := range a {
		a[i] = byte(i)
	}
	require.True(t, dev.deliver(t, writeback{data: a}))

	// the chain head survives a reap that ends before EOP
	pkts, _ := rx.Reap(-1)
	assert.Empty(t, pkts)
	require.NotNil(t, rx.chain)

	require.True(t, dev.deliver(t, writeback{data: []byte{1, 2, 3}, eop: true, ptype: PTypeL2}))
	pkts, _ = rx.Reap(-1)
	require.Len(t, pkts, 1)
	assert.Equal(t, append(a, 1, 2, 3), pkts[0].Data)
	assert.False(t, pkts[0].HasVLAN)
	assert.Equal(t, CsumNone, pkts[0].L3Csum)
	assert.Nil(t, rx.chain)
}

func TestRxRing_Errors(t *testing.T) {
	m := dma.NewMmap(0)
	rx, regs := newTestRx(t, 16, 128, m)
	dev := &rxDevice{rx: rx, regs: regs, mem: m}
	rx.Refill()

	// an error on any descriptor drops the whole chain
	dev.deliver(t, writeback{data: make([]byte, 128), errs: RxErrRXE})
	dev.deliver(t, writeback{data: []byte{1}, eop: true})
	dev.deliver(t, writeback{data: []byte{2}, eop: true, ptype: PTypeIPv6TCP, l3l4p: true, errs: RxErrL4E})
	dev.deliver(t, writeback{data: []byte{3}, eop: true, ptype: PTypeIPv4, l3l4p: true, errs: RxErrIPE})

	pkts, _ := rx.Reap(-1)
	require.Len(t, pkts, 2)
	assert.Equal(t, []byte{2}, pkts[0].Data)
	assert.Equal(t, CsumGood, pkts[0].L3Csum)
	assert.Equal(t, CsumBad, pkts[0].L4Csum)
	assert.Equal(t, CsumBad, pkts[1].L3Csum)
	assert.Equal(t, CsumNone, pkts[1].L4Csum)

	assert.Equal(t, int64(1), rx.stats.RxErrors.Count())
	assert.Equal(t, int64(1), rx.stats.RxDrops.Count())
}

func TestRxRing_ReapLimit(t *testing.T) {
	m := dma.NewMmap(0)
	rx, regs := newTestRx(t, 16, 128, m)
	dev := &rxDevice{rx: rx, regs: regs, mem: m}
	rx.Refill()

	for i := range 5 {
		dev.deliver(t, writeback{data: []byte{byte(i)}, eop: true})
	}

	pkts, more := rx.Reap(3)
	assert.Len(t, pkts, 3)
	assert.True(t, more)

	pkts, more = rx.Reap(3)
	assert.Len(t, pkts, 2)
	assert.False(t, more)
	assert.Equal(t, []byte{4}, pkts[1].Data)
}

// failingAlloc fails every allocation after the first ok ones.
type failingAlloc struct {
	*dma.Mmap
	ok int
}

func (f *failingAlloc) Alloc(size, align int) (*dma.Buffer, error) {
	if f.ok <= 0 {
		return nil, dma.ErrNoMemory
	}
	f.ok--
	return f.Mmap.Alloc(size, align)
}

func TestRxRing_RefillAllocFailure(t *testing.T) {
	// one allocation for the ring, one chunk of buffers, then nothing
	a := &failingAlloc{Mmap: dma.NewMmap(0), ok: 2}
	rx, regs := newTestRx(t, 32, 128, a)

	assert.Equal(t, 16, rx.Refill())
	assert.Equal(t, uint32(16), regs.Read32(hw.QRXTail(0)))
	assert.Equal(t, int64(1), rx.stats.RxAllocFail.Count())
	assert.Equal(t, int64(1), rx.stats.RxDrops.Count())

	// under-populated until memory shows up again
	a.ok = 1
	assert.Equal(t, 15, rx.Refill())
	assert.Equal(t, 31, rx.Posted())
}

func TestRxRing_RefillNeverOverlaps(t *testing.T) {
	for seed := range int64(20) {
		r := rand.New(rand.NewSource(seed))
		m := dma.NewMmap(0)
		rx, regs := newTestRx(t, 16, 128, m)
		dev := &rxDevice{rx: rx, regs: regs, mem: m}

		got, sent := 0, 0
		for range 500 {
			switch r.Intn(3) {
			case 0:
				rx.Refill()
			case 1:
				for range r.Intn(8) {
					if dev.deliver(t, writeback{data: []byte{byte(sent)}, eop: true}) {
						sent++
					}
				}
			case 2:
				pkts, _ := rx.Reap(r.Intn(6) - 1)
				for _, p := range pkts {
					require.Equal(t, []byte{byte(got)}, p.Data, "seed %d", seed)
					got++
				}
			}

			// every slot between consumer and producer holds a buffer, and only those
			used := rx.ring.Used()
			require.LessOrEqual(t, used, rx.ring.Size()-1)
			for i := range rx.ring.Size() {
				off := (uint32(i) - rx.ring.Cons()) & uint32(rx.ring.Size()-1)
				posted := int(off) < used
				require.Equal(t, posted, rx.bufs[i] != nil, "seed %d slot %d", seed, i)
			}

			// the device never runs past the tail it was given
			tail := regs.Read32(hw.QRXTail(0))
			require.Equal(t, rx.ring.Prod(), tail)
		}

		pkts, _ := rx.Reap(-1)
		got += len(pkts)
		assert.Equal(t, sent, got, "seed %d", seed)
	}
}
