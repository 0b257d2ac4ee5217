package txrx

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/ixl/dma"
	"github.com/slackhq/ixl/hw"
	"github.com/slackhq/ixl/ring"
)

// RxPacket is a received frame with the metadata the device reported for it.
type RxPacket struct {
	Queue int
	Data  []byte

	PType   uint8
	HasVLAN bool
	VLAN    uint16

	L3Csum CsumStatus
	L4Csum CsumStatus
}

// RxRing is the receive half of a queue pair. Like TxRing it relies on the
// owning QueuePair's lock.
type RxRing struct {
	l     *logrus.Entry
	queue int
	regs  hw.Registers
	ring  *ring.Ring[RxDesc]
	pool  *dma.Pool
	bufs  []*dma.Buffer
	stats *Stats

	// chain is the packet being assembled from a multi-descriptor receive. It
	// survives across Reap calls when the device has not yet written the
	// descriptor carrying EOP.
	chain    *RxPacket
	chainErr bool
}

// NewRxRing allocates a ring of depth descriptors receiving into bufSize
// byte buffers. Nothing is posted until Refill.
func NewRxRing(l *logrus.Entry, regs hw.Registers, a dma.Allocator, queue, depth, bufSize int, stats *Stats) (*RxRing, error) {
	if bufSize <= 0 || bufSize%RxBufferUnit != 0 {
		return nil, fmt.Errorf("rx buffer size %d is not a positive multiple of %d", bufSize, RxBufferUnit)
	}

	r, err := ring.New[RxDesc](a, depth)
	if err != nil {
		return nil, err
	}

	return &RxRing{
		l:     l,
		queue: queue,
		regs:  regs,
		ring:  r,
		pool:  dma.NewPool(a, bufSize, min(depth, 16), depth),
		bufs:  make([]*dma.Buffer, depth),
		stats: stats,
	}, nil
}

// RxBufferUnit is the granularity receive buffer sizes are programmed in.
const RxBufferUnit = 128

// Ring exposes the descriptor ring.
func (r *RxRing) Ring() *ring.Ring[RxDesc] { return r.ring }

// BufferSize is the size of each posted buffer.
func (r *RxRing) BufferSize() int { return r.pool.BufferSize() }

// Posted is the number of buffers currently owned by the device.
func (r *RxRing) Posted() int { return r.ring.Used() }

// Refill posts a buffer into every free slot and tells the device about them.
// An allocation failure is counted as a drop and leaves the ring short until
// the next call.
func (r *RxRing) Refill() int {
	n := 0
	for r.ring.Free() > 0 {
		idx := r.ring.Prod()
		if r.bufs[idx] != nil {
			panic(fmt.Sprintf("rx refill would overwrite unconsumed slot %d", idx))
		}

		b, err := r.pool.Get()
		if err != nil {
			r.stats.RxAllocFail.Inc(1)
			r.stats.RxDrops.Inc(1)
			if !errors.Is(err, dma.ErrNoMemory) {
				r.l.WithError(err).Warn("Failed to allocate receive buffer")
			}
			break
		}

		b.Sync(dma.SyncForDevice)
		r.ring.Slot(idx).post(uint64(b.Addr()))
		r.bufs[idx] = b
		r.ring.Produce(1)
		n++
	}

	if n > 0 {
		r.ring.Mem().Sync(dma.SyncForDevice)
		r.regs.Write32(hw.QRXTail(r.queue), r.ring.Prod())
	}
	return n
}

func (r *RxRing) ready() bool {
	return !r.ring.Empty() && r.ring.Slot(r.ring.Cons()).status()&RxStatusDD != 0
}

// Reap collects up to limit completed packets in ring order, then refills. A
// negative limit is unbounded. Packets the device flagged with a receive
// error are dropped. more reports that the limit stopped the walk while
// completed descriptors remain.
func (r *RxRing) Reap(limit int) (pkts []*RxPacket, more bool) {
	r.ring.Mem().Sync(dma.SyncForCPU)

	for !r.ring.Empty() {
		if limit >= 0 && len(pkts) >= limit {
			more = r.ready()
			break
		}

		idx := r.ring.Cons()
		d := r.ring.Slot(idx)
		qw1 := d.status()
		if qw1&RxStatusDD == 0 {
			break
		}

		b := r.bufs[idx]
		r.bufs[idx] = nil
		b.Sync(dma.SyncForCPU)

		if r.chain == nil {
			r.chain = &RxPacket{Queue: r.queue}
		}
		n := min(int(qw1>>RxLenShift&RxLenMask), b.Len())
		r.chain.Data = append(r.chain.Data, b.Bytes()[:n]...)
		if qw1&RxErrRXE != 0 {
			r.chainErr = true
		}

		r.pool.Put(b)
		r.ring.Consume(1)

		if qw1&RxStatusEOP == 0 {
			continue
		}

		pkt := r.chain
		r.chain = nil
		if r.chainErr {
			r.chainErr = false
			r.stats.RxErrors.Inc(1)
			r.stats.RxDrops.Inc(1)
			continue
		}

		pkt.PType = uint8(qw1 >> RxPTypeShift & RxPTypeMask)
		if qw1&RxStatusL2Tag1P != 0 {
			pkt.HasVLAN = true
			pkt.VLAN = d.l2tag1()
		}
		pkt.L3Csum, pkt.L4Csum = rxChecksums(qw1, pkt.PType)

		r.stats.RxPackets.Inc(1)
		r.stats.RxBytes.Inc(int64(len(pkt.Data)))
		pkts = append(pkts, pkt)
	}

	r.Refill()
	return pkts, more
}

// drain takes every posted buffer back and resets the ring. The device must
// no longer be writing to it.
func (r *RxRing) drain() {
	for i, b := range r.bufs {
		if b != nil {
			r.pool.Put(b)
			r.bufs[i] = nil
		}
	}
	if r.chain != nil {
		r.stats.RxDrops.Inc(1)
	}
	r.chain = nil
	r.chainErr = false
	r.ring.Reset()
}

func (r *RxRing) release() error {
	if r.ring.Mem() == nil {
		return nil
	}
	r.drain()
	return errors.Join(r.ring.Release(), r.pool.Close())
}
