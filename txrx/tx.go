package txrx

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/ixl/dma"
	"github.com/slackhq/ixl/hw"
	"github.com/slackhq/ixl/ring"
)

// classifyBytes is how much of a frame is gathered for header classification
// when its first segment is shorter.
const classifyBytes = 128

// Packet is a frame to transmit. Segments are copied into ring buffers, so
// the caller keeps ownership of them.
type Packet struct {
	Segments [][]byte

	// TagVLAN asks the device to insert VLAN as an 802.1Q tag.
	TagVLAN bool
	VLAN    uint16

	// Checksum asks for IP and L4 checksum insertion where the headers allow.
	Checksum bool
}

// Len is the total frame length.
func (p *Packet) Len() int {
	n := 0
	for _, s := range p.Segments {
		n += len(s)
	}
	return n
}

func (p *Packet) flatten() []byte {
	b := make([]byte, 0, p.Len())
	for _, s := range p.Segments {
		b = append(b, s...)
	}
	return b
}

// header returns at least the first classifyBytes of the frame, or all of it.
func (p *Packet) header(scratch []byte) []byte {
	if len(p.Segments) == 1 || len(p.Segments[0]) >= classifyBytes {
		return p.Segments[0]
	}
	h := scratch[:0]
	for _, s := range p.Segments {
		h = append(h, s[:min(len(s), classifyBytes-len(h))]...)
		if len(h) == classifyBytes {
			break
		}
	}
	return h
}

type txSlot struct {
	buf *dma.Buffer
	// eop is the index of the packet's last descriptor, set on the slot of its
	// first descriptor and -1 everywhere else.
	eop int32
}

// TxRing is the transmit half of a queue pair. It is not safe for concurrent
// use; the owning QueuePair's lock serialises access.
type TxRing struct {
	l       *logrus.Entry
	queue   int
	regs    hw.Registers
	ring    *ring.Ring[TxDesc]
	pool    *dma.Pool
	slots   []txSlot
	maxSegs int
	csum    bool
	cls     *classifier
	stats   *Stats

	bufs    []*dma.Buffer
	lens    []int
	scratch [classifyBytes]byte
}

// NewTxRing allocates a ring of depth descriptors with one bufSize byte buffer
// per slot. maxSegs bounds the descriptors a single packet may use.
func NewTxRing(l *logrus.Entry, regs hw.Registers, a dma.Allocator, queue, depth, bufSize, maxSegs int, csum bool, stats *Stats) (*TxRing, error) {
	if bufSize <= 0 || bufSize > MaxTxBuffer {
		return nil, fmt.Errorf("tx buffer size %d out of range", bufSize)
	}
	if maxSegs <= 0 {
		return nil, fmt.Errorf("tx segment budget %d out of range", maxSegs)
	}

	r, err := ring.New[TxDesc](a, depth)
	if err != nil {
		return nil, err
	}

	t := &TxRing{
		l:       l,
		queue:   queue,
		regs:    regs,
		ring:    r,
		pool:    dma.NewPool(a, bufSize, min(depth, 64), depth),
		slots:   make([]txSlot, depth),
		maxSegs: maxSegs,
		csum:    csum,
		cls:     newClassifier(),
		stats:   stats,
	}
	t.resetSlots()
	return t, nil
}

func (t *TxRing) resetSlots() {
	for i := range t.slots {
		t.slots[i] = txSlot{eop: -1}
	}
}

// Ring exposes the descriptor ring.
func (t *TxRing) Ring() *ring.Ring[TxDesc] { return t.ring }

// Outstanding is the number of descriptors the device has not been seen to
// complete.
func (t *TxRing) Outstanding() int { return t.ring.Used() }

func (t *TxRing) pieces(segs [][]byte) int {
	bs := t.pool.BufferSize()
	n := 0
	for _, s := range segs {
		n += (len(s) + bs - 1) / bs
	}
	return n
}

// Enqueue places p on the ring and rings the doorbell. A packet needing more
// than the segment budget is coalesced once; if that still does not fit it is
// dropped with ErrTooManySegments. ErrResourceExhausted means the ring is
// full and the caller decides whether to retry later.
func (t *TxRing) Enqueue(p *Packet) error {
	total := p.Len()
	if total == 0 {
		return ErrEmptyPacket
	}

	segs := p.Segments
	need := t.pieces(segs)
	if need > t.maxSegs {
		t.stats.TxDefrag.Inc(1)
		segs = [][]byte{p.flatten()}
		need = t.pieces(segs)
		if need > t.maxSegs {
			t.stats.TxDrops.Inc(1)
			return fmt.Errorf("%w: %d after coalescing, limit %d", ErrTooManySegments, need, t.maxSegs)
		}
	}

	if free := t.ring.Free(); need > free {
		t.stats.TxBusy.Inc(1)
		return fmt.Errorf("%w: need %d descriptors, %d free", ErrResourceExhausted, need, free)
	}

	if err := t.fill(segs, need); err != nil {
		t.stats.TxBusy.Inc(1)
		return err
	}

	cmd := TxCmdICRC
	var offset uint64
	if t.csum && p.Checksum {
		o := t.cls.Classify(p.header(t.scratch[:]))
		c, off := o.descriptor()
		cmd |= c
		offset = off
	}
	var vlan uint16
	if p.TagVLAN {
		cmd |= TxCmdIL2Tag1
		vlan = p.VLAN
	}

	first := t.ring.Prod()
	idx := first
	last := first
	for i, b := range t.bufs {
		c := cmd
		if i == len(t.bufs)-1 {
			c |= TxCmdEOP | TxCmdRS
			last = idx
		}

		b.Sync(dma.SyncForDevice)
		t.ring.Slot(idx).publish(uint64(b.Addr()), txQW1(c, offset, t.lens[i], vlan))
		t.slots[idx] = txSlot{buf: b, eop: -1}
		idx = t.ring.Next(idx)
	}
	t.slots[first].eop = int32(last)

	t.ring.Mem().Sync(dma.SyncForDevice)
	t.ring.Produce(len(t.bufs))
	t.regs.Write32(hw.QTXTail(t.queue), t.ring.Prod())

	t.stats.TxPackets.Inc(1)
	t.stats.TxBytes.Inc(int64(total))
	return nil
}

// fill copies segs into need pool buffers, leaving them in t.bufs and their
// used lengths in t.lens.
func (t *TxRing) fill(segs [][]byte, need int) error {
	t.bufs = t.bufs[:0]
	t.lens = t.lens[:0]

	for range need {
		b, err := t.pool.Get()
		if err != nil {
			for _, b := range t.bufs {
				t.pool.Put(b)
			}
			t.bufs = t.bufs[:0]
			return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
		}
		t.bufs = append(t.bufs, b)
	}

	i := 0
	for _, s := range segs {
		for len(s) > 0 {
			n := copy(t.bufs[i].Bytes(), s)
			t.lens = append(t.lens, n)
			s = s[n:]
			i++
		}
	}
	return nil
}

// Reclaim releases the buffers of up to limit packets the device has finished
// with, in ring order. A negative limit is unbounded. more reports that the
// limit stopped the walk while completed packets remain.
func (t *TxRing) Reclaim(limit int) (n int, more bool) {
	t.ring.Mem().Sync(dma.SyncForCPU)

	for !t.ring.Empty() {
		head := t.ring.Cons()
		eop := t.slots[head].eop
		if eop < 0 {
			t.l.WithField("slot", head).Error("Transmit ring lost packet boundary")
			return n, false
		}
		if !t.ring.Slot(uint32(eop)).done() {
			break
		}
		if limit >= 0 && n >= limit {
			return n, true
		}

		count := 0
		for i := head; ; i = t.ring.Next(i) {
			s := &t.slots[i]
			t.pool.Put(s.buf)
			*s = txSlot{eop: -1}
			count++
			if i == uint32(eop) {
				break
			}
		}
		t.ring.Consume(count)
		n++
	}
	return n, false
}

// drain returns every buffer still on the ring to the pool, counting packets
// the device never completed as drops, and resets the ring. The device must
// no longer be fetching from it.
func (t *TxRing) drain() int {
	t.Reclaim(-1)

	dropped := 0
	for !t.ring.Empty() {
		head := t.ring.Cons()
		s := &t.slots[head]
		if s.eop >= 0 {
			dropped++
		}
		t.pool.Put(s.buf)
		*s = txSlot{eop: -1}
		t.ring.Consume(1)
	}
	if dropped > 0 {
		t.stats.TxDrops.Inc(int64(dropped))
	}

	t.ring.Reset()
	t.resetSlots()
	return dropped
}

func (t *TxRing) release() error {
	if t.ring.Mem() == nil {
		return nil
	}
	t.drain()
	return errors.Join(t.ring.Release(), t.pool.Close())
}
