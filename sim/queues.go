package sim

import (
	"fmt"
	"slices"
	"sync/atomic"
	"unsafe"

	"github.com/slackhq/ixl/dma"
	"github.com/slackhq/ixl/hmc"
	"github.com/slackhq/ixl/hw"
	"github.com/slackhq/ixl/txrx"
)

// RxBacklog is how many injected frames a receive queue holds while the driver
// has no buffers posted. Frames beyond it are discarded and counted.
const RxBacklog = 1024

// TxFrame is a frame the device put on the wire.
type TxFrame struct {
	Queue   int
	Data    []byte
	Offload txrx.Offload
	Tagged  bool
	VLAN    uint16
}

// RxOptions describe how the device reports an injected frame.
type RxOptions struct {
	Tagged bool
	VLAN   uint16

	// Checksum verdicts. The device only reports them for frames it can parse.
	BadL3 bool
	BadL4 bool

	// RxError marks every descriptor of the frame with a receive error.
	RxError bool
}

type pendingRx struct {
	data []byte
	opts RxOptions
}

type txQueue struct {
	enabled bool
	desc    []txrx.TxDesc
	head    uint32
	tail    uint32
}

type rxQueue struct {
	enabled bool
	desc    []txrx.RxDesc
	bufSize int
	head    uint32
	tail    uint32
	backlog []pendingRx
}

// descriptors maps n descriptors of type T at addr.
func descriptors[T any](mem *dma.Mmap, addr dma.Addr, n int) ([]T, error) {
	var zero T
	b, err := mem.Resolve(addr, n*int(unsafe.Sizeof(zero)))
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), n), nil
}

func (d *Device) txEnableLocked(i int, v uint32) {
	if d.stallQueueEnable {
		return
	}
	q := d.txq[i]

	if v&hw.QEnaReq == 0 {
		*q = txQueue{}
		d.regs[hw.QTXEna(i)] &^= hw.QEnaStat
		return
	}

	err := func() error {
		obj, err := d.hmc.readObject(hmc.LANTx, uint32(i))
		if err != nil {
			return err
		}
		var ctx hmc.TxQueueContext
		if err := hmc.UnpackRecord(&ctx, obj, hmc.TxQueueTable); err != nil {
			return err
		}
		if ctx.QLen == 0 {
			return fmt.Errorf("queue length is zero")
		}
		desc, err := descriptors[txrx.TxDesc](d.mem, dma.Addr(ctx.Base*hmc.QueueBaseUnit), int(ctx.QLen))
		if err != nil {
			return err
		}
		*q = txQueue{enabled: true, desc: desc}
		return nil
	}()
	if err != nil {
		d.l.WithError(err).WithField("queue", i).Error("Transmit queue context is invalid")
		return
	}
	d.regs[hw.QTXEna(i)] |= hw.QEnaStat
}

func (d *Device) rxEnableLocked(i int, v uint32) {
	if d.stallQueueEnable {
		return
	}
	q := d.rxq[i]

	if v&hw.QEnaReq == 0 {
		backlog := q.backlog
		*q = rxQueue{backlog: backlog}
		d.regs[hw.QRXEna(i)] &^= hw.QEnaStat
		return
	}

	err := func() error {
		obj, err := d.hmc.readObject(hmc.LANRx, uint32(i))
		if err != nil {
			return err
		}
		var ctx hmc.RxQueueContext
		if err := hmc.UnpackRecord(&ctx, obj, hmc.RxQueueTable); err != nil {
			return err
		}
		if ctx.QLen == 0 || ctx.DBuff == 0 {
			return fmt.Errorf("queue length %d, buffer size %d", ctx.QLen, ctx.DBuff*hmc.RxDBuffUnit)
		}
		desc, err := descriptors[txrx.RxDesc](d.mem, dma.Addr(ctx.Base*hmc.QueueBaseUnit), int(ctx.QLen))
		if err != nil {
			return err
		}
		*q = rxQueue{
			enabled: true,
			desc:    desc,
			bufSize: int(ctx.DBuff * hmc.RxDBuffUnit),
			backlog: q.backlog,
		}
		return nil
	}()
	if err != nil {
		d.l.WithError(err).WithField("queue", i).Error("Receive queue context is invalid")
		return
	}
	d.regs[hw.QRXEna(i)] |= hw.QEnaStat
}

func (d *Device) txTailLocked(i int, v uint32) {
	q := d.txq[i]
	if !q.enabled || v >= uint32(len(q.desc)) {
		return
	}
	q.tail = v
	if d.cfg.AutoComplete {
		d.transmitLocked(i, -1)
	}
}

// transmitLocked sends up to n packets between head and tail, all of them if
// n is negative.
func (d *Device) transmitLocked(i int, n int) int {
	q := d.txq[i]
	size := uint32(len(q.desc))
	sent := 0
	report := false

	for q.head != q.tail && (n < 0 || sent < n) {
		// Only whole packets go out; a tail in the middle of one waits.
		end := q.head
		for {
			if end == q.tail {
				return d.finishTxLocked(i, sent, report)
			}
			if atomic.LoadUint64(&q.desc[end].QW1)>>txrx.TxCmdShift&txrx.TxCmdEOP != 0 {
				break
			}
			end = (end + 1) % size
		}

		first := atomic.LoadUint64(&q.desc[q.head].QW1)
		f := TxFrame{Queue: i}
		if first>>txrx.TxCmdShift&txrx.TxCmdIL2Tag1 != 0 {
			f.Tagged = true
			f.VLAN = uint16(first >> txrx.TxL2Tag1Shift)
		}
		f.Offload = txrx.DecodeTxOffload(first)

		for j := q.head; ; j = (j + 1) % size {
			qw1 := atomic.LoadUint64(&q.desc[j].QW1)
			blen := int(qw1 >> txrx.TxBufSzShift & txrx.TxBufSzMask)
			if b, err := d.mem.Resolve(dma.Addr(atomic.LoadUint64(&q.desc[j].Addr)), blen); err == nil {
				f.Data = append(f.Data, b...)
			} else {
				d.l.WithError(err).WithField("queue", i).Error("Transmit buffer is not mapped")
			}
			if j == end {
				if qw1>>txrx.TxCmdShift&txrx.TxCmdRS != 0 {
					atomic.StoreUint64(&q.desc[j].QW1, qw1|txrx.TxDTypeDone)
					report = true
				}
				break
			}
		}
		q.head = (end + 1) % size

		d.wireLocked(f)
		sent++
	}
	return d.finishTxLocked(i, sent, report)
}

func (d *Device) finishTxLocked(i, sent int, report bool) int {
	if report {
		d.raiseQueueLocked(hw.QINTTQCtl(i))
	}
	return sent
}

func (d *Device) wireLocked(f TxFrame) {
	if !d.fw.link.Up() {
		d.countLocked(hw.GLPRTTDOLD, 1)
		return
	}

	d.countLocked(hw.GLPRTGOTCL, uint64(len(f.Data)))
	d.countLocked(castTx(f.Data), 1)
	d.sent = append(d.sent, f)

	if d.cfg.Loopback && f.Queue < len(d.rxq) {
		d.receiveLocked(f.Queue, f.Data, RxOptions{Tagged: f.Tagged, VLAN: f.VLAN})
	}
}

// CompleteTx transmits up to n packets queued on queue i and returns how many
// went out. It is how tests drive transmit without AutoComplete.
func (d *Device) CompleteTx(i, n int) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.txq[i].enabled {
		return 0
	}
	return d.transmitLocked(i, n)
}

// SentFrames returns and forgets every frame transmitted so far.
func (d *Device) SentFrames() []TxFrame {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.sent
	d.sent = nil
	return s
}

func (d *Device) rxTailLocked(i int, v uint32) {
	q := d.rxq[i]
	if !q.enabled || v >= uint32(len(q.desc)) {
		return
	}
	q.tail = v
	d.flushRxLocked(i)
}

// InjectRx receives frame on queue i. Frames wait in a backlog while the
// driver has too few buffers posted; past the backlog they are discarded.
func (d *Device) InjectRx(i int, frame []byte, opts RxOptions) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receiveLocked(i, slices.Clone(frame), opts)
}

func (d *Device) receiveLocked(i int, frame []byte, opts RxOptions) {
	q := d.rxq[i]
	if !q.enabled || len(q.backlog) >= RxBacklog {
		d.countLocked(hw.GLPRTRDPC, 1)
		return
	}
	q.backlog = append(q.backlog, pendingRx{data: frame, opts: opts})
	d.flushRxLocked(i)
}

// RxBacklogLen reports how many frames wait on queue i for buffers.
func (d *Device) RxBacklogLen(i int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rxq[i].backlog)
}

func (d *Device) flushRxLocked(i int) {
	q := d.rxq[i]
	if !q.enabled {
		return
	}

	size := uint32(len(q.desc))
	wrote := false
	for len(q.backlog) > 0 {
		p := q.backlog[0]
		need := uint32(max(1, (len(p.data)+q.bufSize-1)/q.bufSize))
		if (q.tail-q.head+size)%size < need {
			break
		}
		q.backlog = q.backlog[1:]
		d.writebackLocked(q, p)
		wrote = true
	}

	if wrote {
		d.raiseQueueLocked(hw.QINTRQCtl(i))
	}
}

func (d *Device) writebackLocked(q *rxQueue, p pendingRx) {
	o := txrx.Classify(p.data)
	ptype := txrx.PTypeFor(o)

	var flags uint64
	if o.L3 != txrx.L3None {
		flags |= txrx.RxStatusL3L4P
		if p.opts.BadL3 {
			flags |= txrx.RxErrIPE
		}
		if p.opts.BadL4 && o.L4 != txrx.L4None {
			flags |= txrx.RxErrL4E
		}
	}
	if p.opts.RxError {
		flags |= txrx.RxErrRXE
	}

	size := uint32(len(q.desc))
	data := p.data
	for {
		desc := &q.desc[q.head]
		n := min(len(data), q.bufSize)
		if buf, err := d.mem.Resolve(dma.Addr(atomic.LoadUint64(&desc.QW0)), n); err == nil {
			copy(buf, data[:n])
		} else {
			d.l.WithError(err).Error("Receive buffer is not mapped")
		}
		data = data[n:]

		qw0 := uint64(0)
		qw1 := txrx.RxStatusDD | flags | uint64(n)<<txrx.RxLenShift | uint64(ptype)<<txrx.RxPTypeShift
		if len(data) == 0 {
			qw1 |= txrx.RxStatusEOP
			if p.opts.Tagged {
				qw1 |= txrx.RxStatusL2Tag1P
				qw0 = uint64(p.opts.VLAN) << txrx.RxL2Tag1Shift
			}
		}
		atomic.StoreUint64(&desc.QW0, qw0)
		atomic.StoreUint64(&desc.QW1, qw1)
		q.head = (q.head + 1) % size

		if len(data) == 0 {
			break
		}
	}

	if p.opts.RxError {
		d.countLocked(hw.GLPRTCRCERRS, 1)
		return
	}
	d.countLocked(hw.GLPRTGORCL, uint64(len(p.data)))
	d.countLocked(castRx(p.data), 1)
}
