package txrx

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/ixl/adminq"
	"github.com/slackhq/ixl/dma"
	"github.com/slackhq/ixl/hmc"
	"github.com/slackhq/ixl/hw"
	"github.com/slackhq/ixl/poll"
)

// Config sizes a queue pair.
type Config struct {
	TxDepth      int
	RxDepth      int
	TxBufferSize int
	RxBufferSize int
	// MaxSegments is the descriptor budget of a single transmitted packet.
	MaxSegments     int
	MaxFrame        int
	ChecksumOffload bool

	// EnablePolicy bounds the wait for the device to acknowledge a queue
	// enable or disable request.
	EnablePolicy poll.Policy
	Clock        poll.Clock
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		TxDepth:         512,
		RxDepth:         512,
		TxBufferSize:    2048,
		RxBufferSize:    2048,
		MaxSegments:     8,
		MaxFrame:        1522,
		ChecksumOffload: true,
		EnablePolicy:    poll.Policy{Interval: 10 * time.Microsecond, MaxInterval: time.Millisecond, Backoff: 2, Timeout: 100 * time.Millisecond},
		Clock:           poll.System,
	}
}

// Handler receives the packets of one Process call. It runs with the queue
// pair locked and must not call back into it.
type Handler func(pkts []*RxPacket)

// QueuePair is one transmit and one receive ring bound to an interrupt vector.
// The embedded mutex guards both rings; interrupt dispatch takes it with
// TryLock to decide between inline and deferred processing.
type QueuePair struct {
	sync.Mutex

	ID     int
	Vector int
	Tx     *TxRing
	Rx     *RxRing
	Stats  *Stats

	l       *logrus.Entry
	regs    hw.Registers
	cfg     Config
	deliver Handler
	enabled atomic.Bool
}

// NewQueuePair allocates the rings of queue pair id, interrupting on vector.
// Counters are registered in reg.
func NewQueuePair(l *logrus.Logger, regs hw.Registers, a dma.Allocator, id, vector int, cfg Config, reg metrics.Registry, deliver Handler) (*QueuePair, error) {
	if cfg.Clock == nil {
		cfg.Clock = poll.System
	}

	q := &QueuePair{
		ID:      id,
		Vector:  vector,
		Stats:   NewStats(id, reg),
		l:       l.WithField("queue", id),
		regs:    regs,
		cfg:     cfg,
		deliver: deliver,
	}

	var err error
	q.Tx, err = NewTxRing(q.l, regs, a, id, cfg.TxDepth, cfg.TxBufferSize, cfg.MaxSegments, cfg.ChecksumOffload, q.Stats)
	if err != nil {
		return nil, fmt.Errorf("queue %d: %w", id, err)
	}
	q.Rx, err = NewRxRing(q.l, regs, a, id, cfg.RxDepth, cfg.RxBufferSize, q.Stats)
	if err != nil {
		q.Tx.release()
		return nil, fmt.Errorf("queue %d: %w", id, err)
	}
	return q, nil
}

// Enabled reports whether the device has acknowledged the pair as running.
func (q *QueuePair) Enabled() bool { return q.enabled.Load() }

// Enable writes both queue contexts into region, routes the queue interrupt
// causes to the pair's vector, posts receive buffers and asks the device to
// start both queues. A device that does not acknowledge within the enable
// policy yields adminq.ErrChannelTimeout.
func (q *QueuePair) Enable(region *hmc.Region) error {
	q.Lock()
	defer q.Unlock()

	if q.enabled.Load() {
		return nil
	}

	q.Tx.drain()
	q.Rx.drain()

	tctx := hmc.TxQueueContext{
		NewContext: 1,
		Base:       uint64(q.Tx.ring.Addr()) / hmc.QueueBaseUnit,
		QLen:       uint64(q.Tx.ring.Size()),
	}
	if err := region.Write(hmc.LANTx, uint32(q.ID), &tctx, hmc.TxQueueTable); err != nil {
		return fmt.Errorf("write tx context of queue %d: %w", q.ID, err)
	}

	rctx := hmc.RxQueueContext{
		Base:       uint64(q.Rx.ring.Addr()) / hmc.QueueBaseUnit,
		QLen:       uint64(q.Rx.ring.Size()),
		DBuff:      uint64(q.Rx.BufferSize() / hmc.RxDBuffUnit),
		DSize:      1,
		CRCStrip:   1,
		L2Sel:      1,
		RxMax:      uint64(q.cfg.MaxFrame),
		PrefEna:    1,
		LRxQThresh: 2,
	}
	if err := region.Write(hmc.LANRx, uint32(q.ID), &rctx, hmc.RxQueueTable); err != nil {
		return fmt.Errorf("write rx context of queue %d: %w", q.ID, err)
	}

	q.regs.Write32(hw.QTXCtl(q.ID), hw.QTXCtlPFQueue)

	cause := uint32(q.Vector)&hw.QIntCtlMSIXMask<<hw.QIntCtlMSIXShift | hw.QIntCtlCauseEna
	q.regs.Write32(hw.QINTTQCtl(q.ID), cause)
	q.regs.Write32(hw.QINTRQCtl(q.ID), cause)

	if err := q.request(hw.QRXEna(q.ID), true); err != nil {
		return fmt.Errorf("enable rx queue %d: %w", q.ID, err)
	}
	q.Rx.Refill()

	if err := q.request(hw.QTXEna(q.ID), true); err != nil {
		_ = q.request(hw.QRXEna(q.ID), false)
		q.Rx.drain()
		return fmt.Errorf("enable tx queue %d: %w", q.ID, err)
	}

	q.enabled.Store(true)
	q.l.WithField("vector", q.Vector).Debug("Queue pair enabled")
	return nil
}

// Disable stops both queues, waits for the device to acknowledge, detaches
// the interrupt causes and drains both rings. Buffers of packets the device
// never completed are counted as drops. The rings stay allocated for a later
// Enable.
func (q *QueuePair) Disable() error {
	q.Lock()
	defer q.Unlock()

	if !q.enabled.Swap(false) {
		return nil
	}

	var errs []error
	if err := q.request(hw.QTXEna(q.ID), false); err != nil {
		errs = append(errs, fmt.Errorf("disable tx queue %d: %w", q.ID, err))
	}
	if err := q.request(hw.QRXEna(q.ID), false); err != nil {
		errs = append(errs, fmt.Errorf("disable rx queue %d: %w", q.ID, err))
	}

	q.regs.Write32(hw.QINTTQCtl(q.ID), 0)
	q.regs.Write32(hw.QINTRQCtl(q.ID), 0)

	if dropped := q.Tx.drain(); dropped > 0 {
		q.l.WithField("dropped", dropped).Debug("Dropped unsent packets while disabling queue pair")
	}
	q.Rx.drain()

	q.l.Debug("Queue pair disabled")
	return errors.Join(errs...)
}

// request flips the enable request bit in reg and waits for the status bit to
// follow.
func (q *QueuePair) request(reg uint32, on bool) error {
	v := q.regs.Read32(reg)
	if on {
		v |= hw.QEnaReq
	} else {
		v &^= hw.QEnaReq
	}
	q.regs.Write32(reg, v)

	err := poll.Until(q.cfg.Clock, q.cfg.EnablePolicy, func() bool {
		return (q.regs.Read32(reg)&hw.QEnaStat != 0) == on
	})
	if err != nil {
		return fmt.Errorf("%w: queue status did not follow request: %w", adminq.ErrChannelTimeout, err)
	}
	return nil
}

// Close releases both rings and their buffers. The pair must be disabled.
func (q *QueuePair) Close() error {
	q.Lock()
	defer q.Unlock()

	if q.enabled.Load() {
		return fmt.Errorf("queue %d: close while enabled", q.ID)
	}
	return errors.Join(q.Tx.release(), q.Rx.release())
}

// Send places pkt on the transmit ring. Completed transmissions are reclaimed
// first when the ring is short of room for a full packet.
func (q *QueuePair) Send(pkt *Packet) error {
	q.Lock()
	defer q.Unlock()

	if !q.enabled.Load() {
		return ErrQueueDisabled
	}
	if q.Tx.ring.Free() < q.cfg.MaxSegments {
		q.Tx.Reclaim(-1)
	}
	return q.Tx.Enqueue(pkt)
}

// Process reclaims transmit completions and reaps received packets, each
// bounded by budget, handing packets to the pair's handler. It reports
// whether work remained when the budget ran out. The caller holds the lock.
func (q *QueuePair) Process(budget int) bool {
	if !q.enabled.Load() {
		return false
	}

	_, txMore := q.Tx.Reclaim(budget)
	pkts, rxMore := q.Rx.Reap(budget)
	if len(pkts) > 0 && q.deliver != nil {
		q.deliver(pkts)
	}
	return txMore || rxMore
}

// Rearm re-enables the pair's interrupt vector after processing.
func (q *QueuePair) Rearm() {
	Rearm(q.regs, q.Vector)
}

// Rearm writes the dynamic control register of vector v so it can fire again.
func Rearm(regs hw.Registers, v int) {
	ctl := hw.DynCtlIntEna | hw.DynCtlClearPBA | hw.DynCtlITRNone
	if v == 0 {
		regs.Write32(hw.PFINTDynCtl0, ctl)
		return
	}
	regs.Write32(hw.PFINTDynCtlN(v), ctl)
}
