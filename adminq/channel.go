// Package adminq implements the admin queue: the command, completion and
// event channel between the driver and the device firmware.
//
// Commands are written into a submit ring (ATQ) and completed in place by the
// firmware, which advances the ATQ head register. Unsolicited events arrive on
// a receive ring (ARQ) into buffers the driver posts in advance. Each command
// is tracked in a generation-checked arena and resolves exactly once: with the
// firmware's completion, with ErrCancelled, or with ErrChannelTimeout.
package adminq

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/ixl/dma"
	"github.com/slackhq/ixl/hw"
	"github.com/slackhq/ixl/poll"
	"github.com/slackhq/ixl/ring"
)

// State is the channel lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateArmed
	StateOperating
	StateDraining
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateArmed:
		return "armed"
	case StateOperating:
		return "operating"
	case StateDraining:
		return "draining"
	case StateDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Result is what a command resolves with.
type Result struct {
	Desc Descriptor
	// Data is the prefix of the caller's buffer the firmware filled in.
	Data []byte
	Err  error
}

// Callback receives a command's result. It runs without the channel lock held
// and may submit new commands.
type Callback func(Result)

var errArmMismatch = errors.New("admin queue registers did not read back")

// Channel is the admin queue.
type Channel struct {
	l     *logrus.Entry
	regs  hw.Registers
	alloc dma.Allocator
	opts  options

	mu       sync.Mutex
	state    State
	stall    error
	atq      *ring.Ring[rawDescriptor]
	arq      *ring.Ring[rawDescriptor]
	atqBufs  []*dma.Buffer
	arqBufs  []*dma.Buffer
	pool     *dma.Pool
	pending  *arena
	wheel    *timerWheel[Handle]
	handlers map[Opcode]EventHandler
	version  Version

	m *opMetrics
}

// New builds a channel. Nothing touches the device until Init.
func New(l *logrus.Logger, regs hw.Registers, alloc dma.Allocator, opts ...Option) (*Channel, error) {
	o := optionDefaults
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, fmt.Errorf("invalid admin queue options: %w", err)
	}

	reg := o.metrics
	if reg == nil {
		reg = metrics.NewRegistry()
	}

	return &Channel{
		l:        l.WithField("subsystem", "adminq"),
		regs:     regs,
		alloc:    alloc,
		opts:     o,
		handlers: make(map[Opcode]EventHandler),
		m:        newOpMetrics(reg),
	}, nil
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Version is the firmware version learned during the arming handshake.
func (c *Channel) Version() Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Stalled returns the timeout that stalled the channel, or nil. A stalled
// channel refuses submissions until Reset.
func (c *Channel) Stalled() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stall
}

// Outstanding reports how many commands have not resolved yet.
func (c *Channel) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return 0
	}
	return c.pending.outstanding()
}

// Init programs both rings and performs the version handshake, retrying the
// whole sequence a bounded number of times. On success the channel is Operating.
func (c *Channel) Init() error {
	c.mu.Lock()
	if c.state != StateUninitialized && c.state != StateDisabled {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("admin queue init in state %s", st)
	}
	err := c.allocLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	err = retry.Do(
		func() error {
			if err := c.arm(); err != nil {
				return err
			}

			v, err := c.GetVersion()
			if err != nil {
				c.disarm()
				return err
			}

			c.mu.Lock()
			c.version = v
			c.state = StateOperating
			c.mu.Unlock()
			return nil
		},
		retry.Attempts(c.opts.armAttempts),
		retry.Delay(c.opts.armDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.l.WithError(err).WithField("attempt", n+1).Warn("Admin queue handshake failed, retrying")
		}),
	)
	if err != nil {
		c.mu.Lock()
		c.releaseLocked()
		c.state = StateUninitialized
		c.mu.Unlock()
		return fmt.Errorf("arm admin queue: %w", err)
	}

	c.l.WithField("firmware", c.Version().String()).Info("Admin queue operating")
	return nil
}

func (c *Channel) allocLocked() error {
	var err error
	c.atq, err = ring.New[rawDescriptor](c.alloc, c.opts.depth)
	if err != nil {
		return fmt.Errorf("allocate admin submit ring: %w", err)
	}

	c.arq, err = ring.New[rawDescriptor](c.alloc, c.opts.depth)
	if err != nil {
		c.releaseLocked()
		return fmt.Errorf("allocate admin receive ring: %w", err)
	}

	c.atqBufs = make([]*dma.Buffer, c.opts.depth)
	c.arqBufs = make([]*dma.Buffer, c.opts.depth)
	c.pool = dma.NewPool(c.alloc, c.opts.bufferSize, c.opts.depth, 2*c.opts.depth)
	// The arena and wheel survive re-initialisation so handles minted before a
	// reset can never alias commands submitted after it.
	if c.pending == nil {
		c.pending = newArena(c.opts.depth)
		c.wheel = newTimerWheel[Handle](c.opts.timeout/64, c.opts.timeout)
	}
	return nil
}

func (c *Channel) releaseLocked() {
	var errs []error
	if c.atq != nil {
		errs = append(errs, c.atq.Release())
		c.atq = nil
	}
	if c.arq != nil {
		errs = append(errs, c.arq.Release())
		c.arq = nil
	}
	if c.pool != nil {
		errs = append(errs, c.pool.Close())
		c.pool = nil
	}
	c.atqBufs = nil
	c.arqBufs = nil

	if err := errors.Join(errs...); err != nil {
		c.l.WithError(err).Error("Failed to release admin queue memory")
	}
}

// arm resets both rings, programs base and length, and verifies the programming
// by reading it back.
func (c *Channel) arm() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.recycleLocked()
	c.stall = nil

	if err := c.armQueue(c.atq, atqRegs); err != nil {
		return err
	}
	if err := c.armQueue(c.arq, arqRegs); err != nil {
		return err
	}

	c.state = StateArmed
	c.fillReceiveLocked()
	return nil
}

type queueRegs struct {
	bal, bah, length, head, tail uint32
}

var (
	atqRegs = queueRegs{hw.ATQBAL, hw.ATQBAH, hw.ATQLEN, hw.ATQH, hw.ATQT}
	arqRegs = queueRegs{hw.ARQBAL, hw.ARQBAH, hw.ARQLEN, hw.ARQH, hw.ARQT}
)

func (c *Channel) armQueue(r *ring.Ring[rawDescriptor], q queueRegs) error {
	addr := uint64(r.Addr())
	c.regs.Write32(q.head, 0)
	c.regs.Write32(q.tail, 0)
	c.regs.Write32(q.bal, uint32(addr))
	c.regs.Write32(q.bah, uint32(addr>>32))
	c.regs.Write32(q.length, uint32(r.Size())|hw.AQLenEnable)

	if c.regs.Read32(q.bal) != uint32(addr) || c.regs.Read32(q.bah) != uint32(addr>>32) {
		return errArmMismatch
	}
	return nil
}

// disarm undoes a failed arm attempt so the next one starts clean.
func (c *Channel) disarm() {
	c.mu.Lock()
	cbs := c.cancelAllLocked()
	c.regs.Write32(hw.ATQLEN, 0)
	c.regs.Write32(hw.ARQLEN, 0)
	c.recycleLocked()
	c.state = StateUninitialized
	c.mu.Unlock()

	runCallbacks(cbs)
}

// recycleLocked returns every slot buffer to the pool and zeroes both rings.
func (c *Channel) recycleLocked() {
	for i, b := range c.atqBufs {
		c.pool.Put(b)
		c.atqBufs[i] = nil
	}
	for i, b := range c.arqBufs {
		c.pool.Put(b)
		c.arqBufs[i] = nil
	}
	c.atq.Reset()
	c.arq.Reset()
}

// Drain resolves every outstanding command with ErrCancelled, disables both
// rings and releases their memory. The channel ends Disabled and may be
// brought back with Init.
func (c *Channel) Drain() {
	c.mu.Lock()
	if c.state != StateArmed && c.state != StateOperating {
		c.mu.Unlock()
		return
	}

	c.state = StateDraining
	// Anything the firmware already finished completes normally.
	cbs := c.reapLocked()
	cbs = append(cbs, c.cancelAllLocked()...)

	c.regs.Write32(hw.ATQLEN, 0)
	c.regs.Write32(hw.ARQLEN, 0)
	c.releaseLocked()
	c.state = StateDisabled
	c.mu.Unlock()

	runCallbacks(cbs)
	c.l.Info("Admin queue drained")
}

// Reset drains the channel and arms it again. It clears a stalled channel.
func (c *Channel) Reset() error {
	c.Drain()
	return c.Init()
}

func (c *Channel) cancelAllLocked() []func() {
	var cbs []func()
	c.pending.each(func(h Handle, p *pendingCommand) {
		c.m.cancelled.Inc(1)
		cbs = append(cbs, c.resolveLocked(h, Result{Desc: p.desc, Err: ErrCancelled})...)
	})
	return cbs
}

// resolveLocked releases the pending entry for h and returns its callback,
// bound to res. Resolving an already resolved handle is a no-op.
func (c *Channel) resolveLocked(h Handle, res Result) []func() {
	p := c.pending.lookup(h)
	if p == nil {
		return nil
	}

	done := p.done
	c.pending.release(h)
	if res.Err != nil && !errors.Is(res.Err, ErrCancelled) {
		c.m.failed.Inc(1)
	}
	if done == nil {
		if res.Err != nil && !errors.Is(res.Err, ErrCancelled) {
			c.l.WithError(res.Err).WithField("opcode", res.Desc.Opcode).Debug("Unobserved admin command failed")
		}
		return nil
	}
	return []func(){func() { done(res) }}
}

func runCallbacks(cbs []func()) {
	for _, cb := range cbs {
		cb()
	}
}

// Option configures a Channel.
type Option func(*options)

type options struct {
	depth        int
	bufferSize   int
	timeout      time.Duration
	pollInterval time.Duration
	clock        poll.Clock
	armAttempts  uint
	armDelay     time.Duration
	busyAttempts uint
	busyDelay    time.Duration
	metrics      metrics.Registry
}

var optionDefaults = options{
	depth:        32,
	bufferSize:   4096,
	timeout:      time.Second,
	pollInterval: time.Millisecond,
	clock:        poll.System,
	armAttempts:  3,
	armDelay:     10 * time.Millisecond,
	busyAttempts: 5,
	busyDelay:    10 * time.Millisecond,
}

func (o *options) validate() error {
	if err := ring.CheckSize(o.depth); err != nil {
		return err
	}
	if o.depth > int(hw.AQLenMask)+1 {
		return fmt.Errorf("depth %d exceeds the admin queue maximum %d", o.depth, hw.AQLenMask+1)
	}
	if o.bufferSize <= 0 || o.bufferSize > 0xffff {
		return fmt.Errorf("buffer size %d out of range", o.bufferSize)
	}
	if o.timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if o.armAttempts == 0 || o.busyAttempts == 0 {
		return fmt.Errorf("retry attempts must be positive")
	}
	return nil
}

// WithDepth sets the number of slots in each ring.
func WithDepth(n int) Option { return func(o *options) { o.depth = n } }

// WithBufferSize sets the size of attached command and event buffers.
func WithBufferSize(n int) Option { return func(o *options) { o.bufferSize = n } }

// WithTimeout sets the deadline applied to asynchronous commands.
func WithTimeout(d time.Duration) Option { return func(o *options) { o.timeout = d } }

// WithPollInterval sets how often polled commands check the head register.
func WithPollInterval(d time.Duration) Option { return func(o *options) { o.pollInterval = d } }

// WithClock replaces the wall clock, for tests.
func WithClock(c poll.Clock) Option { return func(o *options) { o.clock = c } }

// WithArmRetries bounds the ring programming and handshake attempts.
func WithArmRetries(attempts uint, delay time.Duration) Option {
	return func(o *options) {
		o.armAttempts = attempts
		o.armDelay = delay
	}
}

// WithBusyRetries bounds transparent retries of firmware EBUSY for idempotent requests.
func WithBusyRetries(attempts uint, delay time.Duration) Option {
	return func(o *options) {
		o.busyAttempts = attempts
		o.busyDelay = delay
	}
}

// WithMetrics registers the channel's counters in r.
func WithMetrics(r metrics.Registry) Option { return func(o *options) { o.metrics = r } }
