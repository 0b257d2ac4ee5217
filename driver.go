package ixl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/ixl/adminq"
	"github.com/slackhq/ixl/dispatch"
	"github.com/slackhq/ixl/hmc"
	"github.com/slackhq/ixl/hw"
	"github.com/slackhq/ixl/link"
	"github.com/slackhq/ixl/ring"
	"github.com/slackhq/ixl/txrx"
)

// Driver version reported to the firmware.
const (
	versionMajor = 1
	versionMinor = 0
	versionBuild = 0
)

var (
	ErrNotAttached = errors.New("driver not attached")
	ErrNotRunning  = errors.New("driver not running")
	ErrRunning     = errors.New("driver running")
)

type driverState int32

const (
	stateDetached driverState = iota
	stateAttached
	stateConfigured
	stateRunning
)

func (s driverState) String() string {
	switch s {
	case stateDetached:
		return "detached"
	case stateAttached:
		return "attached"
	case stateConfigured:
		return "configured"
	case stateRunning:
		return "running"
	default:
		return fmt.Sprintf("driverState(%d)", int32(s))
	}
}

// Driver owns one PCI function: its admin queue, the HMC region, the queue
// pairs and the interrupt dispatcher. Configure, Start, Stop, Reset, Attach
// and Detach are serialised by one lock; Send, LinkState and Stats may be
// called concurrently with each other and with the data path.
type Driver struct {
	ID uuid.UUID

	log *logrus.Logger
	l   *logrus.Entry
	dev hw.Device
	cfg Config
	rx  txrx.Handler
	reg metrics.Registry

	mu       sync.Mutex
	state    driverState
	ch       *adminq.Channel
	behavior *Behavior
	link     *link.Monitor
	region   *hmc.Region
	disp     *dispatch.Dispatcher
	pairs    []*txrx.QueuePair

	// active is the set of pairs Send may use, nil unless running.
	active atomic.Pointer[[]*txrx.QueuePair]

	fault *faultState
	port  *portCounters

	linkUp    metrics.Gauge
	linkSpeed metrics.Gauge
}

// New builds a detached driver for dev. rx receives every packet the queue
// pairs reap; it runs on the dispatch goroutines with the pair locked.
func New(l *logrus.Logger, dev hw.Device, cfg Config, rx txrx.Handler) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id := uuid.New()
	reg := metrics.NewRegistry()
	entry := l.WithField("instance", id.String())

	return &Driver{
		ID:        id,
		log:       l,
		l:         entry,
		dev:       dev,
		cfg:       cfg,
		rx:        rx,
		reg:       reg,
		fault:     newFaultState(entry),
		port:      newPortCounters(hw.PortStats, reg),
		linkUp:    metrics.GetOrRegisterGauge("link.up", reg),
		linkSpeed: metrics.GetOrRegisterGauge("link.speed", reg),
	}, nil
}

// Metrics returns the registry every component of the driver reports into.
func (d *Driver) Metrics() metrics.Registry { return d.reg }

// Behavior returns what the function reported at attach, nil before.
func (d *Driver) Behavior() *Behavior {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.behavior
}

// SetThrottle changes the interrupt throttle interval, reprogramming the
// vectors of a configured driver.
func (d *Driver) SetThrottle(t time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cfg.Dispatch.Throttle = t
	if d.disp != nil {
		d.disp.SetThrottle(t)
	}
	d.l.WithField("throttle", t).Info("Interrupt throttle changed")
}

// Attach brings up the admin queue, learns the function's capabilities and
// starts watching the link.
func (d *Driver) Attach() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateDetached {
		return fmt.Errorf("attach in state %s", d.state)
	}
	d.fault.clear()

	ch, err := adminq.New(d.log, d.dev, d.dev.DMA(), d.cfg.adminqOptions(d.reg)...)
	if err != nil {
		return err
	}
	if err := ch.Init(); err != nil {
		return err
	}

	if err := d.attachLocked(ch); err != nil {
		ch.Drain()
		d.dev.Write32(hw.PFINTICR0Ena, 0)
		return err
	}

	d.ch = ch
	d.state = stateAttached
	d.l.WithField("firmware", d.behavior.Firmware.String()).
		WithField("queuePairs", d.behavior.QueuePairs).
		WithField("vectors", d.behavior.Vectors).
		Info("Driver attached")
	return nil
}

func (d *Driver) attachLocked(ch *adminq.Channel) error {
	d.dev.Write32(hw.PFINTICR0Ena, hw.ICR0AdminQ)

	if err := ch.DriverVersion(versionMajor, versionMinor, versionBuild, 0, "ixl"); err != nil {
		d.l.WithError(err).Warn("Failed to report driver version")
	}

	caps, err := ch.ListCapabilities()
	if err != nil {
		return fmt.Errorf("list capabilities: %w", err)
	}
	b, err := newBehavior(ch.Version(), caps, d.dev)
	if err != nil {
		return err
	}

	// The firmware's object sizes must fit what the context tables pack, for
	// every queue the function has.
	if _, err := hmc.Plan(requirements(b, b.QueuePairs)); err != nil {
		d.fault.set(err)
		return fmt.Errorf("%w: %w", ErrFaulted, err)
	}

	m := link.New(d.log, ch, d.cfg.LinkTimeout, d.reg, d.onLink)
	if err := m.Start(); err != nil {
		return err
	}

	d.behavior = b
	d.link = m
	d.port.sample(d.dev)
	return nil
}

func requirements(b *Behavior, n int) []hmc.Requirement {
	return []hmc.Requirement{
		{Type: hmc.LANTx, Count: uint32(n), MaxCount: b.HMCQueueMax, Size: b.TxContextSize, MinBits: hmc.TxQueueTable.MinBits()},
		{Type: hmc.LANRx, Count: uint32(n), MaxCount: b.HMCQueueMax, Size: b.RxContextSize, MinBits: hmc.RxQueueTable.MinBits()},
	}
}

func (d *Driver) onLink(s link.State) {
	if s.Up {
		d.linkUp.Update(1)
	} else {
		d.linkUp.Update(0)
	}
	d.linkSpeed.Update(int64(s.Speed))
}

// Configure provisions the HMC region and builds queueCount queue pairs with
// the given ring depths, replacing any previous configuration.
func (d *Driver) Configure(queueCount int, depths RingDepths) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.fault.err(); err != nil {
		return err
	}
	switch d.state {
	case stateDetached:
		return ErrNotAttached
	case stateRunning:
		return ErrRunning
	}

	if queueCount < 1 || queueCount > d.behavior.QueuePairs {
		return fmt.Errorf("queue count %d out of range 1-%d", queueCount, d.behavior.QueuePairs)
	}
	if err := ring.CheckSize(depths.Tx); err != nil {
		return fmt.Errorf("tx depth: %w", err)
	}
	if err := ring.CheckSize(depths.Rx); err != nil {
		return fmt.Errorf("rx depth: %w", err)
	}

	if err := d.unconfigureLocked(); err != nil {
		return err
	}

	layout, err := hmc.Plan(requirements(d.behavior, queueCount))
	if err != nil {
		return err
	}
	region, err := hmc.Bind(d.ch, d.dev.DMA(), layout, d.cfg.AdminQTimeout)
	if err != nil {
		return d.escalate(err)
	}

	vectors := min(d.behavior.Vectors, d.dev.Vectors())
	disp := dispatch.New(d.log, d.dev, vectors, d.cfg.Dispatch, d.reg)
	disp.SetOther(dispatch.NewAdminService(d.log, d.dev, d.ch, d.fault.set))

	qcfg := d.cfg.queueConfig(depths)
	assign := dispatch.Assign(queueCount, vectors)
	var pairs []*txrx.QueuePair
	for i := range queueCount {
		q, err := txrx.NewQueuePair(d.log, d.dev, d.dev.DMA(), i, assign[i], qcfg, d.reg, d.rx)
		if err == nil {
			_, err = disp.Add(q, assign[i])
			if err != nil {
				q.Close()
			}
		}
		if err != nil {
			errs := []error{err}
			for _, q := range pairs {
				errs = append(errs, q.Close())
			}
			errs = append(errs, region.Release())
			return errors.Join(errs...)
		}
		pairs = append(pairs, q)
	}

	d.region = region
	d.disp = disp
	d.pairs = pairs
	d.state = stateConfigured

	d.l.WithField("queuePairs", queueCount).
		WithField("vectors", vectors).
		WithField("txDepth", depths.Tx).
		WithField("rxDepth", depths.Rx).
		WithField("hmcBytes", layout.Size()).
		Info("Driver configured")
	return nil
}

// Start enables every queue pair and starts interrupt dispatch. The
// dispatcher stops when ctx is cancelled.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.fault.err(); err != nil {
		return err
	}
	switch d.state {
	case stateDetached:
		return ErrNotAttached
	case stateAttached:
		return errors.New("driver not configured")
	case stateRunning:
		return ErrRunning
	}

	for i, q := range d.pairs {
		if err := q.Enable(d.region); err != nil {
			for _, q := range d.pairs[:i] {
				q.Disable()
			}
			return d.escalate(err)
		}
	}

	if err := d.disp.Start(ctx, d.dev); err != nil {
		for _, q := range d.pairs {
			q.Disable()
		}
		return err
	}

	pairs := d.pairs
	d.active.Store(&pairs)
	d.state = stateRunning
	d.l.WithField("queuePairs", len(pairs)).Info("Driver started")
	return nil
}

// Stop halts dispatch and disables every queue pair. Packets still on the
// transmit rings are dropped.
func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateRunning {
		return nil
	}
	err := d.stopLocked()
	d.l.Info("Driver stopped")
	return d.escalate(err)
}

func (d *Driver) stopLocked() error {
	d.active.Store(nil)

	errs := []error{d.disp.Stop()}
	for _, q := range d.pairs {
		errs = append(errs, q.Disable())
	}
	d.state = stateConfigured
	return errors.Join(errs...)
}

// unconfigureLocked tears down the queue pairs and the HMC region.
func (d *Driver) unconfigureLocked() error {
	var errs []error
	if d.state == stateRunning {
		errs = append(errs, d.stopLocked())
	}
	if d.state != stateConfigured {
		return errors.Join(errs...)
	}

	for _, q := range d.pairs {
		errs = append(errs, q.Close())
	}
	errs = append(errs, d.disp.Clear(), d.region.Release())

	d.pairs = nil
	d.disp = nil
	d.region = nil
	d.state = stateAttached
	return errors.Join(errs...)
}

// Send transmits pkt on the queue pair picked by queueHint. A full ring
// returns txrx.ErrResourceExhausted for the caller to retry or drop.
func (d *Driver) Send(queueHint int, pkt *txrx.Packet) error {
	if err := d.fault.err(); err != nil {
		return err
	}
	p := d.active.Load()
	if p == nil {
		return ErrNotRunning
	}
	pairs := *p
	q := pairs[uint(queueHint)%uint(len(pairs))]

	err := q.Send(pkt)
	if errors.Is(err, txrx.ErrQueueDisabled) {
		return ErrNotRunning
	}
	return err
}

// PollEvents services the admin queue without waiting for an interrupt:
// completions, firmware events and expired command deadlines. It also folds
// the hardware counters into the running totals. It returns how many
// completions and events were handled.
func (d *Driver) PollEvents() (int, error) {
	if err := d.fault.err(); err != nil {
		return 0, err
	}

	d.mu.Lock()
	ch := d.ch
	d.mu.Unlock()
	if ch == nil {
		return 0, ErrNotAttached
	}

	n := ch.ReapCompletions() + ch.ReapEvents()
	ch.ExpireTimeouts()
	if err := ch.Stalled(); err != nil {
		d.fault.set(err)
		return n, fmt.Errorf("%w: %w", ErrFaulted, err)
	}
	d.port.sample(d.dev)
	return n, nil
}

// LinkState returns the last reported link state. A faulted or detached
// driver reports the link down.
func (d *Driver) LinkState() link.State {
	if d.fault.err() != nil {
		return link.State{}
	}

	d.mu.Lock()
	m := d.link
	d.mu.Unlock()
	if m == nil {
		return link.State{}
	}
	return m.State()
}

// Stats returns the hardware port totals and the per queue software counters.
func (d *Driver) Stats() Counters {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateDetached && d.fault.err() == nil {
		d.port.sample(d.dev)
	}

	c := Counters{Port: d.port.snapshot()}
	for _, q := range d.pairs {
		c.Queues = append(c.Queues, queueCounters(q.Stats))
	}
	return c
}

// Reset tears down any configuration, re-initialises the admin queue and
// clears a fault. The driver ends attached and must be configured again.
func (d *Driver) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == stateDetached {
		return ErrNotAttached
	}

	if err := d.unconfigureLocked(); err != nil {
		d.l.WithError(err).Warn("Errors while tearing down for reset")
	}
	d.link.Stop()

	if err := d.ch.Reset(); err != nil {
		d.fault.set(err)
		return fmt.Errorf("reset admin queue: %w", err)
	}
	d.fault.clear()

	if err := d.link.Start(); err != nil {
		return d.escalate(err)
	}

	d.l.Info("Driver reset")
	return nil
}

// Detach releases everything Attach and Configure acquired and tells the
// firmware the driver is going away.
func (d *Driver) Detach() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == stateDetached {
		return nil
	}

	err := d.unconfigureLocked()
	d.link.Stop()

	if d.fault.err() == nil {
		if err := d.ch.QueueShutdown(true); err != nil {
			d.l.WithError(err).Warn("Firmware did not acknowledge queue shutdown")
		}
	}
	d.ch.Drain()
	d.dev.Write32(hw.PFINTICR0Ena, 0)

	d.ch = nil
	d.link = nil
	d.state = stateDetached
	d.l.Info("Driver detached")
	return err
}

// escalate faults the driver when err means the device stopped answering.
func (d *Driver) escalate(err error) error {
	if err != nil && errors.Is(err, adminq.ErrChannelTimeout) {
		d.fault.set(err)
		return fmt.Errorf("%w: %w", ErrFaulted, err)
	}
	return err
}
