// Package link tracks the port's link state through the admin queue.
//
// The firmware posts a single link event after get_link_status was issued with
// events enabled, so the monitor re-arms with an asynchronous get_link_status
// after every event.
package link

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/ixl/adminq"
)

// Channel is the part of the admin queue the monitor uses.
type Channel interface {
	Poll(d adminq.Descriptor, buf []byte, timeout time.Duration) (adminq.Result, error)
	Async(d adminq.Descriptor, buf []byte, done adminq.Callback) (adminq.Handle, error)
	Handle(op adminq.Opcode, fn adminq.EventHandler)
}

// Monitor keeps the current link state and reports changes.
type Monitor struct {
	l       *logrus.Entry
	ch      Channel
	timeout time.Duration
	notify  func(State)

	mu      sync.Mutex
	state   State
	raw     adminq.LinkStatus
	running bool

	events   metrics.Counter
	changes  metrics.Counter
	failures metrics.Counter
}

// New builds a monitor. notify, if set, is called with every new state and
// runs on whatever goroutine reaped the event or completion.
func New(l *logrus.Logger, ch Channel, timeout time.Duration, reg metrics.Registry, notify func(State)) *Monitor {
	return &Monitor{
		l:        l.WithField("subsystem", "link"),
		ch:       ch,
		timeout:  timeout,
		notify:   notify,
		events:   metrics.GetOrRegisterCounter("link.events", reg),
		changes:  metrics.GetOrRegisterCounter("link.changes", reg),
		failures: metrics.GetOrRegisterCounter("link.failures", reg),
	}
}

// Start subscribes to link events and polls the current state once, arming
// the first event.
func (m *Monitor) Start() error {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	m.ch.Handle(adminq.OpGetLinkStatus, m.onEvent)

	res, err := m.ch.Poll(adminq.LinkStatusRequest(true), nil, m.timeout)
	if err != nil {
		m.ch.Handle(adminq.OpGetLinkStatus, nil)
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return fmt.Errorf("get link status: %w", err)
	}
	m.update(adminq.DecodeLinkStatus(res.Desc))
	return nil
}

// Stop unsubscribes and asks the firmware to stop posting link events. A
// failure to disarm is logged; the channel may already be gone.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.ch.Handle(adminq.OpGetLinkStatus, nil)
	if _, err := m.ch.Poll(adminq.LinkStatusRequest(false), nil, m.timeout); err != nil {
		m.l.WithError(err).Debug("Failed to disable link events")
	}
}

// State returns the last known link state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Raw returns the last link status the firmware reported.
func (m *Monitor) Raw() adminq.LinkStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.raw
}

func (m *Monitor) onEvent(ev adminq.Event) {
	m.events.Inc(1)
	m.update(adminq.DecodeLinkStatus(ev.Desc))
	m.rearm()
}

func (m *Monitor) rearm() {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	if !running {
		return
	}

	_, err := m.ch.Async(adminq.LinkStatusRequest(true), nil, m.onStatus)
	if err != nil {
		m.failures.Inc(1)
		m.l.WithError(err).Warn("Failed to re-arm link events")
	}
}

func (m *Monitor) onStatus(r adminq.Result) {
	if r.Err != nil {
		if !errors.Is(r.Err, adminq.ErrCancelled) {
			m.failures.Inc(1)
			m.l.WithError(r.Err).Warn("Link status request failed")
		}
		return
	}
	m.update(adminq.DecodeLinkStatus(r.Desc))
}

func (m *Monitor) update(raw adminq.LinkStatus) {
	s := Resolve(raw)

	m.mu.Lock()
	prev := m.state
	m.state = s
	m.raw = raw
	m.mu.Unlock()

	if prev == s {
		return
	}

	m.changes.Inc(1)
	m.l.WithField("up", s.Up).
		WithField("speed", s.Speed).
		WithField("duplex", s.Duplex).
		WithField("phy", s.Phy).
		WithField("medium", s.Medium).
		Info("Link state changed")

	if m.notify != nil {
		m.notify(s)
	}
}
