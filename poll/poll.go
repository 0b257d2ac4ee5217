// Package poll implements bounded busy-waiting against device state.
//
// Every place that waits for hardware (admin queue head, queue enable status,
// channel arming) goes through Until with a declarative Policy so timeouts are
// uniform and testable with a FakeClock.
package poll

import (
	"errors"
	"time"
)

// ErrDeadline is returned by Until when the condition did not become true
// before the policy's timeout elapsed.
var ErrDeadline = errors.New("poll deadline exceeded")

// Policy describes how to wait for a condition.
type Policy struct {
	// Interval is the initial delay between condition checks. Zero means one nanosecond.
	Interval time.Duration

	// MaxInterval caps the interval when Backoff grows it. Zero means no cap.
	MaxInterval time.Duration

	// Backoff multiplies the interval after each failed check. Values <= 1 keep it fixed.
	Backoff float64

	// Timeout is the total time allowed before giving up.
	Timeout time.Duration
}

// Fixed returns a policy that checks every interval until timeout.
func Fixed(interval, timeout time.Duration) Policy {
	return Policy{Interval: interval, Timeout: timeout}
}

func (p Policy) next(d time.Duration) time.Duration {
	if p.Backoff <= 1 {
		return d
	}

	n := time.Duration(float64(d) * p.Backoff)
	if p.MaxInterval > 0 && n > p.MaxInterval {
		n = p.MaxInterval
	}
	return n
}

// Until checks cond until it returns true or the policy's timeout elapses on
// clock c. The deadline error is only returned once the clock reads at or past
// start+Timeout, and cond is always given one last check at the deadline.
func Until(c Clock, p Policy, cond func() bool) error {
	deadline := c.Now().Add(p.Timeout)
	interval := p.Interval
	if interval <= 0 {
		interval = time.Nanosecond
	}

	for {
		if cond() {
			return nil
		}

		now := c.Now()
		if !now.Before(deadline) {
			return ErrDeadline
		}

		wait := interval
		if rem := deadline.Sub(now); wait > rem {
			wait = rem
		}
		c.Sleep(wait)
		interval = p.next(interval)
	}
}
