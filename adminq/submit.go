package adminq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/slackhq/ixl/dma"
	"github.com/slackhq/ixl/hw"
	"github.com/slackhq/ixl/poll"
)

// Submit queues a command without waiting for it. The command still resolves
// exactly once; failures are logged since nobody observes them.
func (c *Channel) Submit(d Descriptor, buf []byte) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submitLocked(d, buf, nil, 0)
}

// Async queues a command and arranges for done to be called with its result.
// The firmware is asked to interrupt on completion; the completion is picked up
// by ReapCompletions. If the firmware does not answer within the channel
// timeout the command resolves with ErrChannelTimeout from ExpireTimeouts.
func (c *Channel) Async(d Descriptor, buf []byte, done Callback) (Handle, error) {
	d.Flags |= FlagSI

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submitLocked(d, buf, done, c.opts.timeout)
}

// Poll submits a command and busy-waits, holding the channel lock, until the
// device has consumed it or timeout elapses. It is used before interrupts are
// available. A timeout stalls the channel: later submissions fail with
// ErrChannelTimeout until Reset.
func (c *Channel) Poll(d Descriptor, buf []byte, timeout time.Duration) (Result, error) {
	var (
		res      Result
		resolved bool
	)
	done := func(r Result) {
		res = r
		resolved = true
	}

	c.mu.Lock()
	h, err := c.submitLocked(d, buf, done, 0)
	if err != nil {
		c.mu.Unlock()
		return Result{}, err
	}

	target := c.atq.Prod()
	err = poll.Until(c.opts.clock, poll.Fixed(c.opts.pollInterval, timeout), func() bool {
		return c.regs.Read32(hw.ATQH)&hw.AQHeadMask == target
	})

	var cbs []func()
	if err != nil {
		c.m.timeouts.Inc(1)
		terr := fmt.Errorf("%w: %s not consumed after %s", ErrChannelTimeout, d.Opcode, timeout)
		cbs = c.resolveLocked(h, Result{Desc: d, Err: terr})
		c.stallLocked(d.Opcode, terr)
	}
	cbs = append(cbs, c.reapLocked()...)
	c.mu.Unlock()

	runCallbacks(cbs)
	if !resolved {
		// The head register moved past our slot but the slot carried somebody
		// else's cookie. Only a device bug gets here.
		return Result{}, fmt.Errorf("%w: %s completion was lost", ErrChannelTimeout, d.Opcode)
	}
	return res, res.Err
}

// Exec submits a command asynchronously and blocks until it resolves or ctx is
// done. On ctx expiry the command is cancelled and ErrChannelTimeout returned.
// Completions must be reaped by another goroutine, normally the interrupt path.
func (c *Channel) Exec(ctx context.Context, d Descriptor, buf []byte) (Result, error) {
	ch := make(chan Result, 1)
	h, err := c.Async(d, buf, func(r Result) { ch <- r })
	if err != nil {
		return Result{}, err
	}

	select {
	case r := <-ch:
		return r, r.Err
	case <-ctx.Done():
		if !c.Cancel(h) {
			// Resolved while we were giving up.
			r := <-ch
			return r, r.Err
		}
		return Result{}, fmt.Errorf("%w: %s: %w", ErrChannelTimeout, d.Opcode, ctx.Err())
	}
}

// ExecIdempotent is Exec with bounded transparent retries while the firmware
// answers EBUSY. Only use it for requests that are safe to repeat.
func (c *Channel) ExecIdempotent(ctx context.Context, d Descriptor, buf []byte) (Result, error) {
	var res Result
	err := c.retryBusy(func() error {
		var err error
		res, err = c.Exec(ctx, d, buf)
		return err
	})
	return res, err
}

func (c *Channel) retryBusy(fn func() error) error {
	return retry.Do(
		fn,
		retry.Attempts(c.opts.busyAttempts),
		retry.Delay(c.opts.busyDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, RCEBUSY)
		}),
		retry.OnRetry(func(n uint, err error) {
			c.l.WithError(err).WithField("attempt", n+1).Debug("Firmware busy, retrying")
		}),
	)
}

// Cancel resolves a still outstanding command with ErrCancelled. It returns
// false if the command already resolved. A completion arriving later for the
// cancelled command is discarded.
func (c *Channel) Cancel(h Handle) bool {
	c.mu.Lock()
	p := c.pending.lookup(h)
	if p == nil {
		c.mu.Unlock()
		return false
	}
	c.m.cancelled.Inc(1)
	cbs := c.resolveLocked(h, Result{Desc: p.desc, Err: ErrCancelled})
	c.mu.Unlock()

	runCallbacks(cbs)
	return true
}

// ReapCompletions resolves every command the device has consumed since the
// last call and returns how many slots were reclaimed.
func (c *Channel) ReapCompletions() int {
	c.mu.Lock()
	if c.atq == nil {
		c.mu.Unlock()
		return 0
	}
	before := c.atq.Cons()
	cbs := c.reapLocked()
	n := int((c.atq.Cons() - before) & uint32(c.atq.Size()-1))
	c.mu.Unlock()

	runCallbacks(cbs)
	return n
}

// ExpireTimeouts resolves asynchronous commands whose deadline has passed
// with ErrChannelTimeout. Completions already written back are reaped first,
// so an expired command is one the firmware never consumed and the channel
// is stalled until Reset.
func (c *Channel) ExpireTimeouts() int {
	c.mu.Lock()
	if c.wheel == nil {
		c.mu.Unlock()
		return 0
	}

	now := c.opts.clock.Now()
	c.wheel.Advance(now)

	var cbs []func()
	if c.atq != nil {
		cbs = c.reapLocked()
	}
	n := 0
	for {
		h, ok := c.wheel.Purge()
		if !ok {
			break
		}

		p := c.pending.lookup(h)
		if p == nil {
			continue
		}
		if now.Before(p.deadline) {
			// Clamped to the wheel's span; put it back for the remainder.
			c.wheel.Add(h, p.deadline.Sub(now))
			continue
		}

		n++
		c.m.timeouts.Inc(1)
		op := p.desc.Opcode
		err := fmt.Errorf("%w: no completion for %s", ErrChannelTimeout, op)
		cbs = append(cbs, c.resolveLocked(h, Result{Desc: p.desc, Err: err})...)
		c.stallLocked(op, err)
	}
	c.mu.Unlock()

	runCallbacks(cbs)
	return n
}

func (c *Channel) submitLocked(d Descriptor, buf []byte, done Callback, timeout time.Duration) (Handle, error) {
	switch {
	case c.state != StateArmed && c.state != StateOperating:
		return Handle{}, fmt.Errorf("%w: %s", ErrNotOperating, c.state)
	case c.stall != nil:
		return Handle{}, fmt.Errorf("channel stalled: %w", c.stall)
	case len(buf) > c.opts.bufferSize:
		return Handle{}, fmt.Errorf("%w: %d bytes, limit %d", ErrBufferTooLarge, len(buf), c.opts.bufferSize)
	case c.atq.Free() == 0:
		return Handle{}, ErrQueueFull
	}

	h, p, ok := c.pending.alloc()
	if !ok {
		// Every slot of the arena belongs to a command whose ring slot is
		// still occupied, so the ring is full too.
		return Handle{}, ErrQueueFull
	}

	slot := c.atq.Prod()
	d.Flags &^= deviceFlags
	d.RetVal = 0
	d.Cookie = h.cookie()

	if len(buf) > 0 {
		b, err := c.pool.Get()
		if err != nil {
			c.pending.release(h)
			return Handle{}, fmt.Errorf("admin buffer: %w", err)
		}

		if d.Flags&FlagRD != 0 {
			copy(b.Bytes(), buf)
		} else {
			clear(b.Bytes()[:len(buf)])
		}
		d.Flags |= FlagBUF
		if len(buf) > LargeBuffer {
			d.Flags |= FlagLB
		}
		d.DataLen = uint16(len(buf))
		d.SetAddr(uint64(b.Addr()))
		b.Sync(dma.SyncForDevice)
		c.atqBufs[slot] = b
	} else {
		d.DataLen = 0
	}

	p.desc = d
	p.buf = buf
	p.done = done
	if timeout > 0 {
		now := c.opts.clock.Now()
		p.deadline = now.Add(timeout)
		c.wheel.Advance(now)
		c.wheel.Add(h, timeout)
	}

	if err := d.MarshalTo(c.atq.Slot(slot)[:]); err != nil {
		c.pool.Put(c.atqBufs[slot])
		c.atqBufs[slot] = nil
		c.pending.release(h)
		return Handle{}, err
	}
	c.atq.Mem().Sync(dma.SyncForDevice)
	c.atq.Produce(1)
	c.regs.Write32(hw.ATQT, c.atq.Prod())
	c.m.Tx(d.Opcode)

	return h, nil
}

// stallLocked records the first timeout that stalled the channel.
func (c *Channel) stallLocked(op Opcode, err error) {
	if c.stall != nil {
		return
	}
	c.stall = err
	c.l.WithError(err).WithField("opcode", op).Error("Admin queue stalled")
}

// reapLocked walks the submit ring from the consumer to the device head.
func (c *Channel) reapLocked() []func() {
	head := c.regs.Read32(hw.ATQH) & hw.AQHeadMask
	if c.atq.Pending(head) > c.atq.Used() {
		c.l.WithField("head", head).WithField("prod", c.atq.Prod()).Error("Admin queue head out of range")
		return nil
	}

	var cbs []func()
	for c.atq.Cons() != head {
		slot := c.atq.Cons()
		c.atq.Mem().Sync(dma.SyncForCPU)

		var d Descriptor
		err := d.UnmarshalFrom(c.atq.Slot(slot)[:])

		b := c.atqBufs[slot]
		c.atqBufs[slot] = nil

		var p *pendingCommand
		h, ok := handleFromCookie(d.Cookie)
		if err == nil && ok {
			p = c.pending.lookup(h)
		}

		if p == nil {
			c.m.stale.Inc(1)
			c.l.WithField("opcode", d.Opcode).WithField("cookie", d.Cookie).Debug("Discarding stale admin completion")
		} else {
			if d.Flags&FlagDD == 0 {
				c.l.WithField("opcode", d.Opcode).Warn("Admin completion without DD")
			}

			res := Result{Desc: d, Err: d.Err()}
			if b != nil && p.desc.Flags&FlagRD == 0 && len(p.buf) > 0 {
				b.Sync(dma.SyncForCPU)
				n := min(int(d.DataLen), len(p.buf))
				copy(p.buf, b.Bytes()[:n])
				res.Data = p.buf[:n]
			}
			cbs = append(cbs, c.resolveLocked(h, res)...)
		}

		c.pool.Put(b)
		c.atq.Consume(1)
	}

	return cbs
}
