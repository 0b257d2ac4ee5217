package adminq

import (
	"github.com/slackhq/ixl/dma"
	"github.com/slackhq/ixl/hw"
)

// Event is an unsolicited message from the firmware.
type Event struct {
	Desc Descriptor
	Data []byte
}

// EventHandler consumes events of one opcode. It runs without the channel lock.
type EventHandler func(Event)

// Handle registers fn for events carrying op, replacing any previous handler.
func (c *Channel) Handle(op Opcode, fn EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		delete(c.handlers, op)
		return
	}
	c.handlers[op] = fn
}

// FillReceive posts a buffer into every free receive slot and returns how many
// were posted. A pool shortfall leaves the ring partly filled.
func (c *Channel) FillReceive() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.arq == nil {
		return 0
	}
	return c.fillReceiveLocked()
}

func (c *Channel) fillReceiveLocked() int {
	n := 0
	for c.arq.Free() > 0 {
		b, err := c.pool.Get()
		if err != nil {
			c.l.WithError(err).Warn("Admin receive ring under-populated")
			break
		}

		slot := c.arq.Prod()
		d := Descriptor{Flags: FlagBUF, DataLen: uint16(b.Len())}
		if b.Len() > LargeBuffer {
			d.Flags |= FlagLB
		}
		d.SetAddr(uint64(b.Addr()))
		if err := d.MarshalTo(c.arq.Slot(slot)[:]); err != nil {
			c.pool.Put(b)
			break
		}
		b.Sync(dma.SyncForDevice)

		c.arqBufs[slot] = b
		c.arq.Produce(1)
		n++
	}

	if n > 0 {
		c.arq.Mem().Sync(dma.SyncForDevice)
		c.regs.Write32(hw.ARQT, c.arq.Prod())
	}
	return n
}

// ReapEvents dispatches every event the firmware has written since the last
// call, replenishes the receive ring, and returns how many events were read.
func (c *Channel) ReapEvents() int {
	c.mu.Lock()
	if c.arq == nil {
		c.mu.Unlock()
		return 0
	}

	head := c.regs.Read32(hw.ARQH) & hw.AQHeadMask
	if c.arq.Pending(head) > c.arq.Used() {
		c.mu.Unlock()
		c.l.WithField("head", head).Error("Admin receive head out of range")
		return 0
	}

	var (
		cbs []func()
		n   int
	)
	for c.arq.Cons() != head {
		slot := c.arq.Cons()
		c.arq.Mem().Sync(dma.SyncForCPU)

		var d Descriptor
		err := d.UnmarshalFrom(c.arq.Slot(slot)[:])

		b := c.arqBufs[slot]
		c.arqBufs[slot] = nil

		if err == nil {
			ev := Event{Desc: d}
			if b != nil && d.Flags&FlagBUF != 0 && d.DataLen > 0 {
				b.Sync(dma.SyncForCPU)
				ev.Data = append([]byte(nil), b.Bytes()[:min(int(d.DataLen), b.Len())]...)
			}

			c.m.Rx(d.Opcode)
			if h, ok := c.handlers[d.Opcode]; ok {
				cbs = append(cbs, func() { h(ev) })
			} else {
				c.l.WithField("opcode", d.Opcode).Debug("Unhandled admin event")
			}
		}

		c.pool.Put(b)
		c.arq.Consume(1)
		n++
	}

	c.fillReceiveLocked()
	c.mu.Unlock()

	runCallbacks(cbs)
	return n
}
