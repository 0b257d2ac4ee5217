package sim

import (
	"github.com/slackhq/ixl/hw"
)

// vector models one MSI-X vector. It starts masked; writing INTENA to its
// dynamic control register unmasks it. Firing masks it again until the next
// re-arm, and a cause raised while masked is remembered and delivered on
// unmask.
type vector struct {
	line    chan struct{}
	masked  bool
	pending bool
	fired   uint64
}

func newVector() *vector {
	return &vector{line: make(chan struct{}, 1), masked: true}
}

func (v *vector) raise() {
	if v.masked {
		v.pending = true
		return
	}
	v.masked = true
	v.pending = false
	v.fired++
	select {
	case v.line <- struct{}{}:
	default:
	}
}

// Vectors implements hw.Interrupts.
func (d *Device) Vectors() int { return len(d.vecs) }

// Line implements hw.Interrupts.
func (d *Device) Line(v int) <-chan struct{} { return d.vecs[v].line }

// Fired reports how many times vector v has fired.
func (d *Device) Fired(v int) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vecs[v].fired
}

// Masked reports whether vector v is waiting to be re-armed.
func (d *Device) Masked(v int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vecs[v].masked
}

func (d *Device) dynCtlLocked(n int, ctl uint32) {
	if n >= len(d.vecs) {
		return
	}
	v := d.vecs[n]

	if ctl&hw.DynCtlIntEna != 0 {
		v.masked = false
		if v.pending {
			v.raise()
		}
	}
	if ctl&hw.DynCtlSWIntTrg != 0 {
		v.raise()
	}
}

// raiseAdminLocked records an admin queue cause and fires vector 0 if the
// cause is enabled.
func (d *Device) raiseAdminLocked() {
	d.icr0 |= hw.ICR0AdminQ
	if d.regs[hw.PFINTICR0Ena]&hw.ICR0AdminQ != 0 && len(d.vecs) > 0 {
		d.vecs[0].raise()
	}
}

// raiseQueueLocked fires the vector a queue cause is routed to.
func (d *Device) raiseQueueLocked(ctlReg uint32) {
	ctl := d.regs[ctlReg]
	if ctl&hw.QIntCtlCauseEna == 0 {
		return
	}

	n := int(ctl >> hw.QIntCtlMSIXShift & hw.QIntCtlMSIXMask)
	if n >= len(d.vecs) {
		return
	}
	if n == 0 {
		d.icr0 |= hw.ICR0Queue0
	}
	d.vecs[n].raise()
}
