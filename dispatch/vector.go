package dispatch

import (
	"sync/atomic"
	"time"

	"github.com/slackhq/ixl/hw"
	"github.com/slackhq/ixl/txrx"
)

// maxThrottle is the largest interval an ITR register can hold, in 2us units.
const maxThrottle = 0xff0

// Vector is one interrupt vector and the tasks whose causes are routed to it.
// The device masks a vector when it fires; it is re-armed once every task it
// started has gone idle again.
type Vector struct {
	ID int

	regs  hw.Registers
	tasks []*Task
	other Other
	d     *Dispatcher

	busy atomic.Int32
}

// Tasks returns the tasks served by the vector.
func (v *Vector) Tasks() []*Task { return v.tasks }

// Fire runs everything routed to the vector: the admin side for vector 0, then
// every queue pair task.
func (v *Vector) Fire() {
	v.d.m.fired.Inc(1)
	v.hold()
	if v.other != nil {
		v.other.Fire()
	}
	for _, t := range v.tasks {
		t.Interrupt()
	}
	v.release()
}

// SetThrottle programs the vector's interrupt throttle interval. Zero turns
// throttling off; intervals beyond what the register holds are clamped.
func (v *Vector) SetThrottle(d time.Duration) {
	units := uint32(d / (2 * time.Microsecond))
	if units > maxThrottle {
		units = maxThrottle
	}
	if v.ID == 0 {
		v.regs.Write32(hw.PFINTITR0, units)
		return
	}
	v.regs.Write32(hw.PFINTITRN(0, v.ID), units)
}

func (v *Vector) hold() { v.busy.Add(1) }

func (v *Vector) release() {
	if v.busy.Add(-1) == 0 {
		v.rearm()
	}
}

func (v *Vector) rearm() {
	txrx.Rearm(v.regs, v.ID)
}
