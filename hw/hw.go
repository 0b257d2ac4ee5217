// Package hw describes the device the driver programs: a 32-bit register file,
// a set of interrupt vectors and the DMA memory both sides share.
package hw

import (
	"github.com/slackhq/ixl/dma"
)

// Registers is the device's memory mapped register window.
type Registers interface {
	Read32(reg uint32) uint32
	Write32(reg uint32, v uint32)
}

// Interrupts delivers per-vector interrupt notifications. A vector is masked by
// the device after it fires and stays masked until the driver re-arms it
// through its dynamic control register.
type Interrupts interface {
	// Vectors reports how many vectors the device exposes.
	Vectors() int

	// Line returns the channel signalled when vector v fires.
	Line(v int) <-chan struct{}
}

// Device is everything the driver core needs from the bus layer.
type Device interface {
	Registers
	Interrupts
	DMA() dma.Allocator
}

// Read64 reads a counter split across two consecutive 32-bit registers, low
// word first.
func Read64(r Registers, reg uint32) uint64 {
	lo := r.Read32(reg)
	hi := r.Read32(reg + 4)
	return uint64(hi)<<32 | uint64(lo)
}
