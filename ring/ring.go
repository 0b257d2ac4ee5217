// Package ring implements the producer/consumer descriptor ring shared with
// the device.
//
// The ring owns its descriptor memory and the two software indices. The
// producer is the next slot software will fill; the consumer is the next slot
// software will examine for device completion. The producer never advances
// onto the consumer, so a ring of N slots holds at most N-1 descriptors.
package ring

import (
	"fmt"
	"unsafe"

	"github.com/slackhq/ixl/dma"
)

// Alignment of descriptor memory. Queue context base addresses are expressed
// in 128 byte units.
const Alignment = 128

// Ring is a power-of-two sized array of device descriptors of type T.
type Ring[T any] struct {
	mem   *dma.Buffer
	desc  []T
	alloc dma.Allocator

	mask uint32
	prod uint32
	cons uint32
}

// New allocates a ring of size descriptors.
func New[T any](a dma.Allocator, size int) (*Ring[T], error) {
	if err := CheckSize(size); err != nil {
		return nil, err
	}

	var zero T
	elem := int(unsafe.Sizeof(zero))
	mem, err := a.Alloc(size*elem, Alignment)
	if err != nil {
		return nil, fmt.Errorf("allocate ring of %d descriptors: %w", size, err)
	}

	return newRing[T](mem, size, a), nil
}

func newRing[T any](mem *dma.Buffer, size int, a dma.Allocator) *Ring[T] {
	var zero T
	need := size * int(unsafe.Sizeof(zero))
	if mem.Len() < need {
		panic(fmt.Sprintf("memory size (%v) does not match required size for ring: %v", mem.Len(), need))
	}

	return &Ring[T]{
		mem:   mem,
		desc:  unsafe.Slice((*T)(unsafe.Pointer(&mem.Bytes()[0])), size),
		alloc: a,
		mask:  uint32(size - 1),
	}
}

// Size is the number of slots.
func (r *Ring[T]) Size() int { return len(r.desc) }

// Addr is the bus address of slot 0.
func (r *Ring[T]) Addr() dma.Addr { return r.mem.Addr() }

// Mem exposes the backing buffer, for syncing.
func (r *Ring[T]) Mem() *dma.Buffer { return r.mem }

// Prod returns the producer index.
func (r *Ring[T]) Prod() uint32 { return r.prod }

// Cons returns the consumer index.
func (r *Ring[T]) Cons() uint32 { return r.cons }

// Used is the number of slots between consumer and producer.
func (r *Ring[T]) Used() int { return int((r.prod - r.cons) & r.mask) }

// Free is the number of slots the producer may still fill.
func (r *Ring[T]) Free() int { return len(r.desc) - 1 - r.Used() }

// Empty reports whether every produced slot has been consumed.
func (r *Ring[T]) Empty() bool { return r.prod == r.cons }

// Next returns the index after i.
func (r *Ring[T]) Next(i uint32) uint32 { return (i + 1) & r.mask }

// Slot returns a pointer to the descriptor at index i.
func (r *Ring[T]) Slot(i uint32) *T { return &r.desc[i&r.mask] }

// Produce advances the producer by n slots.
func (r *Ring[T]) Produce(n int) {
	if n > r.Free() {
		panic(fmt.Sprintf("ring overrun: producing %d with %d free", n, r.Free()))
	}
	r.prod = (r.prod + uint32(n)) & r.mask
}

// Consume advances the consumer by n slots.
func (r *Ring[T]) Consume(n int) {
	if n > r.Used() {
		panic(fmt.Sprintf("ring underrun: consuming %d with %d used", n, r.Used()))
	}
	r.cons = (r.cons + uint32(n)) & r.mask
}

// Pending returns the number of slots from the consumer up to, but not
// including, index head as reported by the device.
func (r *Ring[T]) Pending(head uint32) int {
	return int((head - r.cons) & r.mask)
}

// Reset zeroes descriptor memory and both indices.
func (r *Ring[T]) Reset() {
	clear(r.desc)
	r.prod = 0
	r.cons = 0
}

// Release returns the descriptor memory to the allocator.
func (r *Ring[T]) Release() error {
	if r.mem == nil {
		return nil
	}
	r.desc = nil
	err := r.alloc.Free(r.mem)
	r.mem = nil
	return err
}
