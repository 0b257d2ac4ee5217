// Package dma provides device-visible memory for descriptor rings, command
// buffers and packet buffers.
//
// A Buffer pairs a CPU view of memory with the bus address the device uses to
// reach it. Ownership of a buffer's contents crosses between CPU and device;
// every crossing must be bracketed by Sync so that on platforms without cache
// coherent DMA the right flush or invalidate happens.
package dma

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrNoMemory is returned when an allocator or pool cannot satisfy a request.
	ErrNoMemory = errors.New("dma memory exhausted")

	// ErrBadAddress is returned when a bus address does not resolve to an allocation.
	ErrBadAddress = errors.New("bad dma address")
)

// Addr is a device bus address.
type Addr uint64

// SyncOp names the direction of an ownership crossing.
type SyncOp int

const (
	// SyncForDevice is issued after the CPU wrote memory the device will read.
	SyncForDevice SyncOp = iota
	// SyncForCPU is issued before the CPU reads memory the device wrote.
	SyncForCPU
)

func (s SyncOp) String() string {
	switch s {
	case SyncForDevice:
		return "for-device"
	case SyncForCPU:
		return "for-cpu"
	default:
		return fmt.Sprintf("SyncOp(%d)", int(s))
	}
}

// Buffer is a contiguous device-visible region.
type Buffer struct {
	b    []byte
	addr Addr

	// mapping is the whole page-rounded region behind b, set only for
	// buffers that own their memory.
	mapping []byte

	// parent is set for buffers carved out of a pool chunk.
	parent *Buffer

	syncs [2]atomic.Uint64
}

// Bytes returns the CPU view of the buffer.
func (b *Buffer) Bytes() []byte { return b.b }

// Addr returns the bus address of the first byte.
func (b *Buffer) Addr() Addr { return b.addr }

// Len returns the size of the buffer in bytes.
func (b *Buffer) Len() int { return len(b.b) }

// Sync marks an ownership crossing. The mmap backed memory used here is cache
// coherent so no flush is needed; the counters make missed crossings visible in
// tests and debug output.
func (b *Buffer) Sync(op SyncOp) {
	b.syncs[op].Add(1)
	if b.parent != nil {
		b.parent.syncs[op].Add(1)
	}
}

// Syncs reports how many crossings of the given kind were recorded.
func (b *Buffer) Syncs(op SyncOp) uint64 {
	return b.syncs[op].Load()
}

// Slice returns a sub-buffer sharing memory with b.
func (b *Buffer) Slice(off, n int) *Buffer {
	if off < 0 || n < 0 || off+n > len(b.b) {
		panic(fmt.Sprintf("dma slice [%d:%d] out of range for buffer of %d bytes", off, off+n, len(b.b)))
	}
	return &Buffer{b: b.b[off : off+n : off+n], addr: b.addr + Addr(off), parent: b}
}

// Allocator hands out device-visible memory.
type Allocator interface {
	// Alloc returns a zeroed buffer of at least size bytes whose bus address is
	// aligned to align bytes.
	Alloc(size, align int) (*Buffer, error)

	// Free releases a buffer returned by Alloc.
	Free(b *Buffer) error
}

// Resolver maps bus addresses back to memory, the way a device's DMA engine would.
type Resolver interface {
	Resolve(addr Addr, n int) ([]byte, error)
}
