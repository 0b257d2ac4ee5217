package dma

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

const pageSize = 4096

// Mmap allocates anonymous memory and assigns it synthetic bus addresses. It
// serves both sides of a simulated device: the driver allocates through it and
// the device resolves addresses through it.
type Mmap struct {
	mu     sync.Mutex
	next   Addr
	allocs []*Buffer
	used   int
	limit  int
}

// NewMmap returns an allocator. limit caps the total bytes outstanding; zero
// means unlimited.
func NewMmap(limit int) *Mmap {
	// Start away from zero so a zeroed descriptor never points at real memory.
	return &Mmap{next: 0x10_0000, limit: limit}
}

func roundUp(v, to int) int {
	return (v + to - 1) / to * to
}

func (m *Mmap) Alloc(size, align int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid dma allocation size %d", size)
	}
	if align <= 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return nil, fmt.Errorf("dma alignment %d is not a power of 2", align)
	}

	mapped := roundUp(size, pageSize)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.limit > 0 && m.used+mapped > m.limit {
		return nil, fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrNoMemory, mapped, m.used, m.limit)
	}

	b, err := unix.Mmap(-1, 0, mapped, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("allocate dma buffer: %w", err)
	}

	a := max(align, pageSize)
	addr := Addr(roundUp(int(m.next), a))
	// Leave a guard page between allocations so overruns resolve as bad addresses.
	m.next = addr + Addr(mapped) + pageSize

	buf := &Buffer{b: b[:size:size], addr: addr, mapping: b}
	m.allocs = append(m.allocs, buf)
	m.used += mapped

	return buf, nil
}

func (m *Mmap) Free(b *Buffer) error {
	if b == nil {
		return nil
	}
	if b.parent != nil {
		return fmt.Errorf("%w: cannot free a sub-buffer at %#x", ErrBadAddress, b.addr)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	i := sort.Search(len(m.allocs), func(i int) bool { return m.allocs[i].addr >= b.addr })
	if i == len(m.allocs) || m.allocs[i] != b {
		return fmt.Errorf("%w: %#x was not allocated here", ErrBadAddress, b.addr)
	}
	m.allocs = append(m.allocs[:i], m.allocs[i+1:]...)

	m.used -= len(b.mapping)

	err := unix.Munmap(b.mapping)
	b.b, b.mapping = nil, nil
	if err != nil {
		return fmt.Errorf("release dma buffer: %w", err)
	}
	return nil
}

// Resolve returns the memory backing [addr, addr+n).
func (m *Mmap) Resolve(addr Addr, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// allocs is sorted by address because addresses only grow.
	i := sort.Search(len(m.allocs), func(i int) bool { return m.allocs[i].addr > addr }) - 1
	if i < 0 {
		return nil, fmt.Errorf("%w: %#x", ErrBadAddress, addr)
	}

	b := m.allocs[i]
	off := int(addr - b.addr)
	if off+n > len(b.b) {
		return nil, fmt.Errorf("%w: [%#x, +%d) exceeds allocation at %#x of %d bytes", ErrBadAddress, addr, n, b.addr, len(b.b))
	}
	return b.b[off : off+n : off+n], nil
}

// InUse reports the bytes currently mapped.
func (m *Mmap) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}
