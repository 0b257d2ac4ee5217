package dma

import (
	"errors"
	"fmt"
	"sync"
)

// Pool hands out fixed size buffers carved from larger allocations. Buffers are
// recycled through a free list and never returned to the allocator until Close.
type Pool struct {
	mu       sync.Mutex
	alloc    Allocator
	size     int
	perChunk int
	max      int

	chunks []*Buffer
	free   []*Buffer
	total  int
}

// NewPool builds a pool of size byte buffers. perChunk buffers are allocated at
// a time and at most max buffers will ever exist; max <= 0 means unlimited.
func NewPool(a Allocator, size, perChunk, max int) *Pool {
	if perChunk <= 0 {
		perChunk = 1
	}
	return &Pool{alloc: a, size: size, perChunk: perChunk, max: max}
}

// BufferSize is the size of every buffer handed out.
func (p *Pool) BufferSize() int { return p.size }

// Get returns a free buffer. Contents are whatever the previous owner left.
func (p *Pool) Get() (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		if err := p.grow(); err != nil {
			return nil, err
		}
	}

	b := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return b, nil
}

// Put returns a buffer to the free list.
func (p *Pool) Put(b *Buffer) {
	if b == nil {
		return
	}
	p.mu.Lock()
	p.free = append(p.free, b)
	p.mu.Unlock()
}

// Available reports how many buffers could be handed out without allocating.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *Pool) grow() error {
	n := p.perChunk
	if p.max > 0 {
		n = min(n, p.max-p.total)
	}
	if n <= 0 {
		return fmt.Errorf("%w: pool limit of %d buffers reached", ErrNoMemory, p.max)
	}

	chunk, err := p.alloc.Alloc(n*p.size, 128)
	if err != nil {
		return err
	}
	p.chunks = append(p.chunks, chunk)

	for i := range n {
		p.free = append(p.free, chunk.Slice(i*p.size, p.size))
	}
	p.total += n
	return nil
}

// Close releases every chunk. Buffers still held by callers become invalid.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, c := range p.chunks {
		errs = append(errs, p.alloc.Free(c))
	}
	p.chunks = nil
	p.free = nil
	p.total = 0
	return errors.Join(errs...)
}
