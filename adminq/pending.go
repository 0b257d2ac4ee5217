package adminq

import (
	"time"
)

// cookieMagic marks cookies minted by this driver; anything else coming back
// from the device is not ours.
const cookieMagic = 0x1c1

// Handle identifies one submitted command. A handle outlives its command; the
// generation makes lookups of a resolved command fail instead of aliasing the
// next command in the same slot.
type Handle struct {
	index uint16
	gen   uint32
}

func (h Handle) cookie() uint64 {
	return uint64(cookieMagic)<<48 | uint64(h.gen)<<16 | uint64(h.index)
}

func handleFromCookie(c uint64) (Handle, bool) {
	if c>>48 != cookieMagic {
		return Handle{}, false
	}
	return Handle{index: uint16(c), gen: uint32(c >> 16)}, true
}

type pendingCommand struct {
	gen  uint32
	live bool

	desc     Descriptor
	buf      []byte
	done     Callback
	deadline time.Time
}

// arena is a fixed pool of pending command slots. It is not safe for
// concurrent use; the channel lock guards it.
type arena struct {
	slots []pendingCommand
	free  []uint16
}

func newArena(n int) *arena {
	a := &arena{slots: make([]pendingCommand, n), free: make([]uint16, 0, n)}
	for i := n - 1; i >= 0; i-- {
		a.free = append(a.free, uint16(i))
	}
	return a
}

func (a *arena) alloc() (Handle, *pendingCommand, bool) {
	if len(a.free) == 0 {
		return Handle{}, nil, false
	}

	i := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]

	p := &a.slots[i]
	// Generations are 32 bits in the cookie; skip zero so a zeroed cookie never matches.
	p.gen++
	if p.gen == 0 {
		p.gen++
	}
	p.live = true
	return Handle{index: i, gen: p.gen}, p, true
}

func (a *arena) lookup(h Handle) *pendingCommand {
	if int(h.index) >= len(a.slots) {
		return nil
	}
	p := &a.slots[h.index]
	if !p.live || p.gen != h.gen {
		return nil
	}
	return p
}

func (a *arena) release(h Handle) {
	p := a.lookup(h)
	if p == nil {
		return
	}
	gen := p.gen
	*p = pendingCommand{gen: gen}
	a.free = append(a.free, h.index)
}

// each calls fn for every live command.
func (a *arena) each(fn func(Handle, *pendingCommand)) {
	for i := range a.slots {
		p := &a.slots[i]
		if p.live {
			fn(Handle{index: uint16(i), gen: p.gen}, p)
		}
	}
}

func (a *arena) outstanding() int {
	return len(a.slots) - len(a.free)
}
