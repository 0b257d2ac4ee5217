package hmc

import (
	"errors"
	"fmt"
)

const (
	// Granule is the alignment of each object type's base within the region.
	Granule = 512
	// PageSize is the size of a backing page.
	PageSize = 4096
	// PagesPerSegment is how many pages one segment descriptor maps.
	PagesPerSegment = 512
	// SegmentSize is the span of one segment descriptor.
	SegmentSize = PageSize * PagesPerSegment
)

// ErrCapacity is wrapped by every CapacityError.
var ErrCapacity = errors.New("hmc capacity")

// ObjectType is a kind of context object kept in the region.
type ObjectType int

const (
	LANTx ObjectType = iota
	LANRx
	FCoEContext
	FCoEFilter

	numObjectTypes
)

func (t ObjectType) String() string {
	switch t {
	case LANTx:
		return "lan-tx"
	case LANRx:
		return "lan-rx"
	case FCoEContext:
		return "fcoe-ctx"
	case FCoEFilter:
		return "fcoe-filter"
	default:
		return fmt.Sprintf("ObjectType(%d)", int(t))
	}
}

// Requirement asks for Count objects of Type, each Size bytes as reported by
// the firmware. MinBits is what the driver's packing table needs; MaxCount,
// when non-zero, is the firmware's limit.
type Requirement struct {
	Type     ObjectType
	Count    uint32
	MaxCount uint32
	Size     uint32
	MinBits  uint
}

// CapacityError rejects one object type.
type CapacityError struct {
	Type   ObjectType
	Reason string
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("hmc %s: %s", e.Type, e.Reason)
}

func (e *CapacityError) Unwrap() error { return ErrCapacity }

// Entry is the placement of one object type.
type Entry struct {
	Base  uint64
	Size  uint32
	Count uint32
}

// Span is the bytes the entry occupies, rounded to the granule.
func (e Entry) Span() uint64 {
	return roundUp(uint64(e.Size)*uint64(e.Count), Granule)
}

// Layout places every accepted object type in one region.
type Layout struct {
	entries [numObjectTypes]Entry
	present [numObjectTypes]bool
	size    uint64
}

func roundUp(v, to uint64) uint64 {
	return (v + to - 1) / to * to
}

// Plan lays out the requested object types back to back. A type whose object
// size cannot hold its packing table, or whose count exceeds the firmware's
// limit, is rejected with a CapacityError; the remaining types are still
// placed and the returned layout is usable for them.
func Plan(reqs []Requirement) (*Layout, error) {
	l := &Layout{}
	var errs []error
	var off uint64

	for _, r := range reqs {
		if r.Type < 0 || r.Type >= numObjectTypes {
			errs = append(errs, fmt.Errorf("%w: unknown object type %d", ErrCapacity, int(r.Type)))
			continue
		}
		if l.present[r.Type] {
			errs = append(errs, &CapacityError{Type: r.Type, Reason: "requested twice"})
			continue
		}

		switch {
		case r.Count == 0:
			continue
		case uint(r.Size)*8 < r.MinBits:
			errs = append(errs, &CapacityError{
				Type:   r.Type,
				Reason: fmt.Sprintf("object size %d bytes is smaller than the %d byte context", r.Size, bytesFor(r.MinBits)),
			})
			continue
		case r.MaxCount != 0 && r.Count > r.MaxCount:
			errs = append(errs, &CapacityError{
				Type:   r.Type,
				Reason: fmt.Sprintf("%d objects requested, firmware allows %d", r.Count, r.MaxCount),
			})
			continue
		}

		e := Entry{Base: off, Size: r.Size, Count: r.Count}
		l.entries[r.Type] = e
		l.present[r.Type] = true
		off += e.Span()
	}

	// The page table maps whole segments, so the region is sized in them.
	l.size = roundUp(off, SegmentSize)
	return l, errors.Join(errs...)
}

// Entry returns the placement of t, if t was accepted.
func (l *Layout) Entry(t ObjectType) (Entry, bool) {
	if t < 0 || t >= numObjectTypes {
		return Entry{}, false
	}
	return l.entries[t], l.present[t]
}

// Size is the region size in bytes, a whole number of segments.
func (l *Layout) Size() uint64 { return l.size }

// Pages is the number of backing pages.
func (l *Layout) Pages() int { return int(l.size / PageSize) }

// Segments is the number of segment descriptors needed to map every page.
func (l *Layout) Segments() int {
	return (l.Pages() + PagesPerSegment - 1) / PagesPerSegment
}

// Validate checks that placed types do not overlap and fit in the region.
func (l *Layout) Validate() error {
	var sum uint64
	for t := range numObjectTypes {
		if !l.present[t] {
			continue
		}
		e := l.entries[t]
		if e.Base%Granule != 0 {
			return fmt.Errorf("hmc %s base %#x is not %d byte aligned", t, e.Base, Granule)
		}
		if e.Base+e.Span() > l.size {
			return fmt.Errorf("hmc %s ends at %#x past the region size %#x", t, e.Base+e.Span(), l.size)
		}
		for o := t + 1; o < numObjectTypes; o++ {
			if !l.present[o] {
				continue
			}
			oe := l.entries[o]
			if e.Base < oe.Base+oe.Span() && oe.Base < e.Base+e.Span() {
				return fmt.Errorf("hmc %s overlaps %s", t, o)
			}
		}
		sum += e.Span()
	}
	if sum > l.size {
		return fmt.Errorf("hmc spans total %d bytes, region is %d", sum, l.size)
	}
	return nil
}
