// Package hmc manages the Host Memory Cache: the region of host memory in
// which the device keeps its per-queue context objects.
//
// Context objects are bit-packed. Each object type is described by a Table of
// fields that copy a span of bits out of a plain record into the object at an
// arbitrary, usually non byte aligned, bit offset.
package hmc

import (
	"errors"
	"fmt"
	"sort"
)

// ErrShortBuffer is returned when a source or destination cannot hold every
// field of a table.
var ErrShortBuffer = errors.New("buffer too short for context table")

// Field copies Width bits starting at bit Src of the source record to bit Dst
// of the packed object. Bits are numbered from the least significant bit of
// byte 0.
type Field struct {
	Name  string
	Src   uint
	Width uint
	Dst   uint
}

// Table describes one packed object type.
type Table struct {
	Name   string
	Fields []Field
}

// MinBits is the number of bits a packed object must have to hold every field.
func (t Table) MinBits() uint {
	var n uint
	for _, f := range t.Fields {
		n = max(n, f.Dst+f.Width)
	}
	return n
}

// SourceBits is the number of bits a source record must have.
func (t Table) SourceBits() uint {
	var n uint
	for _, f := range t.Fields {
		n = max(n, f.Src+f.Width)
	}
	return n
}

// Validate checks field widths and that no two fields overlap in the packed object.
func (t Table) Validate() error {
	fields := append([]Field(nil), t.Fields...)
	sort.Slice(fields, func(i, j int) bool { return fields[i].Dst < fields[j].Dst })

	for i, f := range fields {
		if f.Width == 0 || f.Width > 64 {
			return fmt.Errorf("table %s field %s: width %d out of range 1..64", t.Name, f.Name, f.Width)
		}
		if i > 0 {
			prev := fields[i-1]
			if prev.Dst+prev.Width > f.Dst {
				return fmt.Errorf("table %s: field %s overlaps %s", t.Name, f.Name, prev.Name)
			}
		}
	}
	return nil
}

func bytesFor(bits uint) int {
	return int((bits + 7) / 8)
}

// Pack copies every field of t from src into dst. Bits of dst outside the
// declared fields are left untouched. Only the declared width of each source
// field is read, so callers must not rely on higher bits being carried.
func Pack(dst, src []byte, t Table) error {
	if len(dst) < bytesFor(t.MinBits()) {
		return fmt.Errorf("%w: %s object is %d bytes, need %d", ErrShortBuffer, t.Name, len(dst), bytesFor(t.MinBits()))
	}
	if len(src) < bytesFor(t.SourceBits()) {
		return fmt.Errorf("%w: %s record is %d bytes, need %d", ErrShortBuffer, t.Name, len(src), bytesFor(t.SourceBits()))
	}

	for _, f := range t.Fields {
		putBits(dst, f.Dst, f.Width, getBits(src, f.Src, f.Width))
	}
	return nil
}

// Unpack is the inverse of Pack: it copies every field of t from the packed
// object src back into the record dst.
func Unpack(dst, src []byte, t Table) error {
	if len(src) < bytesFor(t.MinBits()) {
		return fmt.Errorf("%w: %s object is %d bytes, need %d", ErrShortBuffer, t.Name, len(src), bytesFor(t.MinBits()))
	}
	if len(dst) < bytesFor(t.SourceBits()) {
		return fmt.Errorf("%w: %s record is %d bytes, need %d", ErrShortBuffer, t.Name, len(dst), bytesFor(t.SourceBits()))
	}

	for _, f := range t.Fields {
		putBits(dst, f.Src, f.Width, getBits(src, f.Dst, f.Width))
	}
	return nil
}

// getBits reads width bits of b starting at bit off.
func getBits(b []byte, off, width uint) uint64 {
	var v uint64
	for i := uint(0); i < width; {
		idx := (off + i) / 8
		shift := (off + i) % 8
		n := min(8-shift, width-i)

		chunk := (uint64(b[idx]) >> shift) & (1<<n - 1)
		v |= chunk << i
		i += n
	}
	return v
}

// putBits writes the low width bits of v into b starting at bit off, keeping
// the surrounding bits of partially covered bytes.
func putBits(b []byte, off, width uint, v uint64) {
	for i := uint(0); i < width; {
		idx := (off + i) / 8
		shift := (off + i) % 8
		n := min(8-shift, width-i)

		mask := byte((1<<n - 1) << shift)
		chunk := byte((v>>i)&(1<<n-1)) << shift
		b[idx] = b[idx]&^mask | chunk
		i += n
	}
}
