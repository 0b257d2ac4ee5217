package adminq

import (
	"bytes"
	"fmt"

	"github.com/lunixbochs/struc"
)

// DescriptorSize is the size of one admin queue slot.
const DescriptorSize = 32

// Descriptor is a single command, completion or event. When a buffer is
// attached its bus address overlays Params[2] (high) and Params[3] (low).
type Descriptor struct {
	Flags   Flag
	Opcode  Opcode
	DataLen uint16
	RetVal  uint16
	Cookie  uint64
	Params  [4]uint32
}

// wireDescriptor is the little-endian layout the device reads and writes.
type wireDescriptor struct {
	Flags    uint16 `struc:"uint16,little"`
	Opcode   uint16 `struc:"uint16,little"`
	DataLen  uint16 `struc:"uint16,little"`
	RetVal   uint16 `struc:"uint16,little"`
	CookieHi uint32 `struc:"uint32,little"`
	CookieLo uint32 `struc:"uint32,little"`
	Param0   uint32 `struc:"uint32,little"`
	Param1   uint32 `struc:"uint32,little"`
	Param2   uint32 `struc:"uint32,little"`
	Param3   uint32 `struc:"uint32,little"`
}

// rawDescriptor is how a slot looks in ring memory.
type rawDescriptor [DescriptorSize]byte

// Addr returns the attached buffer address.
func (d *Descriptor) Addr() uint64 {
	return uint64(d.Params[2])<<32 | uint64(d.Params[3])
}

// SetAddr attaches a buffer address.
func (d *Descriptor) SetAddr(a uint64) {
	d.Params[2] = uint32(a >> 32)
	d.Params[3] = uint32(a)
}

// Err converts the device's return code into an error, nil on success.
func (d *Descriptor) Err() error {
	if d.RetVal == 0 && d.Flags&FlagERR == 0 {
		return nil
	}
	return &FirmwareError{Opcode: d.Opcode, Code: ReturnCode(d.RetVal)}
}

// MarshalTo writes the wire form of d into b.
func (d *Descriptor) MarshalTo(b []byte) error {
	if len(b) < DescriptorSize {
		return fmt.Errorf("descriptor buffer is %d bytes, need %d", len(b), DescriptorSize)
	}

	w := wireDescriptor{
		Flags:    uint16(d.Flags),
		Opcode:   uint16(d.Opcode),
		DataLen:  d.DataLen,
		RetVal:   d.RetVal,
		CookieHi: uint32(d.Cookie >> 32),
		CookieLo: uint32(d.Cookie),
		Param0:   d.Params[0],
		Param1:   d.Params[1],
		Param2:   d.Params[2],
		Param3:   d.Params[3],
	}

	var out bytes.Buffer
	out.Grow(DescriptorSize)
	if err := struc.Pack(&out, &w); err != nil {
		return fmt.Errorf("pack descriptor: %w", err)
	}
	copy(b, out.Bytes())
	return nil
}

// UnmarshalFrom reads the wire form in b into d.
func (d *Descriptor) UnmarshalFrom(b []byte) error {
	if len(b) < DescriptorSize {
		return fmt.Errorf("descriptor buffer is %d bytes, need %d", len(b), DescriptorSize)
	}

	var w wireDescriptor
	if err := struc.Unpack(bytes.NewReader(b[:DescriptorSize]), &w); err != nil {
		return fmt.Errorf("unpack descriptor: %w", err)
	}

	*d = Descriptor{
		Flags:   Flag(w.Flags),
		Opcode:  Opcode(w.Opcode),
		DataLen: w.DataLen,
		RetVal:  w.RetVal,
		Cookie:  uint64(w.CookieHi)<<32 | uint64(w.CookieLo),
		Params:  [4]uint32{w.Param0, w.Param1, w.Param2, w.Param3},
	}
	return nil
}
