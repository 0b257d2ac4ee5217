package adminq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandle_Cookie(t *testing.T) {
	h := Handle{index: 7, gen: 0xdeadbeef}
	got, ok := handleFromCookie(h.cookie())
	require.True(t, ok)
	assert.Equal(t, h, got)

	// cookies we did not mint are rejected
	_, ok = handleFromCookie(0)
	assert.False(t, ok)
	_, ok = handleFromCookie(0x1234<<48 | 7)
	assert.False(t, ok)
}

func TestArena_Generations(t *testing.T) {
	a := newArena(2)

	h1, p1, ok := a.alloc()
	require.True(t, ok)
	p1.desc.Opcode = OpGetVersion
	h2, _, ok := a.alloc()
	require.True(t, ok)
	assert.NotEqual(t, h1.index, h2.index)
	assert.Equal(t, 2, a.outstanding())

	_, _, ok = a.alloc()
	assert.False(t, ok, "arena is full")

	assert.Same(t, p1, a.lookup(h1))
	a.release(h1)
	assert.Nil(t, a.lookup(h1))
	a.release(h1)
	assert.Equal(t, 1, a.outstanding())

	// the slot is reused under a new generation, the old handle stays dead
	h3, p3, ok := a.alloc()
	require.True(t, ok)
	assert.Equal(t, h1.index, h3.index)
	assert.NotEqual(t, h1.gen, h3.gen)
	assert.Nil(t, a.lookup(h1))
	assert.Same(t, p3, a.lookup(h3))
	assert.Zero(t, p3.desc.Opcode)

	var live []Handle
	a.each(func(h Handle, _ *pendingCommand) { live = append(live, h) })
	assert.ElementsMatch(t, []Handle{h2, h3}, live)
}

func TestArena_GenerationSkipsZero(t *testing.T) {
	a := newArena(1)
	a.slots[0].gen = ^uint32(0)

	h, _, ok := a.alloc()
	require.True(t, ok)
	assert.Equal(t, uint32(1), h.gen)
}

func TestDescriptor_Wire(t *testing.T) {
	d := Descriptor{
		Flags:   FlagBUF | FlagRD,
		Opcode:  OpDriverVersion,
		DataLen: 3,
		Cookie:  0x0102030405060708,
	}
	d.SetAddr(0x1122334455667788)

	b := make([]byte, DescriptorSize)
	require.NoError(t, d.MarshalTo(b))
	assert.Equal(t, []byte{0x00, 0x14, 0x02, 0x00}, b[:4])
	// cookie high word first
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01, 0x08, 0x07, 0x06, 0x05}, b[8:16])

	var got Descriptor
	require.NoError(t, got.UnmarshalFrom(b))
	assert.Equal(t, d, got)
	assert.Equal(t, uint64(0x1122334455667788), got.Addr())

	assert.Error(t, d.MarshalTo(b[:16]))
}

func TestDescriptor_Err(t *testing.T) {
	d := Descriptor{Opcode: OpGetVersion}
	assert.NoError(t, d.Err())

	d.RetVal = uint16(RCEBUSY)
	d.Flags = FlagDD | FlagCMP | FlagERR
	err := d.Err()
	assert.ErrorIs(t, err, RCEBUSY)
	var fe *FirmwareError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, OpGetVersion, fe.Opcode)
	assert.Equal(t, "firmware rejected get_version: EBUSY", err.Error())
}
