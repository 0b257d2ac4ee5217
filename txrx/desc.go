// Package txrx implements the transmit and receive descriptor rings of a LAN
// queue pair and their lifecycle on the device.
//
// Descriptor words are shared with the device. Software writes a descriptor
// fully before publishing it through the tail register, and reads the device
// writeback only after observing the ownership bit (DTYPE done for transmit,
// DD for receive) with an atomic load following a dma sync.
package txrx

import (
	"sync/atomic"
)

// TxDesc is a 16 byte transmit data descriptor.
type TxDesc struct {
	Addr uint64
	QW1  uint64
}

// Transmit descriptor qword 1 layout.
const (
	TxDTypeMask uint64 = 0xf
	TxDTypeData uint64 = 0x0
	TxDTypeDone uint64 = 0xf

	TxCmdShift    = 4
	TxOffsetShift = 16
	TxBufSzShift  = 34
	TxBufSzMask   = 0x3fff
	TxL2Tag1Shift = 48

	TxCmdEOP       uint64 = 0x0001
	TxCmdRS        uint64 = 0x0002
	TxCmdICRC      uint64 = 0x0004
	TxCmdIL2Tag1   uint64 = 0x0008
	TxCmdIIPTIPv6  uint64 = 0x0020
	TxCmdIIPTIPv4  uint64 = 0x0040
	TxCmdIIPTIPv4C uint64 = 0x0060 // IPv4 with header checksum insertion
	TxCmdL4TTCP    uint64 = 0x0100
	TxCmdL4TSCTP   uint64 = 0x0200
	TxCmdL4TUDP    uint64 = 0x0300
	TxCmdL4TMask   uint64 = 0x0300

	// Header lengths in the offset field, in their hardware units.
	TxOffMACLenShift = 0 // 2 byte units
	TxOffIPLenShift  = 7 // 4 byte units
	TxOffL4LenShift  = 14
)

// MaxTxBuffer is the largest buffer one transmit descriptor can describe.
const MaxTxBuffer = TxBufSzMask

func txQW1(cmd, offset uint64, size int, vlan uint16) uint64 {
	return TxDTypeData |
		cmd<<TxCmdShift |
		offset<<TxOffsetShift |
		uint64(size&TxBufSzMask)<<TxBufSzShift |
		uint64(vlan)<<TxL2Tag1Shift
}

func (d *TxDesc) done() bool {
	return atomic.LoadUint64(&d.QW1)&TxDTypeMask == TxDTypeDone
}

func (d *TxDesc) publish(addr, qw1 uint64) {
	atomic.StoreUint64(&d.Addr, addr)
	atomic.StoreUint64(&d.QW1, qw1)
}

// RxDesc is a 32 byte receive descriptor. Software writes the read format
// (packet and header buffer addresses); the device overwrites it with the
// writeback format.
type RxDesc struct {
	QW0 uint64
	QW1 uint64
	QW2 uint64
	QW3 uint64
}

// Receive writeback layout.
const (
	RxL2Tag1Shift = 16 // in qword 0
	RxL2Tag1Mask  = 0xffff

	RxStatusDD      uint64 = 1 << 0
	RxStatusEOP     uint64 = 1 << 1
	RxStatusL2Tag1P uint64 = 1 << 2
	RxStatusL3L4P   uint64 = 1 << 3

	RxErrRXE uint64 = 1 << 19
	RxErrIPE uint64 = 1 << 22
	RxErrL4E uint64 = 1 << 23

	RxPTypeShift = 30
	RxPTypeMask  = 0xff
	RxLenShift   = 38
	RxLenMask    = 0x3fff
)

func (d *RxDesc) status() uint64 {
	return atomic.LoadUint64(&d.QW1)
}

func (d *RxDesc) l2tag1() uint16 {
	return uint16(atomic.LoadUint64(&d.QW0) >> RxL2Tag1Shift & RxL2Tag1Mask)
}

func (d *RxDesc) post(addr uint64) {
	atomic.StoreUint64(&d.QW0, addr)
	atomic.StoreUint64(&d.QW2, 0)
	atomic.StoreUint64(&d.QW3, 0)
	// Header buffer address. Zero also clears DD.
	atomic.StoreUint64(&d.QW1, 0)
}
