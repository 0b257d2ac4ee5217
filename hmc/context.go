package hmc

import (
	"bytes"
	"fmt"

	"github.com/lunixbochs/struc"
)

// Units used by queue context fields.
const (
	QueueBaseUnit = 128 // base addresses are in 128 byte units
	RxDBuffUnit   = 128
	RxHBuffUnit   = 64
)

// Records are laid out for packing with one little-endian 64-bit slot per
// field, so a field's source offset is its position times 64.
const slot = 64

// TxQueueContext is the LAN transmit queue context.
type TxQueueContext struct {
	Head          uint64 `struc:"uint64,little"`
	NewContext    uint64 `struc:"uint64,little"`
	Base          uint64 `struc:"uint64,little"`
	FCEna         uint64 `struc:"uint64,little"`
	TimesyncEna   uint64 `struc:"uint64,little"`
	FDEna         uint64 `struc:"uint64,little"`
	AltVLANEna    uint64 `struc:"uint64,little"`
	CPUID         uint64 `struc:"uint64,little"`
	HeadWB        uint64 `struc:"uint64,little"`
	HeadWBEna     uint64 `struc:"uint64,little"`
	QLen          uint64 `struc:"uint64,little"`
	TphRDescEna   uint64 `struc:"uint64,little"`
	TphRPacketEna uint64 `struc:"uint64,little"`
	TphWDescEna   uint64 `struc:"uint64,little"`
	HeadWBAddr    uint64 `struc:"uint64,little"`
	CRC           uint64 `struc:"uint64,little"`
	RdyList       uint64 `struc:"uint64,little"`
	RdyListAct    uint64 `struc:"uint64,little"`
}

// TxQueueTable packs a TxQueueContext.
var TxQueueTable = Table{
	Name: "lan-tx",
	Fields: []Field{
		{"head", 0 * slot, 13, 0},
		{"new_context", 1 * slot, 1, 30},
		{"base", 2 * slot, 57, 32},
		{"fc_ena", 3 * slot, 1, 89},
		{"timesync_ena", 4 * slot, 1, 90},
		{"fd_ena", 5 * slot, 1, 91},
		{"alt_vlan_ena", 6 * slot, 1, 92},
		{"cpuid", 7 * slot, 8, 96},
		{"thead_wb", 8 * slot, 13, 128},
		{"head_wb_ena", 9 * slot, 1, 160},
		{"qlen", 10 * slot, 13, 161},
		{"tphrdesc_ena", 11 * slot, 1, 174},
		{"tphrpacket_ena", 12 * slot, 1, 175},
		{"tphwdesc_ena", 13 * slot, 1, 176},
		{"head_wb_addr", 14 * slot, 64, 192},
		{"crc", 15 * slot, 32, 896},
		{"rdylist", 16 * slot, 10, 980},
		{"rdylist_act", 17 * slot, 1, 990},
	},
}

// RxQueueContext is the LAN receive queue context.
type RxQueueContext struct {
	Head        uint64 `struc:"uint64,little"`
	CPUID       uint64 `struc:"uint64,little"`
	Base        uint64 `struc:"uint64,little"`
	QLen        uint64 `struc:"uint64,little"`
	DBuff       uint64 `struc:"uint64,little"`
	HBuff       uint64 `struc:"uint64,little"`
	DType       uint64 `struc:"uint64,little"`
	DSize       uint64 `struc:"uint64,little"`
	CRCStrip    uint64 `struc:"uint64,little"`
	FCEna       uint64 `struc:"uint64,little"`
	L2Sel       uint64 `struc:"uint64,little"`
	HSplit0     uint64 `struc:"uint64,little"`
	HSplit1     uint64 `struc:"uint64,little"`
	ShowIV      uint64 `struc:"uint64,little"`
	RxMax       uint64 `struc:"uint64,little"`
	TphRDescEna uint64 `struc:"uint64,little"`
	TphWDescEna uint64 `struc:"uint64,little"`
	TphDataEna  uint64 `struc:"uint64,little"`
	TphHeadEna  uint64 `struc:"uint64,little"`
	LRxQThresh  uint64 `struc:"uint64,little"`
	PrefEna     uint64 `struc:"uint64,little"`
}

// RxQueueTable packs an RxQueueContext.
var RxQueueTable = Table{
	Name: "lan-rx",
	Fields: []Field{
		{"head", 0 * slot, 13, 0},
		{"cpuid", 1 * slot, 8, 13},
		{"base", 2 * slot, 57, 32},
		{"qlen", 3 * slot, 13, 89},
		{"dbuff", 4 * slot, 7, 102},
		{"hbuff", 5 * slot, 5, 109},
		{"dtype", 6 * slot, 2, 114},
		{"dsize", 7 * slot, 1, 116},
		{"crcstrip", 8 * slot, 1, 117},
		{"fc_ena", 9 * slot, 1, 118},
		{"l2sel", 10 * slot, 1, 119},
		{"hsplit_0", 11 * slot, 4, 120},
		{"hsplit_1", 12 * slot, 2, 124},
		{"showiv", 13 * slot, 1, 127},
		{"rxmax", 14 * slot, 14, 174},
		{"tphrdesc_ena", 15 * slot, 1, 193},
		{"tphwdesc_ena", 16 * slot, 1, 194},
		{"tphdata_ena", 17 * slot, 1, 195},
		{"tphhead_ena", 18 * slot, 1, 196},
		{"lrxqthresh", 19 * slot, 3, 198},
		{"prefena", 20 * slot, 1, 201},
	},
}

// PackRecord lays rec out as a source record and packs it into obj with t.
func PackRecord(obj []byte, rec any, t Table) error {
	var b bytes.Buffer
	if err := struc.Pack(&b, rec); err != nil {
		return fmt.Errorf("lay out %s record: %w", t.Name, err)
	}
	return Pack(obj, b.Bytes(), t)
}

// UnpackRecord unpacks obj with t into rec.
func UnpackRecord(rec any, obj []byte, t Table) error {
	n, err := struc.Sizeof(rec)
	if err != nil {
		return fmt.Errorf("size %s record: %w", t.Name, err)
	}

	src := make([]byte, n)
	if err := Unpack(src, obj, t); err != nil {
		return err
	}
	if err := struc.Unpack(bytes.NewReader(src), rec); err != nil {
		return fmt.Errorf("read %s record: %w", t.Name, err)
	}
	return nil
}
