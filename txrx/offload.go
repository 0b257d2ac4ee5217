package txrx

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// L3Type is the network header kind of a frame.
type L3Type uint8

const (
	L3None L3Type = iota
	L3IPv4
	L3IPv6
)

// L4Type is the transport header kind of a frame.
type L4Type uint8

const (
	L4None L4Type = iota
	L4TCP
	L4UDP
	L4SCTP
)

// Offload describes the headers the device needs to know about to insert
// checksums on transmit.
type Offload struct {
	L3 L3Type
	L4 L4Type

	// Header lengths in bytes. MACLen includes any in-frame VLAN tags.
	MACLen int
	IPLen  int
	L4Len  int
}

// classifier decodes just enough of a frame to fill in an Offload. It reuses
// its layers between calls and is not safe for concurrent use.
type classifier struct {
	eth   layers.Ethernet
	dot1q layers.Dot1Q
	ip4   layers.IPv4
	ip6   layers.IPv6
	tcp   layers.TCP
	udp   layers.UDP
	sctp  layers.SCTP

	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func newClassifier() *classifier {
	c := &classifier{}
	c.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&c.eth, &c.dot1q, &c.ip4, &c.ip6, &c.tcp, &c.udp, &c.sctp)
	c.parser.IgnoreUnsupported = true
	return c
}

// Classify inspects the frame headers. Anything it cannot recognise yields an
// Offload with no L3 so no checksum offload is requested.
func (c *classifier) Classify(frame []byte) Offload {
	var o Offload

	// Truncated or odd frames return an error after decoding what they could.
	_ = c.parser.DecodeLayers(frame, &c.decoded)

	for _, lt := range c.decoded {
		switch lt {
		case layers.LayerTypeEthernet:
			o.MACLen = len(c.eth.Contents)
		case layers.LayerTypeDot1Q:
			o.MACLen += len(c.dot1q.Contents)
		case layers.LayerTypeIPv4:
			o.L3 = L3IPv4
			o.IPLen = len(c.ip4.Contents)
		case layers.LayerTypeIPv6:
			o.L3 = L3IPv6
			o.IPLen = len(c.ip6.Contents)
		case layers.LayerTypeTCP:
			o.L4 = L4TCP
			o.L4Len = len(c.tcp.Contents)
		case layers.LayerTypeUDP:
			o.L4 = L4UDP
			o.L4Len = len(c.udp.Contents)
		case layers.LayerTypeSCTP:
			o.L4 = L4SCTP
			o.L4Len = len(c.sctp.Contents)
		}
	}

	if o.L3 == L3None {
		return Offload{}
	}
	return o
}

// Classify is a one-off classification of frame for callers without a ring.
func Classify(frame []byte) Offload {
	return newClassifier().Classify(frame)
}

// descriptor returns the command bits and offset field for o.
func (o Offload) descriptor() (cmd, offset uint64) {
	switch o.L3 {
	case L3IPv4:
		cmd |= TxCmdIIPTIPv4C
	case L3IPv6:
		cmd |= TxCmdIIPTIPv6
	default:
		return 0, 0
	}

	offset |= uint64(o.MACLen/2) << TxOffMACLenShift
	offset |= uint64(o.IPLen/4) << TxOffIPLenShift

	switch o.L4 {
	case L4TCP:
		cmd |= TxCmdL4TTCP
	case L4UDP:
		cmd |= TxCmdL4TUDP
	case L4SCTP:
		cmd |= TxCmdL4TSCTP
	}
	if o.L4 != L4None {
		offset |= uint64(o.L4Len/4) << TxOffL4LenShift
	}
	return cmd, offset
}

// DecodeTxOffload recovers the Offload a transmit descriptor requested. The
// device side uses it to decide which checksums to insert.
func DecodeTxOffload(qw1 uint64) Offload {
	cmd := (qw1 >> TxCmdShift) & 0xfff
	off := (qw1 >> TxOffsetShift) & 0x3ffff

	var o Offload
	switch cmd & TxCmdIIPTIPv4C {
	case TxCmdIIPTIPv4C, TxCmdIIPTIPv4:
		o.L3 = L3IPv4
	case TxCmdIIPTIPv6:
		o.L3 = L3IPv6
	default:
		return o
	}
	switch cmd & TxCmdL4TMask {
	case TxCmdL4TTCP:
		o.L4 = L4TCP
	case TxCmdL4TUDP:
		o.L4 = L4UDP
	case TxCmdL4TSCTP:
		o.L4 = L4SCTP
	}

	o.MACLen = int(off&0x7f) * 2
	o.IPLen = int((off>>TxOffIPLenShift)&0x7f) * 4
	o.L4Len = int((off>>TxOffL4LenShift)&0xf) * 4
	return o
}

// CsumStatus is what the device concluded about one checksum of a received frame.
type CsumStatus uint8

const (
	CsumNone CsumStatus = iota // not checked
	CsumGood
	CsumBad
)

func (c CsumStatus) String() string {
	switch c {
	case CsumGood:
		return "good"
	case CsumBad:
		return "bad"
	default:
		return "none"
	}
}

// Packet types the receive path recognises. The full table is much larger;
// anything else is reported as PTypeOther.
const (
	PTypeOther    uint8 = 0
	PTypeL2       uint8 = 1
	PTypeIPv4     uint8 = 23
	PTypeIPv4UDP  uint8 = 24
	PTypeIPv4TCP  uint8 = 26
	PTypeIPv4SCTP uint8 = 27
	PTypeIPv6     uint8 = 89
	PTypeIPv6UDP  uint8 = 90
	PTypeIPv6TCP  uint8 = 92
	PTypeIPv6SCTP uint8 = 93
)

var ptypeL3 = map[uint8]L3Type{
	PTypeIPv4: L3IPv4, PTypeIPv4UDP: L3IPv4, PTypeIPv4TCP: L3IPv4, PTypeIPv4SCTP: L3IPv4,
	PTypeIPv6: L3IPv6, PTypeIPv6UDP: L3IPv6, PTypeIPv6TCP: L3IPv6, PTypeIPv6SCTP: L3IPv6,
}

var ptypeL4 = map[uint8]L4Type{
	PTypeIPv4UDP: L4UDP, PTypeIPv4TCP: L4TCP, PTypeIPv4SCTP: L4SCTP,
	PTypeIPv6UDP: L4UDP, PTypeIPv6TCP: L4TCP, PTypeIPv6SCTP: L4SCTP,
}

// PTypeFor picks the packet type the device would report for o.
func PTypeFor(o Offload) uint8 {
	switch o.L3 {
	case L3IPv4:
		switch o.L4 {
		case L4UDP:
			return PTypeIPv4UDP
		case L4TCP:
			return PTypeIPv4TCP
		case L4SCTP:
			return PTypeIPv4SCTP
		}
		return PTypeIPv4
	case L3IPv6:
		switch o.L4 {
		case L4UDP:
			return PTypeIPv6UDP
		case L4TCP:
			return PTypeIPv6TCP
		case L4SCTP:
			return PTypeIPv6SCTP
		}
		return PTypeIPv6
	}
	return PTypeL2
}

// rxChecksums turns writeback status and error bits into per-layer results.
func rxChecksums(qw1 uint64, ptype uint8) (l3, l4 CsumStatus) {
	if qw1&RxStatusL3L4P == 0 {
		return CsumNone, CsumNone
	}

	if ptypeL3[ptype] != L3None {
		l3 = CsumGood
		if qw1&RxErrIPE != 0 {
			l3 = CsumBad
		}
	}
	if ptypeL4[ptype] != L4None {
		l4 = CsumGood
		if qw1&RxErrL4E != 0 {
			l4 = CsumBad
		}
	}
	return l3, l4
}
