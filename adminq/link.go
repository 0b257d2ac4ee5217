package adminq

// Link status event control, in the low bits of the get_link_status command.
const (
	LSEDisable uint16 = 0x2
	LSEEnable  uint16 = 0x3
)

// Link speed bits reported in LinkStatus.Speed.
const (
	Speed100M uint8 = 0x02
	Speed1G   uint8 = 0x04
	Speed10G  uint8 = 0x08
	Speed40G  uint8 = 0x10
	Speed20G  uint8 = 0x20
	Speed25G  uint8 = 0x40
)

// Link info bits.
const (
	LinkInfoUp      uint8 = 0x01
	LinkInfoFault   uint8 = 0x02
	LinkInfoMedia   uint8 = 0x20 // media available
	ANInfoCompleted uint8 = 0x01
)

// LinkStatus is the get_link_status payload, carried in the descriptor
// parameters of both the command completion and the link event.
type LinkStatus struct {
	Flags    uint16
	PhyType  uint8
	Speed    uint8
	Info     uint8
	AN       uint8
	Ext      uint8
	Loopback uint8
	MaxFrame uint16
}

// Up reports whether the link is up.
func (s LinkStatus) Up() bool { return s.Info&LinkInfoUp != 0 }

// Encode writes s into a descriptor's parameters.
func (s LinkStatus) Encode(d *Descriptor) {
	d.Params[0] = uint32(s.Flags) | uint32(s.PhyType)<<16 | uint32(s.Speed)<<24
	d.Params[1] = uint32(s.Info) | uint32(s.AN)<<8 | uint32(s.Ext)<<16 | uint32(s.Loopback)<<24
	d.Params[2] = uint32(s.MaxFrame)
	d.Params[3] = 0
}

// DecodeLinkStatus reads a LinkStatus out of a descriptor's parameters.
func DecodeLinkStatus(d Descriptor) LinkStatus {
	return LinkStatus{
		Flags:    uint16(d.Params[0]),
		PhyType:  uint8(d.Params[0] >> 16),
		Speed:    uint8(d.Params[0] >> 24),
		Info:     uint8(d.Params[1]),
		AN:       uint8(d.Params[1] >> 8),
		Ext:      uint8(d.Params[1] >> 16),
		Loopback: uint8(d.Params[1] >> 24),
		MaxFrame: uint16(d.Params[2]),
	}
}

// LinkStatusRequest builds a get_link_status command. With events set the
// firmware will post one link event on the next change.
func LinkStatusRequest(events bool) Descriptor {
	d := Descriptor{Opcode: OpGetLinkStatus}
	if events {
		d.Params[0] = uint32(LSEEnable)
	} else {
		d.Params[0] = uint32(LSEDisable)
	}
	return d
}
