package adminq

import "fmt"

// Opcode selects the firmware operation a descriptor requests.
type Opcode uint16

const (
	OpGetVersion      Opcode = 0x0001
	OpDriverVersion   Opcode = 0x0002
	OpQueueShutdown   Opcode = 0x0003
	OpRequestResource Opcode = 0x0008
	OpReleaseResource Opcode = 0x0009
	OpListFuncCaps    Opcode = 0x000a
	OpGetPhyAbilities Opcode = 0x0600
	OpGetLinkStatus   Opcode = 0x0607
	OpSetPhyIntMask   Opcode = 0x0613
	OpSetHMCSegment   Opcode = 0x0d01
	OpSetHMCObject    Opcode = 0x0d02
)

var opcodeNames = map[Opcode]string{
	OpGetVersion:      "get_version",
	OpDriverVersion:   "driver_version",
	OpQueueShutdown:   "queue_shutdown",
	OpRequestResource: "request_resource",
	OpReleaseResource: "release_resource",
	OpListFuncCaps:    "list_func_caps",
	OpGetPhyAbilities: "get_phy_abilities",
	OpGetLinkStatus:   "get_link_status",
	OpSetPhyIntMask:   "set_phy_int_mask",
	OpSetHMCSegment:   "set_hmc_segment",
	OpSetHMCObject:    "set_hmc_object",
}

func (o Opcode) String() string {
	if n, ok := opcodeNames[o]; ok {
		return n
	}
	return fmt.Sprintf("opcode(%#04x)", uint16(o))
}

// Flag is the descriptor flag word.
type Flag uint16

const (
	// Set by the device.
	FlagDD  Flag = 0x0001
	FlagCMP Flag = 0x0002
	FlagERR Flag = 0x0004

	// Set by the driver.
	FlagLB  Flag = 0x0200 // buffer is larger than 512 bytes
	FlagRD  Flag = 0x0400 // buffer carries data to the firmware
	FlagBUF Flag = 0x1000 // a buffer is attached
	FlagSI  Flag = 0x2000 // interrupt on completion

	deviceFlags = FlagDD | FlagCMP | FlagERR
)

// LargeBuffer is the size above which FlagLB must be set.
const LargeBuffer = 512
