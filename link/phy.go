package link

import (
	"fmt"

	"github.com/slackhq/ixl/adminq"
)

// Duplex is the link duplex mode.
type Duplex uint8

const (
	DuplexUnknown Duplex = iota
	DuplexHalf
	DuplexFull
)

func (d Duplex) String() string {
	switch d {
	case DuplexHalf:
		return "half"
	case DuplexFull:
		return "full"
	default:
		return "unknown"
	}
}

// Medium is the physical medium class of a phy type.
type Medium uint8

const (
	MediumUnknown Medium = iota
	MediumBackplane
	MediumCopper
	MediumTwinax
	MediumFiber
	MediumBaseT
)

func (m Medium) String() string {
	switch m {
	case MediumBackplane:
		return "backplane"
	case MediumCopper:
		return "copper"
	case MediumTwinax:
		return "twinax"
	case MediumFiber:
		return "fiber"
	case MediumBaseT:
		return "base-t"
	default:
		return "unknown"
	}
}

// Phy types reported by get_link_status.
const (
	PhyTypeSGMII         uint8 = 0x00
	PhyType1000BaseKX    uint8 = 0x01
	PhyType10GBaseKX4    uint8 = 0x02
	PhyType10GBaseKR     uint8 = 0x03
	PhyType40GBaseKR4    uint8 = 0x04
	PhyTypeXAUI          uint8 = 0x05
	PhyTypeXFI           uint8 = 0x06
	PhyTypeSFI           uint8 = 0x07
	PhyTypeXLAUI         uint8 = 0x08
	PhyTypeXLPPI         uint8 = 0x09
	PhyType40GBaseCR4CU  uint8 = 0x0a
	PhyType10GBaseCR1CU  uint8 = 0x0b
	PhyType10GBaseAOC    uint8 = 0x0c
	PhyType40GBaseAOC    uint8 = 0x0d
	PhyType100BaseTX     uint8 = 0x11
	PhyType1000BaseT     uint8 = 0x12
	PhyType10GBaseT      uint8 = 0x13
	PhyType10GBaseSR     uint8 = 0x14
	PhyType10GBaseLR     uint8 = 0x15
	PhyType10GBaseSFPPCU uint8 = 0x16
	PhyType10GBaseCR1    uint8 = 0x17
	PhyType40GBaseCR4    uint8 = 0x18
	PhyType40GBaseSR4    uint8 = 0x19
	PhyType40GBaseLR4    uint8 = 0x1a
	PhyType1000BaseSX    uint8 = 0x1b
	PhyType1000BaseLX    uint8 = 0x1c
	PhyType20GBaseKR2    uint8 = 0x1e
	PhyType25GBaseKR     uint8 = 0x1f
	PhyType25GBaseCR     uint8 = 0x20
	PhyType25GBaseSR     uint8 = 0x21
	PhyType25GBaseLR     uint8 = 0x22
)

type phy struct {
	name   string
	medium Medium
}

var phys = map[uint8]phy{
	PhyTypeSGMII:         {"SGMII", MediumCopper},
	PhyType1000BaseKX:    {"1000BASE-KX", MediumBackplane},
	PhyType10GBaseKX4:    {"10GBASE-KX4", MediumBackplane},
	PhyType10GBaseKR:     {"10GBASE-KR", MediumBackplane},
	PhyType40GBaseKR4:    {"40GBASE-KR4", MediumBackplane},
	PhyTypeXAUI:          {"XAUI", MediumBackplane},
	PhyTypeXFI:           {"XFI", MediumBackplane},
	PhyTypeSFI:           {"SFI", MediumFiber},
	PhyTypeXLAUI:         {"XLAUI", MediumBackplane},
	PhyTypeXLPPI:         {"XLPPI", MediumFiber},
	PhyType40GBaseCR4CU:  {"40GBASE-CR4", MediumTwinax},
	PhyType10GBaseCR1CU:  {"10GBASE-CR1", MediumTwinax},
	PhyType10GBaseAOC:    {"10GBASE-AOC", MediumFiber},
	PhyType40GBaseAOC:    {"40GBASE-AOC", MediumFiber},
	PhyType100BaseTX:     {"100BASE-TX", MediumBaseT},
	PhyType1000BaseT:     {"1000BASE-T", MediumBaseT},
	PhyType10GBaseT:      {"10GBASE-T", MediumBaseT},
	PhyType10GBaseSR:     {"10GBASE-SR", MediumFiber},
	PhyType10GBaseLR:     {"10GBASE-LR", MediumFiber},
	PhyType10GBaseSFPPCU: {"10GBASE-SFP+", MediumTwinax},
	PhyType10GBaseCR1:    {"10GBASE-CR1", MediumTwinax},
	PhyType40GBaseCR4:    {"40GBASE-CR4", MediumTwinax},
	PhyType40GBaseSR4:    {"40GBASE-SR4", MediumFiber},
	PhyType40GBaseLR4:    {"40GBASE-LR4", MediumFiber},
	PhyType1000BaseSX:    {"1000BASE-SX", MediumFiber},
	PhyType1000BaseLX:    {"1000BASE-LX", MediumFiber},
	PhyType20GBaseKR2:    {"20GBASE-KR2", MediumBackplane},
	PhyType25GBaseKR:     {"25GBASE-KR", MediumBackplane},
	PhyType25GBaseCR:     {"25GBASE-CR", MediumTwinax},
	PhyType25GBaseSR:     {"25GBASE-SR", MediumFiber},
	PhyType25GBaseLR:     {"25GBASE-LR", MediumFiber},
}

// speeds maps the speed bit to Mb/s.
var speeds = map[uint8]uint64{
	adminq.Speed100M: 100,
	adminq.Speed1G:   1000,
	adminq.Speed10G:  10000,
	adminq.Speed20G:  20000,
	adminq.Speed25G:  25000,
	adminq.Speed40G:  40000,
}

// State is the resolved link state.
type State struct {
	Up       bool
	Speed    uint64 // Mb/s, zero when down or unknown
	Duplex   Duplex
	Medium   Medium
	Phy      string
	MaxFrame int
}

func (s State) String() string {
	if !s.Up {
		return "down"
	}
	return fmt.Sprintf("up %dMb/s %s duplex %s (%s)", s.Speed, s.Duplex, s.Phy, s.Medium)
}

// Resolve turns raw firmware link status into a State. Every phy type this
// device family supports runs full duplex; an unknown phy type resolves to an
// unknown medium but keeps the reported speed.
func Resolve(s adminq.LinkStatus) State {
	st := State{
		Up:       s.Up(),
		MaxFrame: int(s.MaxFrame),
		Phy:      fmt.Sprintf("phy(%#02x)", s.PhyType),
	}
	if p, ok := phys[s.PhyType]; ok {
		st.Phy = p.name
		st.Medium = p.medium
	}
	if !st.Up {
		return st
	}

	st.Speed = speeds[s.Speed]
	if st.Speed != 0 {
		st.Duplex = DuplexFull
	}
	return st
}
