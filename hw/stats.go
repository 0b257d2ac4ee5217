package hw

// Stat is a hardware statistic register. Counters wider than 32 bits occupy
// two consecutive registers, low word first. The device wraps each counter
// at its declared width, so readers accumulate deltas modulo 1<<Width.
type Stat struct {
	Name  string
	Reg   uint32
	Width uint
}

// Mask is the largest value the counter can hold.
func (s Stat) Mask() uint64 {
	return 1<<s.Width - 1
}

// Read returns the raw counter value.
func (s Stat) Read(r Registers) uint64 {
	if s.Width > 32 {
		return Read64(r, s.Reg) & s.Mask()
	}
	return uint64(r.Read32(s.Reg)) & s.Mask()
}

// PortStats are the per-port counters the driver accumulates. Octet and
// packet counters are 48 bits wide, error counters 32.
var PortStats = []Stat{
	{"rx_bytes", GLPRTGORCL, 48},
	{"rx_unicast", GLPRTUPRCL, 48},
	{"rx_multicast", GLPRTMPRCL, 48},
	{"rx_broadcast", GLPRTBPRCL, 48},
	{"tx_bytes", GLPRTGOTCL, 48},
	{"tx_unicast", GLPRTUPTCL, 48},
	{"tx_multicast", GLPRTMPTCL, 48},
	{"tx_broadcast", GLPRTBPTCL, 48},
	{"rx_crc_errors", GLPRTCRCERRS, 32},
	{"rx_discards", GLPRTRDPC, 32},
	{"tx_dropped_link_down", GLPRTTDOLD, 32},
	{"rx_length_errors", GLPRTRLEC, 32},
}
