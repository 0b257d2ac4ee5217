package sim

import (
	"github.com/slackhq/ixl/hw"
)

func portStat(reg uint32) (hw.Stat, bool) {
	for _, s := range hw.PortStats {
		if s.Reg == reg {
			return s, true
		}
	}
	return hw.Stat{}, false
}

// readStatLocked serves statistic registers, including the high word of the
// wide counters.
func (d *Device) readStatLocked(reg uint32) (uint32, bool) {
	if s, ok := portStat(reg); ok {
		return uint32(d.stats[s.Reg]), true
	}
	if s, ok := portStat(reg - 4); ok && s.Width > 32 {
		return uint32(d.stats[s.Reg] >> 32), true
	}
	return 0, false
}

// countLocked adds n to a counter, wrapping at its width.
func (d *Device) countLocked(reg uint32, n uint64) {
	s, ok := portStat(reg)
	if !ok {
		return
	}
	d.stats[reg] = (d.stats[reg] + n) & s.Mask()
}

// SetStat forces a counter to v, truncated to its width.
func (d *Device) SetStat(reg uint32, v uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s, ok := portStat(reg); ok {
		d.stats[reg] = v & s.Mask()
	}
}

func cast(frame []byte, unicast, multicast, broadcast uint32) uint32 {
	if len(frame) < 6 || frame[0]&1 == 0 {
		return unicast
	}
	for _, b := range frame[:6] {
		if b != 0xff {
			return multicast
		}
	}
	return broadcast
}

func castTx(frame []byte) uint32 {
	return cast(frame, hw.GLPRTUPTCL, hw.GLPRTMPTCL, hw.GLPRTBPTCL)
}

func castRx(frame []byte) uint32 {
	return cast(frame, hw.GLPRTUPRCL, hw.GLPRTMPRCL, hw.GLPRTBPRCL)
}
