package ixl

import (
	"fmt"

	"github.com/slackhq/ixl/adminq"
	"github.com/slackhq/ixl/hw"
)

// Behavior is what the function can do, learned once at attach from the
// firmware's capability list and the HMC size registers. It is never modified
// after attach; components receive it by pointer.
type Behavior struct {
	Firmware adminq.Version

	// QueuePairs is the smaller of the transmit and receive queue counts.
	QueuePairs int
	// Vectors counts every MSI-X vector including vector 0.
	Vectors int

	RSSTableSize int
	RSSEntryBits int

	// Context object sizes the firmware expects in the HMC region, bytes.
	TxContextSize uint32
	RxContextSize uint32

	// HMCQueueMax is the queue count the HMC was provisioned for.
	HMCQueueMax uint32
}

func newBehavior(v adminq.Version, caps []adminq.Capability, regs hw.Registers) (*Behavior, error) {
	b := &Behavior{Firmware: v}

	var tx, rx int
	for _, c := range caps {
		switch c.ID {
		case adminq.CapTxQ:
			tx = int(c.Number)
		case adminq.CapRxQ:
			rx = int(c.Number)
		case adminq.CapMSIX:
			b.Vectors = int(c.Number)
		case adminq.CapRSS:
			b.RSSTableSize = int(c.Number)
			b.RSSEntryBits = int(c.Logical)
		}
	}

	b.QueuePairs = min(tx, rx)
	if b.QueuePairs == 0 {
		return nil, fmt.Errorf("firmware reports %d transmit and %d receive queues", tx, rx)
	}
	if b.Vectors == 0 {
		return nil, fmt.Errorf("firmware reports no interrupt vectors")
	}

	// Object sizes are reported as log2 of the byte size.
	b.TxContextSize = 1 << (regs.Read32(hw.GLHMCLANTxObjSz) & 0xf)
	b.RxContextSize = 1 << (regs.Read32(hw.GLHMCLANRxObjSz) & 0xf)
	b.HMCQueueMax = regs.Read32(hw.GLHMCLANQMax) & 0x7ff
	return b, nil
}
