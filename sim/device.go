// Package sim is a software model of the device: a register file, admin
// queue firmware, HMC page table walker, transmit and receive DMA engines and
// interrupt vectors. It implements hw.Device so the driver can run against it
// in tests and from the command line.
//
// Register writes that hand work to the device (admin and queue tail
// doorbells, queue enable requests) are processed synchronously inside
// Write32, unless a test knob holds them back.
package sim

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/ixl/adminq"
	"github.com/slackhq/ixl/dma"
	"github.com/slackhq/ixl/hw"
)

// Config shapes the simulated function.
type Config struct {
	QueuePairs int
	Vectors    int

	// Context object sizes in bytes, powers of two.
	TxContextSize int
	RxContextSize int

	Version adminq.Version
	Link    adminq.LinkStatus

	// AutoComplete finishes transmit descriptors as soon as the tail moves.
	// Without it tests complete them with CompleteTx.
	AutoComplete bool

	// Loopback receives every transmitted frame on the same queue index.
	Loopback bool

	// MemoryLimit caps DMA memory in bytes, zero for no limit.
	MemoryLimit int
}

// DefaultConfig is a four queue, five vector function with link up at 40G.
func DefaultConfig() Config {
	return Config{
		QueuePairs:    4,
		Vectors:       5,
		TxContextSize: 128,
		RxContextSize: 32,
		Version:       adminq.Version{ROMBuild: 1, FWBuild: 42, FWMajor: 7, FWMinor: 2, APIMajor: 1, APIMinor: 10},
		Link: adminq.LinkStatus{
			PhyType:  PhyType40GBaseCR4,
			Speed:    adminq.Speed40G,
			Info:     adminq.LinkInfoUp | adminq.LinkInfoMedia,
			AN:       adminq.ANInfoCompleted,
			MaxFrame: 9728,
		},
		AutoComplete: true,
	}
}

// PhyType40GBaseCR4 is the phy type the default configuration reports.
const PhyType40GBaseCR4 uint8 = 0x18

// Device is the simulated hardware.
type Device struct {
	l   *logrus.Entry
	cfg Config
	mem *dma.Mmap

	mu   sync.Mutex
	regs map[uint32]uint32

	fw   firmware
	hmc  hmcTables
	txq  []*txQueue
	rxq  []*rxQueue
	vecs []*vector
	icr0 uint32

	stats map[uint32]uint64

	stallQueueEnable bool
	sent             []TxFrame
}

// New builds a device with its own DMA memory.
func New(l *logrus.Logger, cfg Config) *Device {
	d := &Device{
		l:     l.WithField("subsystem", "sim"),
		cfg:   cfg,
		mem:   dma.NewMmap(cfg.MemoryLimit),
		regs:  make(map[uint32]uint32),
		stats: make(map[uint32]uint64),
	}
	d.fw.init(cfg)
	d.hmc.init(d.mem)

	for range cfg.QueuePairs {
		d.txq = append(d.txq, &txQueue{})
		d.rxq = append(d.rxq, &rxQueue{})
	}
	for range cfg.Vectors {
		d.vecs = append(d.vecs, newVector())
	}

	objSize := func(n int) uint32 {
		s := uint32(0)
		for 1<<s < n {
			s++
		}
		return s
	}
	d.regs[hw.GLHMCLANTxObjSz] = objSize(cfg.TxContextSize)
	d.regs[hw.GLHMCLANRxObjSz] = objSize(cfg.RxContextSize)
	d.regs[hw.GLHMCLANQMax] = uint32(cfg.QueuePairs)
	return d
}

// DMA returns the allocator whose memory the device can reach.
func (d *Device) DMA() dma.Allocator { return d.mem }

// Memory exposes the allocator for tests that inspect usage.
func (d *Device) Memory() *dma.Mmap { return d.mem }

// Read32 implements hw.Registers.
func (d *Device) Read32(reg uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if v, ok := d.readStatLocked(reg); ok {
		return v
	}

	switch reg {
	case hw.PFINTICR0:
		v := d.icr0
		d.icr0 = 0
		return v
	}
	return d.regs[reg]
}

// Write32 implements hw.Registers.
func (d *Device) Write32(reg uint32, v uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.regs[reg] = v

	switch {
	case reg == hw.ATQT:
		d.processAdminLocked()
	case reg == hw.ARQT:
		d.postEventsLocked()
	case reg == hw.ATQLEN && v&hw.AQLenEnable == 0:
		d.regs[hw.ATQH] = 0
	case reg == hw.ARQLEN && v&hw.AQLenEnable == 0:
		d.regs[hw.ARQH] = 0
	case reg == hw.PFINTDynCtl0:
		d.dynCtlLocked(0, v)
	case reg >= hw.PFINTDynCtlN(1) && reg < hw.PFINTDynCtlN(len(d.vecs)):
		d.dynCtlLocked(int(reg-hw.PFINTDynCtlN(1))/4+1, v)
	default:
		d.queueWriteLocked(reg, v)
	}
}

func (d *Device) queueWriteLocked(reg, v uint32) {
	for i := range d.txq {
		switch reg {
		case hw.QTXTail(i):
			d.txTailLocked(i, v)
			return
		case hw.QRXTail(i):
			d.rxTailLocked(i, v)
			return
		case hw.QTXEna(i):
			d.txEnableLocked(i, v)
			return
		case hw.QRXEna(i):
			d.rxEnableLocked(i, v)
			return
		}
	}
}

// StallQueueEnable keeps queue enable and disable requests from being
// acknowledged.
func (d *Device) StallQueueEnable(stall bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stallQueueEnable = stall
}
