package ixl

import (
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/ixl/hw"
	"github.com/slackhq/ixl/txrx"
)

// Counters is a snapshot of the driver's statistics.
type Counters struct {
	// Port holds the hardware port counters by name, accumulated since attach.
	Port   map[string]uint64
	Queues []QueueCounters
}

// QueueCounters are the software counters of one queue pair.
type QueueCounters struct {
	TxPackets uint64
	TxBytes   uint64
	TxDrops   uint64
	TxBusy    uint64
	RxPackets uint64
	RxBytes   uint64
	RxDrops   uint64
	RxErrors  uint64
}

func queueCounters(s *txrx.Stats) QueueCounters {
	return QueueCounters{
		TxPackets: uint64(s.TxPackets.Count()),
		TxBytes:   uint64(s.TxBytes.Count()),
		TxDrops:   uint64(s.TxDrops.Count()),
		TxBusy:    uint64(s.TxBusy.Count()),
		RxPackets: uint64(s.RxPackets.Count()),
		RxBytes:   uint64(s.RxBytes.Count()),
		RxDrops:   uint64(s.RxDrops.Count()),
		RxErrors:  uint64(s.RxErrors.Count()),
	}
}

// portCounters accumulates the hardware counters. Each register wraps at its
// declared width, so the delta between two reads is taken modulo that width;
// sampling more often than a counter can wrap keeps the totals exact.
type portCounters struct {
	stats  []hw.Stat
	gauges []metrics.Gauge

	mu     sync.Mutex
	last   []uint64
	total  []uint64
	primed bool
}

func newPortCounters(stats []hw.Stat, reg metrics.Registry) *portCounters {
	p := &portCounters{
		stats: stats,
		last:  make([]uint64, len(stats)),
		total: make([]uint64, len(stats)),
	}
	for _, s := range stats {
		p.gauges = append(p.gauges, metrics.GetOrRegisterGauge("port."+s.Name, reg))
	}
	return p
}

// sample reads every counter and folds the change since the previous read
// into the totals. The first sample only sets the baseline.
func (p *portCounters) sample(r hw.Registers) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, s := range p.stats {
		raw := s.Read(r)
		if p.primed {
			p.total[i] += (raw - p.last[i]) & s.Mask()
		}
		p.last[i] = raw
		p.gauges[i].Update(int64(p.total[i]))
	}
	p.primed = true
}

func (p *portCounters) snapshot() map[string]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := make(map[string]uint64, len(p.stats))
	for i, s := range p.stats {
		m[s.Name] = p.total[i]
	}
	return m
}
