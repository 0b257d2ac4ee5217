package adminq

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
)

type opMetrics struct {
	tx map[Opcode]metrics.Counter
	rx map[Opcode]metrics.Counter

	txUnknown metrics.Counter
	rxUnknown metrics.Counter

	failed    metrics.Counter
	timeouts  metrics.Counter
	cancelled metrics.Counter
	stale     metrics.Counter
}

func newOpMetrics(r metrics.Registry) *opMetrics {
	gen := func(dir string) map[Opcode]metrics.Counter {
		m := make(map[Opcode]metrics.Counter, len(opcodeNames))
		for op, name := range opcodeNames {
			m[op] = metrics.GetOrRegisterCounter(fmt.Sprintf("adminq.%s.%s", dir, name), r)
		}
		return m
	}

	return &opMetrics{
		tx:        gen("tx"),
		rx:        gen("rx"),
		txUnknown: metrics.GetOrRegisterCounter("adminq.tx.other", r),
		rxUnknown: metrics.GetOrRegisterCounter("adminq.rx.other", r),
		failed:    metrics.GetOrRegisterCounter("adminq.failed", r),
		timeouts:  metrics.GetOrRegisterCounter("adminq.timeouts", r),
		cancelled: metrics.GetOrRegisterCounter("adminq.cancelled", r),
		stale:     metrics.GetOrRegisterCounter("adminq.stale_completions", r),
	}
}

func (m *opMetrics) Tx(op Opcode) {
	if c, ok := m.tx[op]; ok {
		c.Inc(1)
	} else {
		m.txUnknown.Inc(1)
	}
}

func (m *opMetrics) Rx(op Opcode) {
	if c, ok := m.rx[op]; ok {
		c.Inc(1)
	} else {
		m.rxUnknown.Inc(1)
	}
}
