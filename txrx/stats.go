package txrx

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
)

// Stats are the software counters of one queue pair.
type Stats struct {
	TxPackets metrics.Counter
	TxBytes   metrics.Counter
	TxDrops   metrics.Counter
	TxDefrag  metrics.Counter
	TxBusy    metrics.Counter

	RxPackets   metrics.Counter
	RxBytes     metrics.Counter
	RxDrops     metrics.Counter
	RxErrors    metrics.Counter
	RxAllocFail metrics.Counter
}

// NewStats registers the counters of queue pair id in r under "queue.<id>.".
// A nil registry means metrics.DefaultRegistry.
func NewStats(id int, r metrics.Registry) *Stats {
	c := func(name string) metrics.Counter {
		return metrics.GetOrRegisterCounter(fmt.Sprintf("queue.%d.%s", id, name), r)
	}

	return &Stats{
		TxPackets:   c("tx.packets"),
		TxBytes:     c("tx.bytes"),
		TxDrops:     c("tx.drops"),
		TxDefrag:    c("tx.defrag"),
		TxBusy:      c("tx.busy"),
		RxPackets:   c("rx.packets"),
		RxBytes:     c("rx.bytes"),
		RxDrops:     c("rx.drops"),
		RxErrors:    c("rx.errors"),
		RxAllocFail: c("rx.alloc_fail"),
	}
}
