package ixl

import (
	"fmt"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/ixl/adminq"
	"github.com/slackhq/ixl/config"
	"github.com/slackhq/ixl/dispatch"
	"github.com/slackhq/ixl/poll"
	"github.com/slackhq/ixl/ring"
	"github.com/slackhq/ixl/txrx"
)

// RingDepths sizes the transmit and receive rings of every queue pair.
type RingDepths struct {
	Tx int
	Rx int
}

// Config is the driver's tunables.
type Config struct {
	AdminQDepth        int
	AdminQBufferSize   int
	AdminQTimeout      time.Duration
	AdminQPollInterval time.Duration

	Queues   int
	Depths   RingDepths
	Queue    txrx.Config
	Dispatch dispatch.Config

	LinkTimeout time.Duration

	// Clock drives every bounded wait; tests substitute a fake.
	Clock poll.Clock
}

func DefaultConfig() Config {
	q := txrx.DefaultConfig()
	return Config{
		AdminQDepth:        32,
		AdminQBufferSize:   4096,
		AdminQTimeout:      time.Second,
		AdminQPollInterval: time.Millisecond,
		Queues:             4,
		Depths:             RingDepths{Tx: q.TxDepth, Rx: q.RxDepth},
		Queue:              q,
		Dispatch:           dispatch.DefaultConfig(),
		LinkTimeout:        time.Second,
		Clock:              poll.System,
	}
}

// NewConfigFromC reads the driver settings out of c, falling back to the
// defaults for anything unset.
func NewConfigFromC(c *config.C) (Config, error) {
	cfg := DefaultConfig()

	cfg.AdminQDepth = c.GetInt("adminq.depth", cfg.AdminQDepth)
	cfg.AdminQBufferSize = c.GetInt("adminq.buffer_size", cfg.AdminQBufferSize)
	cfg.AdminQTimeout = c.GetDuration("adminq.timeout", cfg.AdminQTimeout)
	cfg.AdminQPollInterval = c.GetDuration("adminq.poll_interval", cfg.AdminQPollInterval)

	cfg.Queues = c.GetInt("queues.count", cfg.Queues)
	cfg.Depths.Tx = c.GetInt("queues.tx_depth", cfg.Depths.Tx)
	cfg.Depths.Rx = c.GetInt("queues.rx_depth", cfg.Depths.Rx)

	cfg.Queue.MaxSegments = c.GetInt("tx.max_segments", cfg.Queue.MaxSegments)
	cfg.Queue.ChecksumOffload = c.GetBool("tx.checksum_offload", cfg.Queue.ChecksumOffload)
	cfg.Queue.TxBufferSize = c.GetInt("tx.buffer_size", cfg.Queue.TxBufferSize)
	cfg.Queue.RxBufferSize = c.GetInt("rx.buffer_size", cfg.Queue.RxBufferSize)
	cfg.Queue.MaxFrame = c.GetInt("rx.max_frame", cfg.Queue.MaxFrame)

	cfg.Dispatch.Budget = c.GetInt("dispatch.budget", cfg.Dispatch.Budget)
	cfg.Dispatch.Workers = c.GetInt("dispatch.workers", cfg.Dispatch.Workers)
	cfg.Dispatch.Inline = c.GetBool("dispatch.inline", cfg.Dispatch.Inline)
	cfg.Dispatch.Throttle = c.GetDuration("dispatch.throttle", cfg.Dispatch.Throttle)
	cfg.Dispatch.Tick = c.GetDuration("dispatch.tick", cfg.Dispatch.Tick)

	if c.IsSet("link.poll_timeout") {
		cfg.LinkTimeout = c.GetDuration("link.poll_timeout", cfg.LinkTimeout)
	} else {
		// Link status is an admin command, give it as long as any other.
		cfg.LinkTimeout = cfg.AdminQTimeout
	}

	return cfg, cfg.Validate()
}

// Validate rejects settings no device would accept.
func (c Config) Validate() error {
	if err := ring.CheckSize(c.AdminQDepth); err != nil {
		return fmt.Errorf("adminq.depth: %w", err)
	}
	if c.Queues < 1 {
		return fmt.Errorf("queues.count must be at least 1, got %d", c.Queues)
	}
	if err := ring.CheckSize(c.Depths.Tx); err != nil {
		return fmt.Errorf("queues.tx_depth: %w", err)
	}
	if err := ring.CheckSize(c.Depths.Rx); err != nil {
		return fmt.Errorf("queues.rx_depth: %w", err)
	}
	if c.Queue.MaxSegments < 1 || c.Queue.MaxSegments >= c.Depths.Tx {
		return fmt.Errorf("tx.max_segments must be between 1 and %d, got %d", c.Depths.Tx-1, c.Queue.MaxSegments)
	}
	if c.Queue.RxBufferSize < 1024 || c.Queue.RxBufferSize%128 != 0 {
		return fmt.Errorf("rx.buffer_size must be a multiple of 128 of at least 1024, got %d", c.Queue.RxBufferSize)
	}
	if c.Dispatch.Budget < 1 {
		return fmt.Errorf("dispatch.budget must be positive, got %d", c.Dispatch.Budget)
	}
	return nil
}

func (c Config) adminqOptions(reg metrics.Registry) []adminq.Option {
	return []adminq.Option{
		adminq.WithDepth(c.AdminQDepth),
		adminq.WithBufferSize(c.AdminQBufferSize),
		adminq.WithTimeout(c.AdminQTimeout),
		adminq.WithPollInterval(c.AdminQPollInterval),
		adminq.WithClock(c.Clock),
		adminq.WithMetrics(reg),
	}
}

func (c Config) queueConfig(depths RingDepths) txrx.Config {
	q := c.Queue
	q.TxDepth = depths.Tx
	q.RxDepth = depths.Rx
	q.Clock = c.Clock
	return q
}
