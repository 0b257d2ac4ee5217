package ixl

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/ixl/config"
	"github.com/slackhq/ixl/hw"
	"github.com/slackhq/ixl/txrx"
	"github.com/slackhq/ixl/util"
	"go.yaml.in/yaml/v3"
)

type m = map[string]any

// Main builds a driver for dev from c, attaches and configures it. The
// returned Control starts it. With configTest set the config is validated and
// printed and the device is left alone.
func Main(c *config.C, configTest bool, buildVersion string, l *logrus.Logger, dev hw.Device) (*Control, error) {
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.NewContextualError("Failed to configure the logger", nil, err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	cfg, err := NewConfigFromC(c)
	if err != nil {
		return nil, util.NewContextualError("Failed to load the driver config", nil, err)
	}

	if dev == nil {
		return nil, util.NewContextualError("No device to attach to", nil, errors.New("nil device"))
	}

	d, err := New(l, dev, cfg, rxLogger(l))
	if err != nil {
		return nil, util.NewContextualError("Failed to create the driver", nil, err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		if c.HasChanged("dispatch.throttle") {
			d.SetThrottle(c.GetDuration("dispatch.throttle", DefaultConfig().Dispatch.Throttle))
		}
	})

	statsStart, err := startStats(l, c, d.Metrics(), d.ID.String(), buildVersion, configTest)
	if err != nil {
		return nil, util.NewContextualError("Failed to start stats emitter", nil, err)
	}

	ctrl := &Control{
		d:          d,
		l:          l,
		c:          c,
		statsStart: statsStart,
		sample:     c.GetDuration("stats.sample_interval", 10*time.Second),
	}
	if configTest {
		return ctrl, nil
	}

	if err := d.Attach(); err != nil {
		return nil, util.NewContextualError("Failed to attach to the device", m{"instance": d.ID}, err)
	}

	if err := d.Configure(cfg.Queues, cfg.Depths); err != nil {
		fields := m{"queues": cfg.Queues, "txDepth": cfg.Depths.Tx, "rxDepth": cfg.Depths.Rx}
		if derr := d.Detach(); derr != nil {
			l.WithError(derr).Error("Failed to detach after a bad configuration")
		}
		return nil, util.NewContextualError("Failed to configure the queues", fields, err)
	}

	return ctrl, nil
}

// rxLogger is the receive handler of the command line driver. Nothing
// consumes the packets, so they are only accounted and traced.
func rxLogger(l *logrus.Logger) txrx.Handler {
	return func(pkts []*txrx.RxPacket) {
		if !l.IsLevelEnabled(logrus.TraceLevel) {
			return
		}
		for _, p := range pkts {
			l.WithField("queue", p.Queue).
				WithField("len", len(p.Data)).
				WithField("ptype", p.PType).
				Trace("Received packet")
		}
	}
}

// startSampler periodically services the admin queue and folds the port
// counters into their totals, often enough that no 32-bit counter wraps
// twice between reads.
func (c *Control) startSampler(ctx context.Context) {
	if c.sample <= 0 {
		return
	}

	go func() {
		t := time.NewTicker(c.sample)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := c.d.PollEvents(); err != nil {
					c.l.WithError(err).Debug("Skipped counter sample")
				}
			}
		}
	}()
}
