package ixl

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/ixl/config"
)

// Control runs a driver built by Main.
type Control struct {
	d          *Driver
	l          *logrus.Logger
	c          *config.C
	cancel     context.CancelFunc
	statsStart func()
	sample     time.Duration
}

// Driver returns the controlled driver.
func (c *Control) Driver() *Driver { return c.d }

// Start enables the queues and begins interrupt dispatch. This is a
// nonblocking call. To block use Control.ShutdownBlock()
func (c *Control) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	if err := c.d.Start(ctx); err != nil {
		cancel()
		return err
	}

	c.c.CatchHUP(ctx)
	c.startSampler(ctx)

	// Call all the delayed funcs that waited patiently for the driver to start.
	if c.statsStart != nil {
		go c.statsStart()
	}
	return nil
}

// Stop halts the driver and detaches it, returns after the shutdown is complete
func (c *Control) Stop() {
	if c.cancel != nil {
		c.cancel()
	}

	if err := c.d.Stop(); err != nil {
		c.l.WithError(err).Error("Failed to stop the driver cleanly")
	}
	if err := c.d.Detach(); err != nil {
		c.l.WithError(err).Error("Failed to detach from the device")
	}
	c.l.Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	c.l.WithField("signal", sig).Info("Caught signal, shutting down")
	c.Stop()
}
