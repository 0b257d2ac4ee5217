package ixl

import (
	"testing"

	"github.com/slackhq/ixl/config"
	"github.com/slackhq/ixl/hw"
	"github.com/slackhq/ixl/sim"
	"github.com/slackhq/ixl/test"
	"github.com/slackhq/ixl/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadConfig(t *testing.T, raw string) *config.C {
	c := config.NewC(test.NewLogger())
	require.NoError(t, c.LoadString(raw))
	return c
}

func TestMain_ConfigTest(t *testing.T) {
	l, tl := test.NewCapturingLogger()
	dev := sim.New(test.NewLogger(), sim.DefaultConfig())
	c := loadConfig(t, "queues: {count: 2, tx_depth: 64, rx_depth: 64}\nstats: {type: prometheus, interval: 10s, listen: '127.0.0.1:0', path: /metrics}")

	ctrl, err := Main(c, true, "1.2.3", l, dev)
	require.NoError(t, err)
	require.NotNil(t, ctrl)

	assert.Equal(t, 1, tl.Count("tx_depth: 64"))
	assert.Empty(t, dev.Executed(), "a config test must not touch the device")
}

func TestMain_Run(t *testing.T) {
	l := test.NewLogger()
	dev := sim.New(test.NewLogger(), sim.DefaultConfig())
	c := loadConfig(t, "queues: {count: 2, tx_depth: 64, rx_depth: 64}\nstats: {sample_interval: 5ms}")

	ctrl, err := Main(c, false, "1.2.3", l, dev)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())

	d := ctrl.Driver()
	assert.True(t, d.LinkState().Up)
	assert.Len(t, d.Stats().Queues, 2)

	ctrl.Stop()
	assert.True(t, dev.ShutdownRequested())
}

func TestMain_ReloadThrottle(t *testing.T) {
	dev := sim.New(test.NewLogger(), sim.DefaultConfig())
	c := loadConfig(t, "queues: {count: 2, tx_depth: 64, rx_depth: 64}\ndispatch: {throttle: 50us}")

	ctrl, err := Main(c, false, "1.2.3", test.NewLogger(), dev)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())
	defer ctrl.Stop()

	// ITR registers count 2us units
	assert.Equal(t, uint32(25), dev.Read32(hw.PFINTITR0))
	assert.Equal(t, uint32(25), dev.Read32(hw.PFINTITRN(0, 1)))

	require.NoError(t, c.ReloadConfigString("queues: {count: 2, tx_depth: 64, rx_depth: 64}\ndispatch: {throttle: 100us}"))
	assert.Equal(t, uint32(50), dev.Read32(hw.PFINTITR0))
	assert.Equal(t, uint32(50), dev.Read32(hw.PFINTITRN(0, 2)))

	// an unrelated change leaves the throttle alone
	dev.Write32(hw.PFINTITR0, 7)
	require.NoError(t, c.ReloadConfigString("queues: {count: 2, tx_depth: 64, rx_depth: 64}\ndispatch: {throttle: 100us}\nlogging: {level: debug}"))
	assert.Equal(t, uint32(7), dev.Read32(hw.PFINTITR0))
}

func TestMain_Errors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		nilDev  bool
		context string
	}{
		{"logger", "logging: {format: xml}", false, "Failed to configure the logger"},
		{"driver config", "queues: {tx_depth: 100}", false, "Failed to load the driver config"},
		{"no device", "queues: {count: 1}", true, "No device to attach to"},
		{"stats", "stats: {type: statsd, interval: 1s}", false, "Failed to start stats emitter"},
		{"stats interval", "stats: {type: graphite}", false, "Failed to start stats emitter"},
		{"queues", "queues: {count: 8}", false, "Failed to configure the queues"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := sim.New(test.NewLogger(), sim.DefaultConfig())
			var err error
			if tt.nilDev {
				_, err = Main(loadConfig(t, tt.raw), false, "", test.NewLogger(), nil)
			} else {
				_, err = Main(loadConfig(t, tt.raw), false, "", test.NewLogger(), dev)
			}

			var ce *util.ContextualError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.context, ce.Context)
		})
	}
}
