package txrx

import (
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/ixl/adminq"
	"github.com/slackhq/ixl/dma"
	"github.com/slackhq/ixl/hmc"
	"github.com/slackhq/ixl/hw"
	"github.com/slackhq/ixl/poll"
	"github.com/slackhq/ixl/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type okExec struct{}

func (okExec) Poll(d adminq.Descriptor, _ []byte, _ time.Duration) (adminq.Result, error) {
	return adminq.Result{Desc: d}, nil
}

func testRegion(t *testing.T, m *dma.Mmap, queues uint32) *hmc.Region {
	l, err := hmc.Plan([]hmc.Requirement{
		{Type: hmc.LANTx, Count: queues, Size: 128, MinBits: hmc.TxQueueTable.MinBits()},
		{Type: hmc.LANRx, Count: queues, Size: 32, MinBits: hmc.RxQueueTable.MinBits()},
	})
	require.NoError(t, err)
	r, err := hmc.Bind(okExec{}, m, l, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { r.Release() })
	return r
}

func testQueuePair(t *testing.T, regs hw.Registers, m *dma.Mmap, id, vector int, deliver Handler) *QueuePair {
	cfg := DefaultConfig()
	cfg.TxDepth = 16
	cfg.RxDepth = 16
	cfg.Clock = poll.NewFakeClock()
	cfg.EnablePolicy = poll.Fixed(time.Millisecond, 250*time.Millisecond)

	q, err := NewQueuePair(test.NewLogger(), regs, m, id, vector, cfg, metrics.NewRegistry(), deliver)
	require.NoError(t, err)
	return q
}

func TestQueuePair_EnableDisable(t *testing.T) {
	m := dma.NewMmap(0)
	regs := newFakeRegs()
	region := testRegion(t, m, 4)

	var got []*RxPacket
	q := testQueuePair(t, regs, m, 2, 3, func(p []*RxPacket) { got = append(got, p...) })

	assert.ErrorIs(t, q.Send(onePacket(10)), ErrQueueDisabled)
	require.NoError(t, q.Enable(region))
	assert.True(t, q.Enabled())

	var tctx hmc.TxQueueContext
	require.NoError(t, region.Read(hmc.LANTx, 2, &tctx, hmc.TxQueueTable))
	assert.Equal(t, uint64(q.Tx.ring.Addr())/hmc.QueueBaseUnit, tctx.Base)
	assert.Equal(t, uint64(16), tctx.QLen)

	var rctx hmc.RxQueueContext
	require.NoError(t, region.Read(hmc.LANRx, 2, &rctx, hmc.RxQueueTable))
	assert.Equal(t, uint64(q.Rx.ring.Addr())/hmc.QueueBaseUnit, rctx.Base)
	assert.Equal(t, uint64(2048/hmc.RxDBuffUnit), rctx.DBuff)
	assert.Equal(t, uint64(1), rctx.CRCStrip)
	assert.Equal(t, uint64(1522), rctx.RxMax)

	assert.Equal(t, uint32(3)|hw.QIntCtlCauseEna, regs.Read32(hw.QINTTQCtl(2)))
	assert.Equal(t, uint32(3)|hw.QIntCtlCauseEna, regs.Read32(hw.QINTRQCtl(2)))
	assert.NotZero(t, regs.Read32(hw.QTXEna(2))&hw.QEnaStat)
	assert.Equal(t, 15, q.Rx.Posted())

	require.NoError(t, q.Send(onePacket(10)))
	require.NoError(t, q.Send(onePacket(10)))

	dev := &rxDevice{rx: q.Rx, regs: regs, mem: m}
	dev.deliver(t, writeback{data: []byte("hi"), eop: true})
	completeTx(q.Tx, 1)

	q.Lock()
	more := q.Process(64)
	q.Unlock()
	assert.False(t, more)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("hi"), got[0].Data)
	assert.Equal(t, 1, q.Tx.Outstanding())

	require.NoError(t, q.Disable())
	assert.False(t, q.Enabled())
	assert.Zero(t, regs.Read32(hw.QTXEna(2))&hw.QEnaStat)
	assert.Zero(t, regs.Read32(hw.QINTTQCtl(2)))
	assert.Zero(t, q.Tx.Outstanding())
	assert.Zero(t, q.Rx.Posted())
	assert.Equal(t, int64(1), q.Stats.TxDrops.Count())

	// disabled pairs do no work
	q.Lock()
	assert.False(t, q.Process(64))
	q.Unlock()

	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
}

func TestQueuePair_EnableTimeout(t *testing.T) {
	m := dma.NewMmap(0)
	regs := newFakeRegs()
	regs.stuck = true
	region := testRegion(t, m, 1)

	q := testQueuePair(t, regs, m, 0, 1, nil)
	clock := q.cfg.Clock.(*poll.FakeClock)

	err := q.Enable(region)
	assert.ErrorIs(t, err, adminq.ErrChannelTimeout)
	assert.ErrorIs(t, err, poll.ErrDeadline)
	assert.False(t, q.Enabled())
	assert.GreaterOrEqual(t, clock.Now().Sub(time.Unix(0, 0)), 250*time.Millisecond)

	require.NoError(t, q.Close())
}

func TestQueuePair_CloseWhileEnabled(t *testing.T) {
	m := dma.NewMmap(0)
	q := testQueuePair(t, newFakeRegs(), m, 0, 0, nil)
	require.NoError(t, q.Enable(testRegion(t, m, 1)))
	assert.Error(t, q.Close())

	q.Rearm()
	require.NoError(t, q.Disable())
	require.NoError(t, q.Close())
}

func TestRearm(t *testing.T) {
	regs := newFakeRegs()
	want := hw.DynCtlIntEna | hw.DynCtlClearPBA | hw.DynCtlITRNone

	Rearm(regs, 0)
	assert.Equal(t, want, regs.Read32(hw.PFINTDynCtl0))
	Rearm(regs, 5)
	assert.Equal(t, want, regs.Read32(hw.PFINTDynCtlN(5)))
}
