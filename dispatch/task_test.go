package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/ixl/hw"
	"github.com/slackhq/ixl/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegs struct {
	mu     sync.Mutex
	m      map[uint32]uint32
	writes map[uint32]int
}

func newFakeRegs() *fakeRegs {
	return &fakeRegs{m: map[uint32]uint32{}, writes: map[uint32]int{}}
}

func (f *fakeRegs) Read32(reg uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.m[reg]
	if reg == hw.PFINTICR0 {
		f.m[reg] = 0
	}
	return v
}

func (f *fakeRegs) Write32(reg uint32, v uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[reg] = v
	f.writes[reg]++
}

func (f *fakeRegs) Writes(reg uint32) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes[reg]
}

type fakeIntr struct {
	lines []chan struct{}
}

func newFakeIntr(n int) *fakeIntr {
	f := &fakeIntr{}
	for range n {
		f.lines = append(f.lines, make(chan struct{}, 1))
	}
	return f
}

func (f *fakeIntr) Vectors() int               { return len(f.lines) }
func (f *fakeIntr) Line(v int) <-chan struct{} { return f.lines[v] }

// fakeQueue reports more work for its first moreFor calls and can block inside
// Process until released.
type fakeQueue struct {
	sync.Mutex

	calls   atomic.Int32
	budget  atomic.Int32
	moreFor int32

	entered chan struct{}
	block   chan struct{}
}

func (q *fakeQueue) Process(budget int) bool {
	n := q.calls.Add(1)
	q.budget.Store(int32(budget))
	if q.block != nil {
		q.entered <- struct{}{}
		<-q.block
	}
	return n <= q.moreFor
}

func newTestDispatcher(t *testing.T, vectors int, cfg Config) (*Dispatcher, *fakeRegs, metrics.Registry) {
	regs := newFakeRegs()
	reg := metrics.NewRegistry()
	d := New(test.NewLogger(), regs, vectors, cfg, reg)
	t.Cleanup(func() { d.Stop() })
	return d, regs, reg
}

func count(reg metrics.Registry, name string) int64 {
	return reg.Get(name).(metrics.Counter).Count()
}

func TestAssign(t *testing.T) {
	assert.Equal(t, []int{1, 2, 3, 4}, Assign(4, 5))
	assert.Equal(t, []int{1, 2}, Assign(2, 8))
	assert.Equal(t, []int{0, 0, 0, 0}, Assign(4, 4))
	assert.Equal(t, []int{0}, Assign(1, 1))
	assert.Empty(t, Assign(0, 3))
}

func TestTask_Inline(t *testing.T) {
	d, regs, reg := newTestDispatcher(t, 2, Config{Budget: 8, Inline: true})
	q := &fakeQueue{}
	task, err := d.Add(q, 1)
	require.NoError(t, err)

	d.Vectors()[1].Fire()
	assert.Equal(t, int32(1), q.calls.Load())
	assert.Equal(t, int32(8), q.budget.Load())
	assert.Equal(t, Idle, task.State())
	assert.Equal(t, 1, regs.Writes(hw.PFINTDynCtlN(1)))
	assert.Equal(t, int64(1), count(reg, "dispatch.inline"))
	assert.Equal(t, int64(1), count(reg, "dispatch.fired"))

	// no other handler and no tasks still re-arms
	d.Vectors()[0].Fire()
	assert.Equal(t, 1, regs.Writes(hw.PFINTDynCtl0))
}

func TestTask_DeferredWhenLocked(t *testing.T) {
	d, regs, reg := newTestDispatcher(t, 2, Config{Budget: 8, Inline: true, Workers: 1})
	q := &fakeQueue{}
	task, err := d.Add(q, 1)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background(), newFakeIntr(2)))
	armed := regs.Writes(hw.PFINTDynCtlN(1))
	assert.Equal(t, 1, armed)

	q.Lock()
	d.Vectors()[1].Fire()
	assert.Zero(t, q.calls.Load())
	assert.NotEqual(t, Idle, task.State())
	assert.Equal(t, armed, regs.Writes(hw.PFINTDynCtlN(1)), "vector stays masked while work is pending")
	q.Unlock()

	require.Eventually(t, func() bool { return task.State() == Idle }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), q.calls.Load())
	assert.Equal(t, armed+1, regs.Writes(hw.PFINTDynCtlN(1)))
	assert.Equal(t, int64(1), count(reg, "dispatch.deferred"))
	assert.Zero(t, count(reg, "dispatch.inline"))
}

func TestTask_BudgetReschedules(t *testing.T) {
	d, _, reg := newTestDispatcher(t, 2, Config{Budget: 4, Inline: true, Workers: 2})
	q := &fakeQueue{moreFor: 2}
	task, err := d.Add(q, 1)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background(), newFakeIntr(2)))

	d.Vectors()[1].Fire()
	require.Eventually(t, func() bool { return q.calls.Load() == 3 && task.State() == Idle }, time.Second, time.Millisecond)
	assert.Equal(t, int64(1), count(reg, "dispatch.inline"))
	assert.Equal(t, int64(2), count(reg, "dispatch.deferred"))
}

func TestTask_InterruptWhileRunning(t *testing.T) {
	d, regs, _ := newTestDispatcher(t, 2, Config{Budget: 4, Inline: false, Workers: 1})
	q := &fakeQueue{entered: make(chan struct{}, 2), block: make(chan struct{})}
	task, err := d.Add(q, 1)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background(), newFakeIntr(2)))

	d.Vectors()[1].Fire()
	<-q.entered
	assert.Equal(t, Running, task.State())

	task.Interrupt()
	q.block <- struct{}{}
	<-q.entered
	q.block <- struct{}{}

	require.Eventually(t, func() bool { return task.State() == Idle }, time.Second, time.Millisecond)
	assert.Equal(t, int32(2), q.calls.Load())
	assert.Equal(t, 2, regs.Writes(hw.PFINTDynCtlN(1)))
}

func TestTask_SharedVector(t *testing.T) {
	d, regs, _ := newTestDispatcher(t, 1, Config{Budget: 4, Inline: true})
	a, b := &fakeQueue{}, &fakeQueue{}
	for i, v := range Assign(2, 1) {
		_, err := d.Add([]*fakeQueue{a, b}[i], v)
		require.NoError(t, err)
	}
	assert.Len(t, d.Vectors()[0].Tasks(), 2)

	d.Vectors()[0].Fire()
	assert.Equal(t, int32(1), a.calls.Load())
	assert.Equal(t, int32(1), b.calls.Load())
	assert.Equal(t, 1, regs.Writes(hw.PFINTDynCtl0), "re-armed once after both tasks")
}

func TestDispatcher_Lifecycle(t *testing.T) {
	d, regs, _ := newTestDispatcher(t, 3, Config{Throttle: 50 * time.Microsecond, Inline: true})

	_, err := d.Add(&fakeQueue{}, 3)
	assert.ErrorIs(t, err, ErrNoSuchVector)

	q := &fakeQueue{}
	_, err = d.Add(q, 2)
	require.NoError(t, err)

	intr := newFakeIntr(3)
	require.NoError(t, d.Start(context.Background(), intr))
	assert.ErrorIs(t, d.Start(context.Background(), intr), ErrRunning)
	_, err = d.Add(&fakeQueue{}, 1)
	assert.ErrorIs(t, err, ErrRunning)
	assert.ErrorIs(t, d.Clear(), ErrRunning)

	assert.Equal(t, uint32(25), regs.Read32(hw.PFINTITR0))
	assert.Equal(t, uint32(25), regs.Read32(hw.PFINTITRN(0, 2)))

	intr.lines[2] <- struct{}{}
	require.Eventually(t, func() bool { return q.calls.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())
	require.NoError(t, d.Clear())
	assert.Empty(t, d.Vectors()[2].Tasks())
}

func TestVector_SetThrottle(t *testing.T) {
	d, regs, _ := newTestDispatcher(t, 2, DefaultConfig())

	d.Vectors()[1].SetThrottle(time.Second)
	assert.Equal(t, uint32(maxThrottle), regs.Read32(hw.PFINTITRN(0, 1)))

	d.Vectors()[1].SetThrottle(0)
	assert.Zero(t, regs.Read32(hw.PFINTITRN(0, 1)))
}

type fakeAdmin struct {
	completions, events, expired int
	stall                        error
}

func (f *fakeAdmin) ReapCompletions() int { f.completions++; return 0 }
func (f *fakeAdmin) ReapEvents() int      { f.events++; return 0 }
func (f *fakeAdmin) ExpireTimeouts() int  { f.expired++; return 0 }
func (f *fakeAdmin) Stalled() error       { return f.stall }

func TestAdminService(t *testing.T) {
	regs := newFakeRegs()
	admin := &fakeAdmin{}
	d := New(test.NewLogger(), regs, 1, Config{}, metrics.NewRegistry())
	var stalls []error
	svc := NewAdminService(test.NewLogger(), regs, admin, func(err error) { stalls = append(stalls, err) })
	d.SetOther(svc)

	// a queue cause on vector 0 does not touch the admin queue
	regs.m[hw.PFINTICR0] = hw.ICR0Queue0
	d.Vectors()[0].Fire()
	assert.Equal(t, &fakeAdmin{expired: 1}, admin)

	regs.m[hw.PFINTICR0] = hw.ICR0AdminQ
	d.Vectors()[0].Fire()
	assert.Equal(t, &fakeAdmin{completions: 1, events: 1, expired: 2}, admin)
	assert.Zero(t, regs.m[hw.PFINTICR0])
	assert.Equal(t, 2, regs.Writes(hw.PFINTDynCtl0))
	assert.Empty(t, stalls)

	// a stall is reported once, whether found by an interrupt or a tick
	stalled := errors.New("stalled")
	admin.stall = stalled
	svc.Tick()
	d.Vectors()[0].Fire()
	svc.Tick()
	assert.Equal(t, []error{stalled}, stalls)
}
