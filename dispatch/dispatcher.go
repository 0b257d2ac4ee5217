// Package dispatch turns interrupt vector notifications into queue pair
// processing. A vector's tasks run inline on the interrupt goroutine when
// their queue lock is free, or on a bounded pool of workers otherwise.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/ixl/hw"
	"golang.org/x/sync/errgroup"
)

var (
	ErrRunning      = errors.New("dispatcher already running")
	ErrNoSuchVector = errors.New("no such vector")
)

// Config shapes the dispatcher.
type Config struct {
	// Budget bounds the descriptors each ring handles per task run.
	Budget int
	// Workers is the size of the deferred processing pool.
	Workers int
	// Inline lets the interrupt goroutine process a free queue directly.
	Inline bool
	// Throttle is programmed into every vector's ITR register at start.
	Throttle time.Duration
	// Tick is how often Other.Tick runs; zero disables it.
	Tick time.Duration
}

func DefaultConfig() Config {
	return Config{
		Budget:   256,
		Workers:  2,
		Inline:   true,
		Throttle: 50 * time.Microsecond,
		Tick:     100 * time.Millisecond,
	}
}

type dispatchMetrics struct {
	inline   metrics.Counter
	deferred metrics.Counter
	fired    metrics.Counter
}

// Dispatcher owns the vectors of one function and the workers that process
// deferred tasks.
type Dispatcher struct {
	l       *logrus.Entry
	regs    hw.Registers
	cfg     Config
	budget  int
	inline  bool
	vectors []*Vector
	m       dispatchMetrics

	mu     sync.Mutex
	work   chan *Task
	cancel context.CancelFunc
	eg     *errgroup.Group
}

// New builds a dispatcher for n vectors.
func New(l *logrus.Logger, regs hw.Registers, n int, cfg Config, reg metrics.Registry) *Dispatcher {
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultConfig().Budget
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	d := &Dispatcher{
		l:      l.WithField("subsystem", "dispatch"),
		regs:   regs,
		cfg:    cfg,
		budget: cfg.Budget,
		inline: cfg.Inline,
		m: dispatchMetrics{
			inline:   metrics.GetOrRegisterCounter("dispatch.inline", reg),
			deferred: metrics.GetOrRegisterCounter("dispatch.deferred", reg),
			fired:    metrics.GetOrRegisterCounter("dispatch.fired", reg),
		},
	}
	for i := range n {
		d.vectors = append(d.vectors, &Vector{ID: i, regs: regs, d: d})
	}
	return d
}

// Assign maps queue pairs onto vectors. Vector 0 belongs to the admin queue,
// so pair i gets vector i+1 when there are enough; otherwise every pair shares
// vector 0.
func Assign(pairs, vectors int) []int {
	out := make([]int, pairs)
	if vectors-1 < pairs {
		return out
	}
	for i := range out {
		out[i] = i + 1
	}
	return out
}

// Vectors returns the dispatcher's vectors.
func (d *Dispatcher) Vectors() []*Vector { return d.vectors }

// SetOther installs the other-events handler on vector 0.
func (d *Dispatcher) SetOther(o Other) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.vectors) > 0 {
		d.vectors[0].other = o
	}
}

// SetThrottle reprograms every vector's interrupt throttle. It takes effect
// immediately and is kept for the next Start.
func (d *Dispatcher) SetThrottle(t time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cfg.Throttle = t
	for _, v := range d.vectors {
		v.SetThrottle(t)
	}
}

// Add routes q to vector v. Tasks can only be added while stopped.
func (d *Dispatcher) Add(q Queue, v int) (*Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel != nil {
		return nil, ErrRunning
	}
	if v < 0 || v >= len(d.vectors) {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchVector, v)
	}

	vec := d.vectors[v]
	t := &Task{q: q, d: d, vec: vec}
	vec.tasks = append(vec.tasks, t)
	return t, nil
}

// Clear drops every task. The dispatcher must be stopped.
func (d *Dispatcher) Clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return ErrRunning
	}
	for _, v := range d.vectors {
		v.tasks = nil
	}
	return nil
}

// Start programs the throttle of every vector, arms them and launches one
// listener per vector plus the worker pool.
func (d *Dispatcher) Start(ctx context.Context, intr hw.Interrupts) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel != nil {
		return ErrRunning
	}

	tasks := 0
	for _, v := range d.vectors {
		tasks += len(v.tasks)
	}
	d.work = make(chan *Task, tasks)

	ctx, d.cancel = context.WithCancel(ctx)
	d.eg, ctx = errgroup.WithContext(ctx)

	for range d.cfg.Workers {
		d.eg.Go(func() error {
			d.worker(ctx)
			return nil
		})
	}

	for _, v := range d.vectors {
		if v.ID >= intr.Vectors() {
			break
		}
		v.SetThrottle(d.cfg.Throttle)
		line := intr.Line(v.ID)
		d.eg.Go(func() error {
			d.listen(ctx, v, line)
			return nil
		})
		v.rearm()
	}

	if len(d.vectors) > 0 && d.vectors[0].other != nil && d.cfg.Tick > 0 {
		other := d.vectors[0].other
		d.eg.Go(func() error {
			ticker := time.NewTicker(d.cfg.Tick)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					other.Tick()
				}
			}
		})
	}

	d.l.WithField("vectors", len(d.vectors)).
		WithField("tasks", tasks).
		WithField("workers", d.cfg.Workers).
		WithField("inline", d.inline).
		Info("Dispatcher started")
	return nil
}

// Stop ends the listeners and workers and forgets queued work. Queue pairs
// that still have completions pending will see them on the next start.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel == nil {
		return nil
	}
	d.cancel()
	err := d.eg.Wait()
	d.cancel = nil
	d.eg = nil

drain:
	for {
		select {
		case <-d.work:
		default:
			break drain
		}
	}
	for _, v := range d.vectors {
		for _, t := range v.tasks {
			t.reset()
		}
		v.busy.Store(0)
	}
	return err
}

func (d *Dispatcher) listen(ctx context.Context, v *Vector, line <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-line:
			v.Fire()
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-d.work:
			t.run()
		}
	}
}

func (d *Dispatcher) enqueue(t *Task) {
	select {
	case d.work <- t:
	default:
		// Every task is queued at most once, so this only happens while stopped.
		d.l.Error("Dispatch queue full, task dropped")
	}
}
