package dispatch

import (
	"sync/atomic"
)

// Queue is the work behind a task. *txrx.QueuePair satisfies it; Process is
// called with the lock held and reports whether the budget ran out with work
// still pending.
type Queue interface {
	Lock()
	TryLock() bool
	Unlock()
	Process(budget int) bool
}

// TaskState is where a task is in its scheduling cycle.
type TaskState int32

const (
	Idle TaskState = iota
	Scheduled
	Running
)

func (s TaskState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scheduled:
		return "scheduled"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

// Task is the deferred processing unit of one queue pair. A task is queued on
// the worker pool at most once at a time and never runs on two goroutines at
// once.
type Task struct {
	q   Queue
	d   *Dispatcher
	vec *Vector

	state atomic.Int32
	// again records an interrupt that arrived while running.
	again atomic.Bool
}

// State returns the task's current state.
func (t *Task) State() TaskState { return TaskState(t.state.Load()) }

// Interrupt is called when the task's vector fires. It processes inline when
// inline dispatch is enabled and the queue lock is free right now, otherwise
// it hands the task to the worker pool.
func (t *Task) Interrupt() {
	if t.d.inline && t.state.CompareAndSwap(int32(Idle), int32(Running)) {
		t.vec.hold()
		if t.q.TryLock() {
			t.d.m.inline.Inc(1)
			more := t.q.Process(t.d.budget)
			t.q.Unlock()
			t.finish(more)
			return
		}

		// Someone is transmitting on the pair; let a worker wait for it.
		t.state.Store(int32(Scheduled))
		t.d.enqueue(t)
		return
	}
	t.schedule()
}

func (t *Task) schedule() {
	for {
		switch TaskState(t.state.Load()) {
		case Idle:
			if t.state.CompareAndSwap(int32(Idle), int32(Scheduled)) {
				t.vec.hold()
				t.d.enqueue(t)
				return
			}
		case Scheduled:
			return
		case Running:
			t.again.Store(true)
			if TaskState(t.state.Load()) == Running {
				return
			}
		}
	}
}

// run is the worker side of a scheduled task.
func (t *Task) run() {
	if !t.state.CompareAndSwap(int32(Scheduled), int32(Running)) {
		return
	}
	t.d.m.deferred.Inc(1)

	t.q.Lock()
	more := t.q.Process(t.d.budget)
	t.q.Unlock()
	t.finish(more)
}

func (t *Task) finish(more bool) {
	if more || t.again.Swap(false) {
		t.state.Store(int32(Scheduled))
		t.d.enqueue(t)
		return
	}

	t.state.Store(int32(Idle))
	t.vec.release()

	if t.again.Swap(false) {
		t.schedule()
	}
}

// reset forgets a task's queued state after the pool stopped.
func (t *Task) reset() {
	t.state.Store(int32(Idle))
	t.again.Store(false)
}
