package adminq

import (
	"time"
)

// timerWheel buckets command deadlines into ticks and expires them lazily as
// the wheel is advanced. Items are never removed early; a command that
// resolved before its deadline is skipped when purged because its handle no
// longer matches a live pending entry. The channel lock guards it.
type timerWheel[T any] struct {
	current  int
	wheelLen int

	// Zero until the first Advance.
	lastTick time.Time

	tickDuration  time.Duration
	wheelDuration time.Duration

	wheel   []timeoutList[T]
	expired timeoutList[T]
}

type timeoutList[T any] struct {
	head *timeoutItem[T]
	tail *timeoutItem[T]
}

type timeoutItem[T any] struct {
	item T
	next *timeoutItem[T]
}

func (l *timeoutList[T]) push(ti *timeoutItem[T]) {
	if l.tail == nil {
		l.head = ti
	} else {
		l.tail.next = ti
	}
	l.tail = ti
}

// splice moves all of o onto the end of l.
func (l *timeoutList[T]) splice(o *timeoutList[T]) {
	if o.head == nil {
		return
	}
	if l.tail == nil {
		l.head = o.head
	} else {
		l.tail.next = o.head
	}
	l.tail = o.tail
	o.head, o.tail = nil, nil
}

// newTimerWheel sizes the wheel so a full max duration fits even when the
// current tick is about to roll over.
func newTimerWheel[T any](min, max time.Duration) *timerWheel[T] {
	if min <= 0 {
		min = time.Millisecond
	}
	if max < min {
		max = min
	}

	wLen := int((max / min) + 2)
	return &timerWheel[T]{
		wheelLen:      wLen,
		wheel:         make([]timeoutList[T], wLen),
		tickDuration:  min,
		wheelDuration: max,
	}
}

// Add schedules v to expire after timeout. Advance the wheel first so the
// item lands relative to the present tick.
func (tw *timerWheel[T]) Add(v T, timeout time.Duration) {
	i := tw.findWheel(timeout)
	tw.wheel[i].push(&timeoutItem[T]{item: v})
}

// Purge pops the oldest expired item.
func (tw *timerWheel[T]) Purge() (T, bool) {
	ti := tw.expired.head
	if ti == nil {
		var na T
		return na, false
	}

	tw.expired.head = ti.next
	if tw.expired.head == nil {
		tw.expired.tail = nil
	}
	return ti.item, true
}

func (tw *timerWheel[T]) findWheel(timeout time.Duration) int {
	if timeout < tw.tickDuration {
		timeout = tw.tickDuration
	} else if timeout > tw.wheelDuration {
		timeout = tw.wheelDuration
	}

	// Round up, then add a tick since the current one may be nearly over.
	tick := int(((timeout - 1) / tw.tickDuration) + 1)
	tick += tw.current + 1
	if tick >= tw.wheelLen {
		tick -= tw.wheelLen
	}
	return tick
}

// Advance moves every bucket passed over since the last call onto the expired list.
func (tw *timerWheel[T]) Advance(now time.Time) {
	if tw.lastTick.IsZero() {
		tw.lastTick = now
	}

	adv := int(now.Sub(tw.lastTick) / tw.tickDuration)
	ticks := min(adv, tw.wheelLen)

	for range ticks {
		tw.current++
		if tw.current >= tw.wheelLen {
			tw.current = 0
		}
		tw.expired.splice(&tw.wheel[tw.current])
	}

	tw.lastTick = tw.lastTick.Add(tw.tickDuration * time.Duration(adv))
}
