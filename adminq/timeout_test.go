package adminq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewTimerWheel(t *testing.T) {
	tw := newTimerWheel[Handle](time.Second, time.Second*10)
	assert.Equal(t, 12, tw.wheelLen)
	assert.Equal(t, 0, tw.current)
	assert.True(t, tw.lastTick.IsZero())
	assert.Equal(t, time.Second, tw.tickDuration)
	assert.Equal(t, time.Second*10, tw.wheelDuration)
	assert.Len(t, tw.wheel, 12)

	tw = newTimerWheel[Handle](time.Second*3, time.Second*10)
	assert.Equal(t, 5, tw.wheelLen)

	// max below min is raised to min
	tw = newTimerWheel[Handle](time.Second, time.Millisecond)
	assert.Equal(t, 3, tw.wheelLen)
}

func FuzzNewTimerWheel(f *testing.F) {
	f.Add(int64(time.Millisecond), int64(time.Second))
	f.Add(int64(1), int64(1))
	f.Fuzz(func(t *testing.T, min, max int64) {
		if min <= 0 || max <= 0 || max/min > 1_000_000 {
			t.Skip()
		}
		tw := newTimerWheel[int](time.Duration(min), time.Duration(max))
		assert.Equal(t, tw.wheelLen, len(tw.wheel))
		assert.GreaterOrEqual(t, tw.wheelLen, 3)
	})
}

func TestTimerWheel_findWheel(t *testing.T) {
	tw := newTimerWheel[Handle](time.Second, time.Second*10)
	assert.Len(t, tw.wheel, 12)

	// current + tick + 1 since we don't know how far into current we are
	assert.Equal(t, 2, tw.findWheel(time.Second*1))

	// scale up to min duration
	assert.Equal(t, 2, tw.findWheel(time.Millisecond*1))

	assert.Equal(t, 11, tw.findWheel(time.Second*10))

	// scale down to max duration
	assert.Equal(t, 11, tw.findWheel(time.Second*11))

	tw.current = 1
	assert.Equal(t, 3, tw.findWheel(time.Second*1))
	assert.Equal(t, 0, tw.findWheel(time.Second*10))
}

func TestTimerWheel_AdvancePurge(t *testing.T) {
	tw := newTimerWheel[int](time.Second, time.Second*10)
	start := time.Unix(100, 0)
	tw.Advance(start)

	tw.Add(1, time.Second)
	tw.Add(2, time.Second*3)
	tw.Add(3, time.Second)

	_, ok := tw.Purge()
	assert.False(t, ok)

	tw.Advance(start.Add(time.Second))
	_, ok = tw.Purge()
	assert.False(t, ok, "one tick is not enough, the current tick may be nearly over")

	tw.Advance(start.Add(2 * time.Second))
	v, ok := tw.Purge()
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	v, _ = tw.Purge()
	assert.Equal(t, 3, v)
	_, ok = tw.Purge()
	assert.False(t, ok)

	// a huge jump only walks the wheel once
	tw.Advance(start.Add(time.Hour))
	v, ok = tw.Purge()
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, start.Add(time.Hour), tw.lastTick)
}

func TestTimerWheel_PartialTicks(t *testing.T) {
	tw := newTimerWheel[int](time.Second, time.Second*10)
	start := time.Unix(100, 0)
	tw.Advance(start)
	tw.Add(1, time.Second)

	// fractions of a tick accumulate
	tw.Advance(start.Add(1500 * time.Millisecond))
	tw.Advance(start.Add(2100 * time.Millisecond))
	v, ok := tw.Purge()
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, start.Add(2*time.Second), tw.lastTick)
}
