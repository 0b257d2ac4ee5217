package poll

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUntil(t *testing.T) {
	t.Run("immediate", func(t *testing.T) {
		c := NewFakeClock()
		err := Until(c, Fixed(time.Millisecond, 10*time.Millisecond), func() bool { return true })
		require.NoError(t, err)
		assert.Equal(t, 0, c.Sleeps())
	})

	t.Run("eventually", func(t *testing.T) {
		c := NewFakeClock()
		n := 0
		err := Until(c, Fixed(time.Millisecond, 10*time.Millisecond), func() bool {
			n++
			return n == 4
		})
		require.NoError(t, err)
		assert.Equal(t, 3, c.Sleeps())
	})

	t.Run("never before deadline", func(t *testing.T) {
		c := NewFakeClock()
		start := c.Now()
		err := Until(c, Fixed(7*time.Millisecond, 250*time.Millisecond), func() bool { return false })
		assert.ErrorIs(t, err, ErrDeadline)
		assert.GreaterOrEqual(t, c.Now().Sub(start), 250*time.Millisecond)
		// The last sleep is clipped to the remaining time.
		assert.Equal(t, 250*time.Millisecond, c.Now().Sub(start))
	})

	t.Run("last check at deadline", func(t *testing.T) {
		c := NewFakeClock()
		start := c.Now()
		err := Until(c, Fixed(time.Millisecond, 5*time.Millisecond), func() bool {
			return c.Now().Sub(start) >= 5*time.Millisecond
		})
		assert.NoError(t, err)
	})
}

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{Interval: time.Millisecond, Backoff: 2, MaxInterval: 5 * time.Millisecond}
	assert.Equal(t, 2*time.Millisecond, p.next(time.Millisecond))
	assert.Equal(t, 4*time.Millisecond, p.next(2*time.Millisecond))
	assert.Equal(t, 5*time.Millisecond, p.next(4*time.Millisecond))

	p.Backoff = 0
	assert.Equal(t, time.Millisecond, p.next(time.Millisecond))
}
