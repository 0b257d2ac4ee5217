package util

import (
	"errors"
	"fmt"
	"testing"

	"github.com/slackhq/ixl/adminq"
	"github.com/slackhq/ixl/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type m = map[string]any

func TestContextualError_Log(t *testing.T) {
	l, tl := test.NewCapturingLogger()

	tests := []struct {
		name string
		err  *ContextualError
		want string
	}{
		{"full", NewContextualError("test message", m{"field": "1"}, errors.New("error")), "level=error msg=\"test message\" error=error field=1\n"},
		{"no fields", NewContextualError("test message", nil, errors.New("error")), "level=error msg=\"test message\" error=error\n"},
		{"no error", NewContextualError("test message", m{"field": "1"}, nil), "level=error msg=\"test message\" field=1\n"},
		{"context only", NewContextualError("test message", nil, nil), "level=error msg=\"test message\"\n"},
		{"error only", NewContextualError("", nil, errors.New("error")), "level=error error=error\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl.Reset()
			tt.err.Log(l)
			assert.Equal(t, []string{tt.want}, tl.Logs())
		})
	}

	// entries carry their own fields through
	tl.Reset()
	NewContextualError("test message", m{"field": "1"}, nil).Log(l.WithField("queue", 3))
	assert.Equal(t, []string{"level=error msg=\"test message\" field=1 queue=3\n"}, tl.Logs())
}

func TestLogWithContextIfNeeded(t *testing.T) {
	l, tl := test.NewCapturingLogger()

	e := NewContextualError("Failed to attach", m{"queues": 4}, adminq.ErrChannelTimeout)
	LogWithContextIfNeeded("This should get thrown away", e, l)
	assert.Equal(t, []string{"level=error msg=\"Failed to attach\" error=\"admin channel timeout\" queues=4\n"}, tl.Logs())

	// found behind a wrap too
	tl.Reset()
	LogWithContextIfNeeded("This should get thrown away", fmt.Errorf("start: %w", e), l)
	assert.Equal(t, 1, tl.Count("msg=\"Failed to attach\""))

	tl.Reset()
	LogWithContextIfNeeded("Fallback context woo", fmt.Errorf("this is a normal error"), l)
	assert.Equal(t, []string{"level=error msg=\"Fallback context woo\" error=\"this is a normal error\"\n"}, tl.Logs())
}

func TestContextualizeIfNeeded(t *testing.T) {
	e := NewContextualError("test message", m{"field": "1"}, errors.New("error"))
	assert.Same(t, e, ContextualizeIfNeeded("should be ignored", e))

	err := fmt.Errorf("this is a normal error")
	var ce *ContextualError
	require.ErrorAs(t, ContextualizeIfNeeded("Fallback context woo", err), &ce)
	assert.Equal(t, err, ce.RealError)
	assert.Equal(t, "Fallback context woo", ce.Context)
}

func TestContextualError_Unwrap(t *testing.T) {
	e := NewContextualError("configure", m{"queues": 8}, adminq.RCEBUSY)
	assert.ErrorIs(t, e, adminq.RCEBUSY)
	assert.Equal(t, "configure (map[queues:8]): EBUSY", e.Error())

	e2 := e.With("vectors", 2)
	assert.Equal(t, m{"queues": 8, "vectors": 2}, e2.Fields)
	assert.Equal(t, m{"queues": 8}, e.Fields)

	assert.EqualError(t, NewContextualError("bare", nil, nil).Unwrap(), "bare")
}
