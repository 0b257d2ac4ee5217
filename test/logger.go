package test

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a logger that is silent unless TEST_LOGS is set: 1 for
// info, 2 for debug, 3 for trace.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	v := os.Getenv("TEST_LOGS")
	if v == "" {
		l.SetOutput(io.Discard)
		return l
	}

	switch v {
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return l
}

// LogWriter keeps every line written to it. It is safe for the concurrent
// writes a driver under test produces.
type LogWriter struct {
	mu   sync.Mutex
	logs []string
}

func (w *LogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logs = append(w.logs, string(p))
	return len(p), nil
}

// Logs returns a copy of the lines written so far.
func (w *LogWriter) Logs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.logs...)
}

// Count reports how many lines contain s.
func (w *LogWriter) Count(s string) int {
	n := 0
	for _, l := range w.Logs() {
		if strings.Contains(l, s) {
			n++
		}
	}
	return n
}

func (w *LogWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logs = w.logs[:0]
}

// NewCapturingLogger returns a debug level logger writing plain text lines
// into the returned writer.
func NewCapturingLogger() (*logrus.Logger, *LogWriter) {
	w := &LogWriter{}
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.DebugLevel)
	l.Formatter = &logrus.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    true,
	}
	return l, w
}
