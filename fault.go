package ixl

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrFaulted is returned by every operation once the device stopped answering
// or could not be provisioned. Only Reset clears it.
var ErrFaulted = errors.New("device faulted")

// faultReportInterval bounds how often a faulted driver logs that it is
// refusing work.
const faultReportInterval = time.Minute

type faultState struct {
	l       *logrus.Entry
	limiter *rate.Limiter

	mu    sync.Mutex
	cause error
}

func newFaultState(l *logrus.Entry) *faultState {
	return &faultState{
		l:       l,
		limiter: rate.NewLimiter(rate.Every(faultReportInterval), 1),
	}
}

// set records cause as the fault. The first cause sticks until clear.
func (f *faultState) set(cause error) {
	f.mu.Lock()
	if f.cause == nil {
		f.cause = cause
	}
	f.mu.Unlock()
	f.report(cause)
}

// err returns ErrFaulted wrapping the cause, or nil when healthy.
func (f *faultState) err() error {
	f.mu.Lock()
	cause := f.cause
	f.mu.Unlock()

	if cause == nil {
		return nil
	}
	f.report(cause)
	return fmt.Errorf("%w: %w", ErrFaulted, cause)
}

func (f *faultState) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cause = nil
}

func (f *faultState) report(cause error) {
	if f.limiter.Allow() {
		f.l.WithError(cause).Error("Device faulted, interface is down until reset")
	}
}
