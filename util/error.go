package util

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ContextualError carries log fields alongside an error so the top level can
// log it with the context of where it happened.
type ContextualError struct {
	RealError error
	Fields    map[string]any
	Context   string
}

func NewContextualError(msg string, fields map[string]any, realError error) *ContextualError {
	return &ContextualError{Context: msg, Fields: fields, RealError: realError}
}

// ContextualizeIfNeeded returns err unchanged when a ContextualError is already
// in its chain, otherwise wraps it with msg.
func ContextualizeIfNeeded(msg string, err error) error {
	var ce *ContextualError
	if errors.As(err, &ce) {
		return err
	}
	return NewContextualError(msg, nil, err)
}

// LogWithContextIfNeeded logs err with the fields of the first ContextualError
// in its chain, or with msg when there is none.
func LogWithContextIfNeeded(msg string, err error, l logrus.FieldLogger) {
	var ce *ContextualError
	if errors.As(err, &ce) {
		ce.Log(l)
		return
	}
	l.WithError(err).Error(msg)
}

// With returns a copy of the error with one more field.
func (ce *ContextualError) With(k string, v any) *ContextualError {
	f := make(map[string]any, len(ce.Fields)+1)
	for fk, fv := range ce.Fields {
		f[fk] = fv
	}
	f[k] = v
	return &ContextualError{RealError: ce.RealError, Fields: f, Context: ce.Context}
}

func (ce *ContextualError) Error() string {
	if ce.RealError == nil {
		return ce.Context
	}
	return fmt.Errorf("%s (%v): %w", ce.Context, ce.Fields, ce.RealError).Error()
}

func (ce *ContextualError) Unwrap() error {
	if ce.RealError == nil {
		return errors.New(ce.Context)
	}
	return ce.RealError
}

func (ce *ContextualError) Log(l logrus.FieldLogger) {
	if ce.RealError != nil {
		l.WithFields(ce.Fields).WithError(ce.RealError).Error(ce.Context)
	} else {
		l.WithFields(ce.Fields).Error(ce.Context)
	}
}
