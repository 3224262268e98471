package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/me/gowq/pkg/model"
)

// ErrTerminated is returned by executors that honored a termination request.
var ErrTerminated = errors.New("terminated")

// TemporaryError marks a transient failure that may be retried.
type TemporaryError struct {
	Err error
}

func (e *TemporaryError) Error() string { return "temporary: " + e.Err.Error() }
func (e *TemporaryError) Unwrap() error { return e.Err }

// Temporary wraps err as a retryable failure.
func Temporary(err error) error {
	return &TemporaryError{Err: err}
}

// PermanentError marks a failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// WarningError reports a successful run that produced a warning.
type WarningError struct {
	Message string
}

func (e *WarningError) Error() string { return "warning: " + e.Message }

// Warning returns a success-with-warning outcome.
func Warning(format string, args ...any) error {
	return &WarningError{Message: fmt.Sprintf(format, args...)}
}

// PanicError carries a recovered executor panic and its stack.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Outcome is the classified result of one executor invocation.
type Outcome struct {
	Status model.CompletionStatus
	// Unexpected is set for failures that did not use a known error kind.
	Unexpected bool
	Message    string
}

// Classify maps an executor's return value to an Outcome.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Status: model.StatusSuccess}
	}

	var warn *WarningError
	var temp *TemporaryError
	var perm *PermanentError
	var pe *PanicError
	switch {
	case errors.As(err, &warn):
		return Outcome{Status: model.StatusWarning, Message: warn.Message}
	case errors.Is(err, ErrTerminated), errors.Is(err, context.Canceled):
		return Outcome{Status: model.StatusTerminated, Message: err.Error()}
	case errors.As(err, &temp):
		return Outcome{Status: model.StatusTemporaryError, Message: temp.Err.Error()}
	case errors.As(err, &perm):
		return Outcome{Status: model.StatusError, Message: perm.Err.Error()}
	case errors.As(err, &pe):
		return Outcome{Status: model.StatusError, Unexpected: true, Message: fmt.Sprintf("%v\n%s", pe.Value, pe.Stack)}
	}
	return Outcome{Status: model.StatusError, Unexpected: true, Message: err.Error()}
}
