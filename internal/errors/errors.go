// Package errors defines the error taxonomy shared by the scheduling and
// backfill components.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateClaim is returned when another poller already claimed the
	// schedule slot. Callers treat it as "lost the race", never as a failure.
	ErrDuplicateClaim = errors.New("schedule slot already claimed")

	// ErrRunInProgress is returned when a claim is attempted while an earlier
	// run of the same schedule is still pending or running
	ErrRunInProgress = errors.New("schedule has a run in progress")

	// ErrNotFound is returned when a schedule, run, collection or segment does not exist
	ErrNotFound = errors.New("not found")

	// ErrFatalConfig marks configuration problems that retrying cannot fix,
	// such as a schedule pointing at a deleted report
	ErrFatalConfig = errors.New("fatal configuration error")

	// ErrInvalidTransition is returned when a status change is not allowed
	// from the current state
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError is returned for rejected input: bad cron expressions,
// unknown timezones, lookback windows over the cap, unknown segment types.
// Validation errors are raised before anything is persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for the given field
func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// DispatchError wraps a failed submission to the execution engine
type DispatchError struct {
	Err error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch failed: %v", e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// IsDispatch reports whether err is (or wraps) a DispatchError
func IsDispatch(err error) bool {
	var d *DispatchError
	return errors.As(err, &d)
}
