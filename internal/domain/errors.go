package domain

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrReportNotFound   = errors.New("report config not found")

	// ErrNotLeasable is returned when a broker-announced job cannot be
	// leased: it was cancelled, already leased, or its run time moved.
	ErrNotLeasable = errors.New("job not leasable")

	// ErrLeaseLost is returned when a worker acts on a job whose lease it
	// no longer holds.
	ErrLeaseLost = errors.New("job lease lost")

	// ErrCancelled is the sentinel a handler returns after observing a
	// cancellation request. It is not a failure: the job stays cancelled
	// and is never retried.
	ErrCancelled = errors.New("job cancelled")
)

// permanentError marks a failure that retrying cannot fix: validation,
// authorization, malformed payloads, missing resources.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so retry predicates and the queue's nack path treat
// it as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Permanentf is shorthand for Permanent(fmt.Errorf(...)).
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// IsPermanent reports whether err is marked non-retryable.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
