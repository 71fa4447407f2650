// Package retryerr defines an error wrapper that marks operations which
// failed because of a transient condition and can be retried.
package retryerr

import (
	"fmt"
	"time"
)

type RetryableError struct {
	// Err is the wrapped original error
	Err error
	// After is the earliest point in time that the operation can be retried
	After time.Time
}

func Wrap(originalErr error, retryAfter time.Time) *RetryableError {
	return &RetryableError{
		Err:   originalErr,
		After: retryAfter,
	}
}

// WrapAnytime wraps an error that can be retried immediately.
func WrapAnytime(originalErr error) *RetryableError {
	return &RetryableError{
		Err: originalErr,
	}
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func (e *RetryableError) Error() string {
	if e.After.IsZero() {
		return fmt.Sprintf("retryable error: %s", e.Err)
	}

	return fmt.Sprintf("retryable error (after %s): %s", e.After, e.Err)
}
