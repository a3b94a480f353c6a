package archive

import (
	"errors"
	"fmt"
)

// TransientError marks a retryable network condition reported by a backend
// driver. The retry policy keeps retrying these until its attempts are
// exhausted, after which the error propagates to the conversation boundary.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient network error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps an error as a TransientError
func Transient(err error) error {
	return &TransientError{Err: err}
}

// IsTransient reports whether err is a TransientError
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// PermanentError marks a protocol-level failure that retrying cannot fix.
// It flags the conversation and the run continues with the next one.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent protocol error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps an error as a PermanentError
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// FatalError marks a configuration problem (missing credentials, unknown
// backend) that aborts the whole run before any network activity.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal configuration error: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatalf creates a FatalError from a format string
func Fatalf(format string, args ...interface{}) error {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}

// IsFatal reports whether err is a FatalError
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}
