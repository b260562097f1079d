package trace

import (
	"context"
	"errors"
	"fmt"
)

// Error is an error with a stable, machine-readable code. Errors with the same code compare equal under
// errors.Is, which lets callers test for a class of failure without caring about the details.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Err == nil:
		return e.Code
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Message == "":
		return fmt.Sprintf("%s: %s", e.Code, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Err)
	}
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

func (e *Error) Unwrap() error { return e.Err }

// WithMessagef returns a new Error with the same code and a formatted message.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return &Error{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a new Error with the same code that wraps err.
func (e *Error) Wrap(err error) *Error {
	return &Error{Code: e.Code, Err: err}
}

// Wrapf is like Wrap but also attaches a formatted message.
func (e *Error) Wrapf(err error, format string, args ...any) *Error {
	return &Error{Code: e.Code, Message: fmt.Sprintf(format, args...), Err: err}
}

var (
	// ErrVersionMismatch is returned when a trace file was written by an unknown or newer format version.
	ErrVersionMismatch = &Error{Code: "E_VERSION_MISMATCH"}
	// ErrCorruptData is returned for truncated or malformed trace data.
	ErrCorruptData = &Error{Code: "E_CORRUPT_DATA"}
	// ErrIO is returned when the backing store or a trace file can't be read or written.
	ErrIO = &Error{Code: "E_IO"}
	// ErrOutOfRange is returned when looking up a type or note that doesn't exist.
	ErrOutOfRange = &Error{Code: "E_OUT_OF_RANGE"}
	// ErrCancelled is returned when an operation was cancelled by the user. It is not a failure.
	ErrCancelled = &Error{Code: "E_CANCELLED"}
)

// Cancelled converts a context error into ErrCancelled, keeping the original error reachable via errors.Is.
// Other errors are returned unchanged.
func Cancelled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrCancelled.Wrap(err)
	}
	return err
}
