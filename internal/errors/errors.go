// Package errors provides error-wrapping helpers and the error-kind taxonomy
// from spec.md §7. Error kinds are communicated via sentinel wrapping rather
// than typed exceptions, so they cross the upload-worker boundary as plain
// error values (spec.md §9: "Surface heap exhaustion as an outcome, never as
// a crash").
package errors

import (
	"errors"
	"fmt"
)

func Unwrap(err error) error { return errors.Unwrap(err) }
func Is(err, target error) bool { return errors.Is(err, target) }
func As(err error, target interface{}) bool { return errors.As(err, target) }
func New(msg string) error { return errors.New(msg) }

// Wrap attaches a message to err, preserving the chain for errors.Is/As.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Kind sentinels from spec.md §7's error taxonomy. Wrap a concrete error with
// one of these via WithKind, then branch with errors.Is(err, KindBusBusy).
var (
	KindTransientIO     = errors.New("transient I/O")
	KindBusBusy         = errors.New("bus busy")
	KindDeadlineExpired = errors.New("session deadline expired")
	KindBackendRefusal  = errors.New("backend refusal")
	KindStorageFatal    = errors.New("fatal storage error")
	KindWatchdogStale   = errors.New("watchdog stale")
	KindConfigInvalid   = errors.New("invalid configuration")
)

// kindError wraps an underlying cause with a taxonomy kind while keeping
// both discoverable via errors.Is/errors.Unwrap.
type kindError struct {
	kind  error
	cause error
}

func (e *kindError) Error() string {
	if e.cause == nil {
		return e.kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.kind.Error(), e.cause.Error())
}

func (e *kindError) Is(target error) bool {
	return errors.Is(e.kind, target)
}

func (e *kindError) Unwrap() error { return e.cause }

// WithKind tags err with one of the Kind sentinels above.
func WithKind(kind error, err error) error {
	return &kindError{kind: kind, cause: err}
}

// KindOf reports the taxonomy kind carried by err, if any.
func KindOf(err error) (error, bool) {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind, true
	}
	return nil, false
}
