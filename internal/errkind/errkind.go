// Package errkind defines the error taxonomy shared by all layers: every
// failure surfaced to a caller carries a stable kind that decides whether the
// operation may be retried and how it propagates.
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	// Unknown is the zero kind for errors that were never classified.
	Unknown Kind = iota
	// Transient covers network drops, timeouts and session failures. Retried
	// on the next scheduled or forced run, never in a tight loop.
	Transient
	// Conflict covers uniqueness and constraint violations. Resolved by
	// upsert semantics, not surfaced as a user error.
	Conflict
	// Busy covers store contention and held locks. The caller may retry
	// after backoff.
	Busy
	// Validation covers bad caller input. Rejected before reaching the store.
	Validation
	// Fatal covers storage corruption and missing required configuration.
	// Aborts the affected operation only, never the whole process.
	Fatal
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Conflict:
		return "conflict"
	case Busy:
		return "busy"
	case Validation:
		return "validation"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error tags an underlying error with a Kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// E creates a new tagged error from a format string.
func E(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap tags an existing error. Returns nil for a nil error. If err already
// carries a kind, that kind is preserved and only the operation is recorded.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	if existing := KindOf(err); existing != Unknown {
		kind = existing
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, walking the wrap chain. Unknown for
// untagged errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Retryable reports whether the caller may retry the operation later.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Transient, Busy:
		return true
	default:
		return false
	}
}
