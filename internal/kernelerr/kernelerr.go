// Package kernelerr defines the kernel-wide error taxonomy shared by every
// subsystem. A uniform Kind lets callers branch on failure category without
// string matching, while the wrapped cause (via github.com/pkg/errors) keeps
// the original context for logging.
package kernelerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind enumerates the error categories a core operation can return.
type Kind int

const (
	// InvalidArgument covers malformed input: nil pointers (in spirit),
	// zero-length id filters, oversized payloads.
	InvalidArgument Kind = iota
	// NotFound covers unknown task names/ids, queue ids, unused signal slots.
	NotFound
	// Capacity covers a fixed-size table that has no free slot.
	Capacity
	// Busy covers a resource transiently unavailable (e.g. a lock contended).
	Busy
	// Full covers a ring buffer or slot set that cannot accept one more element.
	Full
	// Empty covers a read against a ring buffer with nothing to read.
	Empty
	// Timeout covers a blocking call that exceeded its deadline.
	Timeout
	// PermissionDenied covers a caller lacking a required privilege bit.
	PermissionDenied
	// NotOwner covers a mutex unlock attempted by a non-owner.
	NotOwner
	// StateViolation covers an operation illegal in the target's current state.
	StateViolation
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case NotFound:
		return "NotFound"
	case Capacity:
		return "Capacity"
	case Busy:
		return "Busy"
	case Full:
		return "Full"
	case Empty:
		return "Empty"
	case Timeout:
		return "Timeout"
	case PermissionDenied:
		return "PermissionDenied"
	case NotOwner:
		return "NotOwner"
	case StateViolation:
		return "StateViolation"
	default:
		return "Unknown"
	}
}

// Error is the uniform Result shape every core operation returns on failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a kernel error with no wrapped cause.
func New(op string, kind Kind) error {
	return &Error{Op: op, Kind: kind}
}

// Wrap builds a kernel error around an existing cause, preserving it for
// errors.Cause / %+v-style inspection.
func Wrap(op string, kind Kind, cause error) error {
	return &Error{Op: op, Kind: kind, Err: errors.Wrap(cause, op)}
}

// KindOf extracts the Kind from err, if err (or something it wraps) is a
// *Error. The second return is false for any other error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
