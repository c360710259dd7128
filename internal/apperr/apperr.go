// Package apperr defines the error taxonomy shared across the service.
//
// Every boundary (store, index, cache, provider, HTTP) classifies failures
// into a small set of kinds so callers can branch on semantics instead of
// string matching. Errors wrap freely with fmt.Errorf("%w"); KindOf walks
// the chain.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for callers and for HTTP status mapping.
type Kind int

const (
	// Internal is the default for unclassified failures.
	Internal Kind = iota
	// Validation indicates malformed or out-of-range input.
	Validation
	// NotFound indicates a missing entity within the caller's tenant scope.
	NotFound
	// Conflict indicates a uniqueness or concurrent-update violation.
	Conflict
	// Forbidden indicates missing or mismatched tenant context.
	Forbidden
	// Unsupported indicates a format or capability the service does not handle.
	Unsupported
	// Transient indicates a retryable backend failure.
	Transient
	// DeadlineExceeded indicates a budget or context deadline was exhausted.
	DeadlineExceeded
)

// String returns the lowercase kind name used in logs and API bodies.
func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Forbidden:
		return "forbidden"
	case Unsupported:
		return "unsupported"
	case Transient:
		return "transient"
	case DeadlineExceeded:
		return "deadline_exceeded"
	default:
		return "internal"
	}
}

// Error is a classified error with an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %v", e.Msg, e.Err)
		}
		return e.Err.Error()
	}
	return e.Msg
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// E creates a classified error from a format string.
func E(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil err returns nil.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, unwrapping as needed.
//
// Context cancellation and deadline errors classify as DeadlineExceeded so
// budget enforcement surfaces uniformly. Anything unclassified is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return Internal
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return DeadlineExceeded
	}
	return Internal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind to the status code the API layer returns.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation:
		return 400
	case Forbidden:
		return 403
	case NotFound:
		return 404
	case Conflict:
		return 409
	case Unsupported:
		return 415
	case Transient:
		return 503
	case DeadlineExceeded:
		return 504
	default:
		return 500
	}
}
