// Package errs defines the error taxonomy shared by every core component.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way callers are expected to react to it.
type Kind string

const (
	NotFound           Kind = "not_found"
	Validation         Kind = "validation"
	Immutable          Kind = "immutable"
	OptimisticConflict Kind = "optimistic_conflict"
	Conflict           Kind = "conflict"
	Forbidden          Kind = "forbidden"
	RateLimited        Kind = "rate_limited"
	Unauthorized       Kind = "unauthorized"
	Transient          Kind = "transient"
	Fatal              Kind = "fatal"
)

// Error is the taxonomy-tagged error every core operation returns.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a tagged error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap tags an existing error with a kind, preserving it for errors.Is/As.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the kind, defaulting to Fatal for untagged errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Fatal
}
