// Package core holds the error taxonomy shared by every money-moving component.
package core

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy and HTTP mapping.
type Kind string

const (
	KindValidation           Kind = "validation"
	KindConflict             Kind = "conflict"
	KindBlocked              Kind = "blocked"
	KindProcessorDeclined    Kind = "processor_declined"
	KindProcessorUnavailable Kind = "processor_unavailable"
	KindNotFound             Kind = "not_found"
	KindForbidden            Kind = "forbidden"
	KindInternal             Kind = "internal"
)

// Error is a classified domain error with a stable machine code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// E constructs a classified error.
func E(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap constructs a classified error around a cause.
func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// Validation builds a validation error.
func Validation(code, message string) *Error { return E(KindValidation, code, message) }

// Conflict builds a conflict error (idempotency mismatch, locked resource, duplicates).
func Conflict(code, message string) *Error { return E(KindConflict, code, message) }

// Blocked builds a rejection that must not reach the processor.
func Blocked(code, message string) *Error { return E(KindBlocked, code, message) }

// Declined builds a processor-declined error with the processor's code.
func Declined(code, message string) *Error { return E(KindProcessorDeclined, code, message) }

// Unavailable builds a processor-unavailable error.
func Unavailable(code, message string) *Error { return E(KindProcessorUnavailable, code, message) }

// NotFound builds a not-found error.
func NotFound(code, message string) *Error { return E(KindNotFound, code, message) }

// Forbidden builds a forbidden error.
func Forbidden(code, message string) *Error { return E(KindForbidden, code, message) }

// Internal wraps an unexpected failure.
func Internal(code, message string, err error) *Error {
	return Wrap(KindInternal, code, message, err)
}

// KindOf extracts the Kind from an error chain, defaulting to internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf extracts the stable code from an error chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }
