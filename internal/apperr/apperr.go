// Package apperr is the structured error type for memoryd.
//
// Every failure that crosses a package boundary is classified into one of a
// small set of kinds. The HTTP layer maps kinds to status codes and decides
// how much detail a response body may carry; everything below the HTTP layer
// just classifies and wraps.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping and retry decisions.
type Kind string

const (
	// KindNotFound means the referenced entity does not exist.
	KindNotFound Kind = "not_found"

	// KindInvalidArgument means the request was malformed or out of range.
	KindInvalidArgument Kind = "invalid_argument"

	// KindFailedPrecondition means the system state does not allow the
	// operation (for example an index dimension mismatch).
	KindFailedPrecondition Kind = "failed_precondition"

	// KindResourceExhausted means a bounded resource is full and the caller
	// should back off and retry later.
	KindResourceExhausted Kind = "resource_exhausted"

	// KindUnavailable means a dependency (vector backend, provider, object
	// store) could not be reached. Usually transient.
	KindUnavailable Kind = "unavailable"

	// KindInternal means an unexpected fault inside the service.
	KindInternal Kind = "internal"
)

// Error is the structured error carried through memoryd.
type Error struct {
	// Kind is the error classification.
	Kind Kind

	// Message is the human-readable error message. For KindInternal this is
	// logged but never returned to HTTP clients.
	Message string

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// RetryAfter is the suggested client backoff in whole seconds.
	// Zero means unset. Only meaningful for KindResourceExhausted.
	RetryAfter int

	// cause is the underlying error, if any.
	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches errors by kind, enabling errors.Is with kind sentinels.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithRetryAfter sets the suggested backoff in seconds.
// Returns the error for method chaining.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}

// HTTPStatus maps the error kind to an HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindFailedPrecondition:
		return http.StatusConflict
	case KindResourceExhausted:
		return http.StatusTooManyRequests
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New creates a new Error with the given kind, message, and optional cause.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// NotFound creates a not-found error.
func NotFound(message string, cause error) *Error {
	return New(KindNotFound, message, cause)
}

// InvalidArgument creates a bad-request error.
func InvalidArgument(message string, cause error) *Error {
	return New(KindInvalidArgument, message, cause)
}

// FailedPrecondition creates a state-conflict error.
func FailedPrecondition(message string, cause error) *Error {
	return New(KindFailedPrecondition, message, cause)
}

// ResourceExhausted creates a back-off error with a retry hint in seconds.
func ResourceExhausted(message string, retryAfter int) *Error {
	return &Error{Kind: KindResourceExhausted, Message: message, RetryAfter: retryAfter}
}

// Unavailable creates a dependency-unreachable error.
func Unavailable(message string, cause error) *Error {
	return New(KindUnavailable, message, cause)
}

// Internal creates an internal fault error.
func Internal(message string, cause error) *Error {
	return New(KindInternal, message, cause)
}

// KindOf extracts the kind from an error chain.
// Returns empty kind if no *Error is found.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// IsKind reports whether the error chain contains an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsNotFound reports whether the error is a not-found error.
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}

// IsInvalidArgument reports whether the error is a bad-request error.
func IsInvalidArgument(err error) bool {
	return IsKind(err, KindInvalidArgument)
}

// IsFailedPrecondition reports whether the error is a state-conflict error.
func IsFailedPrecondition(err error) bool {
	return IsKind(err, KindFailedPrecondition)
}

// IsRetryable reports whether the operation may be retried.
// Unavailable and ResourceExhausted indicate transient conditions.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindResourceExhausted:
		return true
	}
	return false
}

// HTTPStatus maps any error to an HTTP status code.
// Unclassified errors map to 500.
func HTTPStatus(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// ClientMessage returns the message safe to expose to HTTP clients.
// 5xx errors never leak internal detail; the caller logs the full chain.
func ClientMessage(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		switch ae.Kind {
		case KindInternal:
			return "internal error"
		case KindUnavailable:
			return "service unavailable"
		default:
			return ae.Message
		}
	}
	return "internal error"
}
