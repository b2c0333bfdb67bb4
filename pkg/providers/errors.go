package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind classifies adapter failures into the engine's error taxonomy.
// The fallback service branches on the kind, never on concrete error types,
// so every adapter must translate vendor errors into one of these kinds.
type ErrorKind string

const (
	// KindTimeout indicates the request exceeded its deadline. Retryable.
	KindTimeout ErrorKind = "timeout"

	// KindRateLimited indicates the vendor rejected the request due to rate
	// limiting (HTTP 429). Retryable.
	KindRateLimited ErrorKind = "rate_limited"

	// KindUnauthorized indicates the vendor rejected the credentials
	// (HTTP 401/403). Not retryable.
	KindUnauthorized ErrorKind = "unauthorized"

	// KindBadRequest indicates the request was malformed or referenced an
	// unknown model (HTTP 400/404/422). Not retryable.
	KindBadRequest ErrorKind = "bad_request"

	// KindUnavailable indicates a transient vendor-side failure
	// (HTTP 5xx, connection refused). Retryable.
	KindUnavailable ErrorKind = "unavailable"

	// KindNotSupported indicates the adapter does not implement the requested
	// capability (e.g. embeddings). Not retryable.
	KindNotSupported ErrorKind = "not_supported"

	// KindCancelled indicates the caller cancelled the enclosing request.
	// Not retryable and not counted toward circuit breaker thresholds.
	KindCancelled ErrorKind = "cancelled"

	// KindInternal wraps unexpected failures (parse errors, programming
	// errors). Not retryable.
	KindInternal ErrorKind = "internal"
)

// Error is the uniform error returned by every adapter. It carries the
// provider name, the taxonomy kind, and the HTTP status when applicable.
type Error struct {
	// Provider is the model id of the adapter that produced the error.
	Provider string

	// Kind is the taxonomy classification.
	Kind ErrorKind

	// StatusCode is the HTTP status code (0 if not applicable).
	StatusCode int

	// Message is a human-readable description.
	Message string

	// RetryAfter is the vendor-suggested wait before retrying (rate limits).
	RetryAfter time.Duration

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %q %s (status %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %q %s: %s", e.Provider, e.Kind, e.Message)
}

// Unwrap returns the underlying error for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the error is worth retrying. Only timeouts,
// rate limits and transient vendor failures qualify.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindRateLimited, KindUnavailable:
		return true
	default:
		return false
	}
}

// Countable reports whether the error should count toward a circuit
// breaker's failure threshold. Caller errors (bad credentials, malformed
// requests) and cancellations say nothing about provider health.
func (e *Error) Countable() bool {
	switch e.Kind {
	case KindUnauthorized, KindBadRequest, KindNotSupported, KindCancelled:
		return false
	default:
		return true
	}
}

// NewError constructs an adapter error with the given kind.
func NewError(provider string, kind ErrorKind, message string) *Error {
	return &Error{Provider: provider, Kind: kind, Message: message}
}

// WrapError wraps an underlying error with a kind classification.
func WrapError(provider string, kind ErrorKind, message string, cause error) *Error {
	return &Error{Provider: provider, Kind: kind, Message: message, Cause: cause}
}

// IsRetryable reports whether err is a retryable adapter error.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// IsCountable reports whether err should count toward breaker thresholds.
// Unclassified errors count; they are assumed to be infrastructure failures.
func IsCountable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Countable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// KindOf extracts the taxonomy kind from err, or KindInternal for
// unclassified errors.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// ClassifyStatus maps an HTTP response status to an adapter error.
// The body excerpt is included in the message to aid debugging; callers
// should truncate it before passing.
func ClassifyStatus(provider string, status int, body string) *Error {
	kind := KindInternal
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindUnauthorized
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = KindTimeout
	case status >= 500:
		kind = KindUnavailable
	case status >= 400:
		kind = KindBadRequest
	}

	return &Error{
		Provider:   provider,
		Kind:       kind,
		StatusCode: status,
		Message:    body,
	}
}

// ClassifyTransport maps a transport-level failure (connection refused,
// context deadline) to an adapter error.
func ClassifyTransport(provider string, err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return WrapError(provider, KindTimeout, "request deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return WrapError(provider, KindCancelled, "request cancelled", err)
	default:
		return WrapError(provider, KindUnavailable, "transport failure", err)
	}
}
