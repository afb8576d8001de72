// Package providers implements LLM backends for the agent loop.
package providers

import (
	"errors"
	"fmt"
	"time"
)

// Error wraps an upstream provider failure with the HTTP status and the
// server's Retry-After hint, when present. The retry layer reads both
// through the StatusCode and RetryAfter accessors.
type Error struct {
	Provider string
	Model    string
	Message  string
	Status   int
	Cause    error

	retryAfter    time.Duration
	hasRetryAfter bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, msg, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Provider, msg)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// StatusCode returns the upstream HTTP status, or zero when unknown.
func (e *Error) StatusCode() int {
	return e.Status
}

// RetryAfter returns the server's Retry-After hint.
func (e *Error) RetryAfter() (time.Duration, bool) {
	return e.retryAfter, e.hasRetryAfter
}

// WithRetryAfter records a Retry-After hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.retryAfter = d
	e.hasRetryAfter = true
	return e
}

// AsProviderError extracts an *Error from an error chain.
func AsProviderError(err error) (*Error, bool) {
	var provErr *Error
	if errors.As(err, &provErr) {
		return provErr, true
	}
	return nil, false
}
