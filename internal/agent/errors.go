package agent

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrorKind categorizes run failures for callers that need to map them to
// HTTP statuses or retry decisions.
type ErrorKind string

const (
	// KindValidation indicates bad input: malformed tool parameters, a
	// missing field, or a disallowed model identifier.
	KindValidation ErrorKind = "validation"

	// KindPromptTooLarge indicates the prompt exceeded the configured
	// character ceiling.
	KindPromptTooLarge ErrorKind = "prompt_too_large"

	// KindConcurrencyExceeded indicates session admission was refused.
	KindConcurrencyExceeded ErrorKind = "concurrency_exceeded"

	// KindTransient indicates a retryable upstream failure.
	KindTransient ErrorKind = "transient"

	// KindUpstream indicates a non-retryable provider failure or
	// exhausted retries.
	KindUpstream ErrorKind = "upstream"

	// KindBudgetExceeded indicates the run stopped at the token budget.
	KindBudgetExceeded ErrorKind = "budget_exceeded"

	// KindToolLimitExceeded indicates the run stopped at the tool-call
	// ceiling.
	KindToolLimitExceeded ErrorKind = "tool_limit_exceeded"

	// KindPatchDenied indicates a patch approval was denied or timed out.
	KindPatchDenied ErrorKind = "patch_denied"

	// KindSecretScanBlocked indicates a checkpoint was refused because
	// staged content matched a secret pattern.
	KindSecretScanBlocked ErrorKind = "secret_scan_blocked"

	// KindStorage indicates a database failure.
	KindStorage ErrorKind = "storage"

	// KindCancelled indicates user-initiated cancellation.
	KindCancelled ErrorKind = "cancelled"
)

// RunError is a categorized failure from the agent loop.
type RunError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return string(e.Kind)
}

// Unwrap returns the underlying error.
func (e *RunError) Unwrap() error {
	return e.Cause
}

// NewRunError creates a RunError with a formatted message.
func NewRunError(kind ErrorKind, format string, args ...any) *RunError {
	return &RunError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapRunError attaches a kind to an underlying error.
func WrapRunError(kind ErrorKind, cause error) *RunError {
	if cause == nil {
		return nil
	}
	return &RunError{Kind: kind, Message: cause.Error(), Cause: cause}
}

// KindOf extracts the ErrorKind from an error chain. Unclassified errors
// report KindUpstream.
func KindOf(err error) ErrorKind {
	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr.Kind
	}
	return KindUpstream
}

// IsRunError reports whether err is or wraps a RunError of the given kind.
func IsRunError(err error, kind ErrorKind) bool {
	var runErr *RunError
	return errors.As(err, &runErr) && runErr.Kind == kind
}

var (
	absPathPattern = regexp.MustCompile(`(/[\w.\-]+){2,}`)
	stackPattern   = regexp.MustCompile(`goroutine \d+ \[[^\]]*\]:`)
)

// SanitizeErrorText strips internal filesystem paths and stack traces from
// error text before it crosses the API boundary.
func SanitizeErrorText(text string) string {
	if idx := stackPattern.FindStringIndex(text); idx != nil {
		text = strings.TrimSpace(text[:idx[0]])
	}
	return absPathPattern.ReplaceAllString(text, "<path>")
}
