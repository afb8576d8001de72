package backoff

import (
	"errors"
	"net"
	"strings"
	"time"
)

// StatusError is implemented by errors that carry an upstream HTTP status.
type StatusError interface {
	error
	StatusCode() int
}

// RetryHinter is implemented by errors that carry a server Retry-After hint.
type RetryHinter interface {
	error
	RetryAfter() (time.Duration, bool)
}

// retryableStatuses are the upstream HTTP statuses worth retrying.
var retryableStatuses = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// Retryable reports whether err represents a transient failure: a retryable
// upstream status, a network reset/timeout/DNS failure, or provider
// overload text.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var se StatusError
	if errors.As(err, &se) {
		return retryableStatuses[se.StatusCode()]
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"overloaded",
		"rate limit",
		"connection reset",
		"connection refused",
		"timeout",
		"timed out",
		"429",
		"500",
		"502",
		"503",
		"504",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// RetryAfterHint extracts the server-provided retry delay carried by err,
// clamped to the policy's maximum. Returns false when no hint is present.
func RetryAfterHint(policy Policy, err error) (time.Duration, bool) {
	var rh RetryHinter
	if !errors.As(err, &rh) {
		return 0, false
	}
	hint, ok := rh.RetryAfter()
	if !ok {
		return 0, false
	}
	return ClampRetryAfter(policy, hint)
}
