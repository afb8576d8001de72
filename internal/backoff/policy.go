// Package backoff provides exponential backoff with jitter and the
// transient-error classification used by the agent's model-call retry loop.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// InitialMs is the initial backoff duration in milliseconds.
	InitialMs float64
	// MaxMs is the maximum backoff duration in milliseconds.
	MaxMs float64
	// Factor is the exponential factor applied to each attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) applied to the backoff.
	Jitter float64
}

// Compute calculates the backoff duration for a given attempt number.
// The formula is: base = initialMs * factor^(attempt-1), jitter = base * jitter * random()
// Returns min(maxMs, base + jitter) as a time.Duration.
// Attempt numbers start at 1.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the backoff duration using a provided random
// value in [0.0, 1.0). Used by tests for deterministic results.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)

	base := policy.InitialMs * math.Pow(policy.Factor, exp)

	jitterAmount := base * policy.Jitter * randomValue

	total := math.Min(policy.MaxMs, base+jitterAmount)

	return time.Duration(math.Round(total)) * time.Millisecond
}

// DefaultPolicy returns the policy used for model API retries.
// Initial: 1s, Max: 30s, Factor: 2, Jitter: 30%
func DefaultPolicy() Policy {
	return Policy{
		InitialMs: 1000,
		MaxMs:     30000,
		Factor:    2,
		Jitter:    0.3,
	}
}

// ToolPolicy returns a quicker policy for local tool retries.
// Initial: 100ms, Max: 5s, Factor: 2, Jitter: 10%
func ToolPolicy() Policy {
	return Policy{
		InitialMs: 100,
		MaxMs:     5000,
		Factor:    2,
		Jitter:    0.1,
	}
}

// ClampRetryAfter converts a server-provided retry hint to a delay bounded
// by the policy's maximum. Returns false when the hint is absent or invalid.
func ClampRetryAfter(policy Policy, hint time.Duration) (time.Duration, bool) {
	if hint <= 0 {
		return 0, false
	}
	maxDelay := time.Duration(policy.MaxMs) * time.Millisecond
	if hint > maxDelay {
		return maxDelay, true
	}
	return hint, true
}
