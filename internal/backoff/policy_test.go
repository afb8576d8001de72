package backoff

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestComputeWithRand(t *testing.T) {
	tests := []struct {
		name        string
		policy      Policy
		attempt     int
		randomValue float64
		expected    time.Duration
	}{
		{
			name:        "first attempt with no jitter",
			policy:      Policy{InitialMs: 100, MaxMs: 10000, Factor: 2, Jitter: 0},
			attempt:     1,
			randomValue: 0.5,
			expected:    100 * time.Millisecond,
		},
		{
			name:        "second attempt doubles",
			policy:      Policy{InitialMs: 100, MaxMs: 10000, Factor: 2, Jitter: 0},
			attempt:     2,
			randomValue: 0.5,
			expected:    200 * time.Millisecond,
		},
		{
			name:        "fifth attempt",
			policy:      Policy{InitialMs: 100, MaxMs: 10000, Factor: 2, Jitter: 0},
			attempt:     5,
			randomValue: 0.5,
			expected:    1600 * time.Millisecond,
		},
		{
			name:        "clamped to max",
			policy:      Policy{InitialMs: 100, MaxMs: 500, Factor: 2, Jitter: 0},
			attempt:     10,
			randomValue: 0.5,
			expected:    500 * time.Millisecond,
		},
		{
			name:        "with 30% jitter at max random",
			policy:      Policy{InitialMs: 1000, MaxMs: 30000, Factor: 2, Jitter: 0.3},
			attempt:     1,
			randomValue: 1.0,
			// base = 1000, jitter = 1000 * 0.3 * 1.0 = 300
			expected: 1300 * time.Millisecond,
		},
		{
			name:        "with 30% jitter at zero random",
			policy:      Policy{InitialMs: 1000, MaxMs: 30000, Factor: 2, Jitter: 0.3},
			attempt:     1,
			randomValue: 0.0,
			expected:    1000 * time.Millisecond,
		},
		{
			name:        "attempt 0 treated as 1",
			policy:      Policy{InitialMs: 100, MaxMs: 10000, Factor: 2, Jitter: 0},
			attempt:     0,
			randomValue: 0.5,
			expected:    100 * time.Millisecond,
		},
		{
			name:        "jitter causes max clamping",
			policy:      Policy{InitialMs: 100, MaxMs: 105, Factor: 1, Jitter: 0.5},
			attempt:     1,
			randomValue: 1.0,
			expected:    105 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeWithRand(tt.policy, tt.attempt, tt.randomValue)
			if got != tt.expected {
				t.Errorf("ComputeWithRand() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestCompute_MonotonicIgnoringJitter(t *testing.T) {
	policy := Policy{InitialMs: 1000, MaxMs: 30000, Factor: 2, Jitter: 0}

	var prev time.Duration
	for attempt := 1; attempt <= 6; attempt++ {
		got := ComputeWithRand(policy, attempt, 0)
		if got < prev {
			t.Errorf("attempt %d: delay %v < previous %v", attempt, got, prev)
		}
		prev = got
	}
}

func TestCompute_JitterRange(t *testing.T) {
	policy := DefaultPolicy()

	// For attempt 1: base = 1000, max jitter = 1000 * 0.3 = 300
	minExpected := 1000 * time.Millisecond
	maxExpected := 1300 * time.Millisecond

	for i := 0; i < 100; i++ {
		got := Compute(policy, 1)
		if got < minExpected || got > maxExpected {
			t.Errorf("Compute() = %v, want in range [%v, %v]", got, minExpected, maxExpected)
		}
	}
}

func TestClampRetryAfter(t *testing.T) {
	policy := Policy{InitialMs: 1000, MaxMs: 30000, Factor: 2, Jitter: 0.3}

	tests := []struct {
		name     string
		hint     time.Duration
		expected time.Duration
		ok       bool
	}{
		{"within max", 5 * time.Second, 5 * time.Second, true},
		{"clamped", 2 * time.Minute, 30 * time.Second, true},
		{"zero hint", 0, 0, false},
		{"negative hint", -time.Second, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ClampRetryAfter(policy, tt.hint)
			if ok != tt.ok || got != tt.expected {
				t.Errorf("ClampRetryAfter(%v) = (%v, %v), want (%v, %v)", tt.hint, got, ok, tt.expected, tt.ok)
			}
		})
	}
}

type statusErr struct{ code int }

func (e *statusErr) Error() string   { return fmt.Sprintf("api error: status %d", e.code) }
func (e *statusErr) StatusCode() int { return e.code }

type hintedErr struct {
	statusErr
	hint time.Duration
}

func (e *hintedErr) RetryAfter() (time.Duration, bool) { return e.hint, e.hint > 0 }

func TestRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"status 429", &statusErr{429}, true},
		{"status 500", &statusErr{500}, true},
		{"status 502", &statusErr{502}, true},
		{"status 503", &statusErr{503}, true},
		{"status 504", &statusErr{504}, true},
		{"status 400", &statusErr{400}, false},
		{"status 401", &statusErr{401}, false},
		{"overloaded text", errors.New("Anthropic API is overloaded"), true},
		{"rate limit text", errors.New("rate limit reached for requests"), true},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"timeout text", errors.New("request timed out"), true},
		{"plain error", errors.New("invalid request body"), false},
		{"wrapped status", fmt.Errorf("model call: %w", &statusErr{503}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.expected {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestRetryAfterHint(t *testing.T) {
	policy := DefaultPolicy()

	err := fmt.Errorf("model call: %w", &hintedErr{statusErr{429}, 7 * time.Second})
	got, ok := RetryAfterHint(policy, err)
	if !ok || got != 7*time.Second {
		t.Errorf("RetryAfterHint() = (%v, %v), want (7s, true)", got, ok)
	}

	if _, ok := RetryAfterHint(policy, &statusErr{429}); ok {
		t.Error("expected no hint from plain status error")
	}

	long := &hintedErr{statusErr{429}, 5 * time.Minute}
	got, ok = RetryAfterHint(policy, long)
	if !ok || got != 30*time.Second {
		t.Errorf("RetryAfterHint() clamp = (%v, %v), want (30s, true)", got, ok)
	}
}
