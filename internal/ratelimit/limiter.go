// Package ratelimit provides token-bucket rate limiting for the HTTP and
// WebSocket façades. Counters are process-local and lost on restart.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Config configures rate limiting behavior.
type Config struct {
	// RequestsPerMinute is the number of requests allowed per minute per key.
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	// BurstSize is the maximum number of requests allowed in a burst.
	BurstSize int `yaml:"burst_size"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the per-IP HTTP limit: 60 requests/minute.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         60,
		Enabled:           true,
	}
}

// Bucket implements token bucket rate limiting.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewBucket creates a new token bucket.
func NewBucket(config Config) *Bucket {
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 60
	}
	if config.BurstSize <= 0 {
		config.BurstSize = int(config.RequestsPerMinute)
	}

	return &Bucket{
		tokens:     float64(config.BurstSize),
		maxTokens:  float64(config.BurstSize),
		refillRate: config.RequestsPerMinute / 60.0,
		lastRefill: time.Now(),
	}
}

// Allow checks if a request should be allowed and consumes a token if so.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// refill adds tokens based on time elapsed (must be called with lock held).
func (b *Bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// Tokens returns the current number of available tokens.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// resetAt returns when the bucket will next have a token available
// (must be called with lock held after refill).
func (b *Bucket) resetAt(now time.Time) time.Time {
	if b.tokens >= 1 {
		return now
	}
	needed := 1 - b.tokens
	seconds := needed / b.refillRate
	return now.Add(time.Duration(seconds * float64(time.Second)))
}

// Limiter manages rate limits for multiple keys (remote IPs, connections).
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
	config  Config
	maxKeys int
}

// NewLimiter creates a new rate limiter.
func NewLimiter(config Config) *Limiter {
	return &Limiter{
		buckets: make(map[string]*Bucket),
		config:  config,
		maxKeys: 10000,
	}
}

// Status reports the outcome of a rate-limit check along with the values
// surfaced in the X-RateLimit-* response headers.
type Status struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Allow checks if a request for the given key should be allowed.
func (l *Limiter) Allow(key string) bool {
	return l.Check(key).Allowed
}

// Check consumes a token for the key if available and returns the
// post-consumption status.
func (l *Limiter) Check(key string) Status {
	limit := int(l.config.RequestsPerMinute)
	if !l.config.Enabled {
		return Status{Allowed: true, Limit: limit, Remaining: limit, Reset: time.Now()}
	}

	bucket := l.getBucket(key)

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	bucket.refill()
	now := bucket.lastRefill

	allowed := bucket.tokens >= 1
	if allowed {
		bucket.tokens--
	}

	return Status{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: int(math.Floor(bucket.tokens)),
		Reset:     bucket.resetAt(now),
	}
}

// getBucket returns or creates a bucket for the given key.
func (l *Limiter) getBucket(key string) *Bucket {
	l.mu.RLock()
	bucket, exists := l.buckets[key]
	l.mu.RUnlock()

	if exists {
		return bucket
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if bucket, exists = l.buckets[key]; exists {
		return bucket
	}

	if len(l.buckets) >= l.maxKeys {
		l.prune()
	}

	bucket = NewBucket(l.config)
	l.buckets[key] = bucket
	return bucket
}

// prune removes buckets with near-full tokens (likely inactive keys).
func (l *Limiter) prune() {
	for key, bucket := range l.buckets {
		if bucket.Tokens() >= bucket.maxTokens*0.9 {
			delete(l.buckets, key)
		}
	}
}

// Reset clears the rate limit state for a key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}
