// Package admission provides the bounded counter that gates concurrent
// agent runs. Every successful TryAcquire must be paired with exactly one
// Release on all exit paths.
package admission

import "sync"

// Counter is a mutex-guarded admission counter. The limit comparison and
// the increment must happen under one lock so the count never exceeds the
// limit even under concurrent admission attempts.
type Counter struct {
	mu    sync.Mutex
	value int64
}

// NewCounter returns a counter starting at zero.
func NewCounter() *Counter {
	return &Counter{}
}

// TryAcquire increments the counter iff the current value is below limit.
// A limit <= 0 means unlimited.
func (c *Counter) TryAcquire(limit int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if limit > 0 && c.value >= limit {
		return false
	}
	c.value++
	return true
}

// Release decrements the counter, flooring at zero.
func (c *Counter) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.value > 0 {
		c.value--
	}
}

// Value returns a snapshot of the current count.
func (c *Counter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}
