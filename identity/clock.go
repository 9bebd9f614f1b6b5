package identity

import (
	"sync"
	"time"
)

// Clock produces monotonically non-decreasing millisecond timestamps
// for use as created_at_millis / last_transition_millis on journal
// entries. A plain time.Now().UnixMilli() can step backward across an
// NTP correction; this type refuses to let that happen, the same
// guard the teacher's codegen/snowflake.Generator applies to its
// clock source before minting an ID.
type Clock interface {
	NowMillis() int64
}

// SystemClock is the production Clock: wall-clock time, clamped so it
// never returns a value smaller than the last one it returned.
type SystemClock struct {
	mu   sync.Mutex
	last int64
}

// NewSystemClock returns a ready-to-use SystemClock.
func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

// NowMillis returns the current time in milliseconds since the Unix
// epoch, never smaller than a previously returned value.
func (c *SystemClock) NowMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixMilli()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}

// FixedClock is a test double returning a programmable, strictly
// non-decreasing sequence of timestamps.
type FixedClock struct {
	mu  sync.Mutex
	cur int64
}

// NewFixedClock returns a FixedClock starting at start.
func NewFixedClock(start int64) *FixedClock {
	return &FixedClock{cur: start}
}

// NowMillis returns the current fixed value.
func (c *FixedClock) NowMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// Advance moves the fixed clock forward by delta milliseconds and
// returns the new value. delta must be >= 0.
func (c *FixedClock) Advance(delta int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur += delta
	return c.cur
}

// Set pins the clock to an exact value, useful for reproducing a
// specific recorded journal timeline in tests.
func (c *FixedClock) Set(millis int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = millis
}
