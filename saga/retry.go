package saga

import (
	"math"
	"time"
)

// RetryPolicy governs how many times, and after what delay, a
// participant's execute_step is retried after a RetryableError.
// Adapted from the teacher's patterns/retry.Config: same exponential
// backoff shape, but expressed as a pure delay function rather than a
// blocking Do loop, since retries here are re-deliveries of an
// internal Triggered event rather than a held goroutine.
type RetryPolicy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryPolicy returns a conservative policy: two attempts,
// starting at 50ms, doubling up to a 5s ceiling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       2,
		InitialDelay:      50 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// DelayForAttempt returns the backoff delay before attempt n (1-based,
// n being the attempt about to be made). Delay(n) = min(max_delay,
// initial_delay * multiplier^(n-1)).
func (p RetryPolicy) DelayForAttempt(n int) time.Duration {
	if n <= 1 {
		return p.InitialDelay
	}
	scaled := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(n-1))
	if scaled > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(scaled)
}

// ExhaustedAt reports whether attempts (already made, including the
// one that just failed) has used up the policy's budget.
func (p RetryPolicy) ExhaustedAt(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// Scheduler arranges for fn to run after delay without blocking the
// caller's goroutine, so a participant's single-threaded mailbox is
// never held up waiting out a retry backoff.
type Scheduler interface {
	ScheduleAfter(delay time.Duration, fn func())
}

// TimerScheduler is the production Scheduler: one time.AfterFunc per
// scheduled call.
type TimerScheduler struct{}

// NewTimerScheduler returns a ready-to-use TimerScheduler.
func NewTimerScheduler() TimerScheduler { return TimerScheduler{} }

// ScheduleAfter starts a timer that invokes fn once, on its own
// goroutine, after delay elapses.
func (TimerScheduler) ScheduleAfter(delay time.Duration, fn func()) {
	time.AfterFunc(delay, fn)
}

// ImmediateScheduler runs fn synchronously, ignoring delay. Useful in
// tests that want retry backoff to not actually slow the test down.
type ImmediateScheduler struct{}

// ScheduleAfter invokes fn immediately, on the calling goroutine.
func (ImmediateScheduler) ScheduleAfter(_ time.Duration, fn func()) {
	fn()
}
