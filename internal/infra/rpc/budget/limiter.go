// Package budget keeps outgoing requests under the upstream quota.
//
// This package contains:
//   - RateLimiter: sliding-window limiter that suspends callers once the
//     window is full
package budget

import (
	"context"
	"sync"
	"time"
)

// Defaults for the 511.org quota.
const (
	DefaultMaxRequests = 60
	DefaultWindow      = 60 * time.Second
)

// RateLimiter admits at most maxRequests calls in any trailing window.
type RateLimiter struct {
	mu          sync.Mutex
	maxRequests int
	window      time.Duration
	requests    []time.Time

	now func() time.Time
}

// NewRateLimiter creates a limiter. Non-positive arguments fall back to the
// defaults.
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &RateLimiter{
		maxRequests: maxRequests,
		window:      window,
		requests:    make([]time.Time, 0, maxRequests),
		now:         time.Now,
	}
}

// Wait blocks until a request may be issued and records it. It returns how
// long the caller was suspended.
func (l *RateLimiter) Wait(ctx context.Context) (time.Duration, error) {
	var waited time.Duration
	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)
		if len(l.requests) < l.maxRequests {
			l.requests = append(l.requests, now)
			l.mu.Unlock()
			return waited, nil
		}
		delay := l.requests[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		if delay <= 0 {
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return waited, ctx.Err()
		case <-timer.C:
			waited += delay
		}
	}
}

// CurrentRate returns the number of requests issued in the last minute.
func (l *RateLimiter) CurrentRate() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-time.Minute)
	count := 0
	for _, t := range l.requests {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}

// TimeUntilReset returns how long until the oldest tracked request leaves
// the window, or zero when nothing is tracked.
func (l *RateLimiter) TimeUntilReset() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)
	if len(l.requests) == 0 {
		return 0
	}
	if d := l.requests[0].Add(l.window).Sub(now); d > 0 {
		return d
	}
	return 0
}

// Limit returns the configured request ceiling and window.
func (l *RateLimiter) Limit() (int, time.Duration) {
	return l.maxRequests, l.window
}

// prune drops timestamps outside the window. Caller holds mu.
func (l *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.requests) && !l.requests[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.requests = append(l.requests[:0], l.requests[i:]...)
	}
}
