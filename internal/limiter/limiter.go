// Package limiter defines interfaces and implementations for access-request rate limiting.
package limiter

import (
	"context"
	"time"
)

// Limiter counts access requests per key in fixed windows.
type Limiter interface {
	// Allow records one request for key and reports whether it fits the
	// current window, with the time until the window resets when it does not.
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// Nop allows everything.
type Nop struct{}

// Allow always reports true.
func (Nop) Allow(context.Context, string) (bool, time.Duration, error) { return true, 0, nil }

// windowStart aligns now to the start of its fixed window.
func windowStart(now time.Time, window time.Duration) time.Time {
	return now.Truncate(window)
}

// retryAfter is the time left in the window that began at start.
func retryAfter(start time.Time, window time.Duration, now time.Time) time.Duration {
	d := start.Add(window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
