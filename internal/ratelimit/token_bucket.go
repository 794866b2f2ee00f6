// Package ratelimit throttles outbound chunk uploads so a capture session
// on a constrained uplink doesn't try to push every chunk the instant it's
// sealed. It wraps golang.org/x/time/rate rather than hand-rolling a
// bucket: the client's blocking Wait is exactly the "pace chunk uploads,
// don't drop them" behavior a capture session on a metered uplink needs.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter paces chunk uploads to at most rate-per-second, with burst slack
// for the first few chunks of a session.
type Limiter struct {
	rl *rate.Limiter
}

// New constructs a Limiter from a steady-state rate and burst size. A
// non-positive ratePerSec disables throttling (Wait/Allow always succeed
// immediately).
func New(ratePerSec float64, burst int) *Limiter {
	if ratePerSec <= 0 {
		return &Limiter{rl: rate.NewLimiter(rate.Inf, burst)}
	}
	return &Limiter{rl: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// Wait blocks until n tokens are available or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context, n int) error {
	return l.rl.WaitN(ctx, n)
}

// Allow reports whether n tokens are immediately available, consuming them
// if so.
func (l *Limiter) Allow(n int) bool {
	return l.rl.AllowN(time.Now(), n)
}
