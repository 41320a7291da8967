// Package ratelimiter wraps golang.org/x/time/rate with a token-bucket
// limiter used to shed excess request frames before they reach the protocol
// engine. A rate of zero disables limiting.
package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a sustained requests-per-second rate with burst
// capacity. All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing requestsPerSecond sustained with the given
// burst. requestsPerSecond of 0 means unlimited.
func New(requestsPerSecond, burst uint) *RateLimiter {
	if requestsPerSecond == 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst == 0 {
		burst = requestsPerSecond
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(burst)),
	}
}

// Allow consumes a token if one is available and reports whether the request
// may proceed. This is the fast path; it never blocks.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or ctx is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Tokens returns the current bucket level, mainly for tests and debugging.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
