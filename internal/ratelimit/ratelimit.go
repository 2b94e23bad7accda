// Package ratelimit paces calls to rate-limited upstreams.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter blocks until the next call may proceed
type Limiter interface {
	Wait(ctx context.Context) error
}

// FixedDelay spaces successive calls at least delay apart. The first call
// proceeds immediately. A non-positive delay disables pacing.
func FixedDelay(delay time.Duration) Limiter {
	if delay <= 0 {
		return Unlimited()
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

// PerSecond allows up to rps calls per second with the given burst
func PerSecond(rps float64, burst int) Limiter {
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Unlimited never blocks
func Unlimited() Limiter {
	return rate.NewLimiter(rate.Inf, 0)
}
