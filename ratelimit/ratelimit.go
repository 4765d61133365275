// Package ratelimit wraps a token bucket shared by all refresh jobs so the
// aggregate call rate to the identity provider never exceeds the configured
// transactions-per-second ceiling.
package ratelimit

import (
	"context"
	"math"

	"golang.org/x/time/rate"
)

// Limiter is a process-wide token bucket. Wait delays callers; it never
// drops requests.
type Limiter struct {
	bucket *rate.Limiter
}

// New creates a Limiter admitting tps calls per second. Capacity (burst) is
// ceil(tps), at least 1, so sub-1 TPS configurations still make progress.
func New(tps float64) *Limiter {
	burst := int(math.Ceil(tps))
	if burst < 1 {
		burst = 1
	}
	return &Limiter{bucket: rate.NewLimiter(rate.Limit(tps), burst)}
}

// Wait blocks until a token is available or the context is done.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.bucket.Wait(ctx)
}

// Allow reports whether a token is immediately available, consuming it if so.
func (l *Limiter) Allow() bool {
	return l.bucket.Allow()
}

// Limit returns the configured rate in tokens per second.
func (l *Limiter) Limit() float64 {
	return float64(l.bucket.Limit())
}
