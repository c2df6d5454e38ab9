// Package ratelimit throttles outbox sends.
//
// A dispatcher with a limiter waits for a token before every send, which
// keeps a backlog drain (after a broker outage, say) from flooding the
// broker. Two implementations are provided:
//   - TokenBucket: per-instance token bucket (golang.org/x/time/rate)
//   - RedisLimiter: fixed window shared by every instance through Redis
//
// # Basic Usage
//
//	// 200 sends/second per instance with bursts of 20
//	limiter := ratelimit.NewTokenBucket(200, 20)
//
//	// 1000 sends/second across all instances
//	limiter := ratelimit.NewRedisLimiter(rdb, "outbox", 1000, time.Second)
//
//	dispatcher.WithLimiter(limiter)
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter gates sends. Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether a send may happen now, consuming a token if so.
	Allow(ctx context.Context) bool

	// Wait blocks until a send may happen or ctx is done.
	Wait(ctx context.Context) error
}

// TokenBucket is a local token bucket limiter.
//
//   - Tokens are added at rps per second
//   - At most burst tokens accumulate
//   - Each send consumes one token
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket creates a limiter allowing rps sends per second with the
// given burst.
func NewTokenBucket(rps float64, burst int) *TokenBucket {
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Allow implements Limiter.
func (t *TokenBucket) Allow(context.Context) bool {
	return t.limiter.Allow()
}

// Wait implements Limiter.
func (t *TokenBucket) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

// SetLimit changes the rate at runtime.
func (t *TokenBucket) SetLimit(rps float64) {
	t.limiter.SetLimit(rate.Limit(rps))
}

// Limit returns the current rate.
func (t *TokenBucket) Limit() float64 {
	return float64(t.limiter.Limit())
}

// Burst returns the bucket size.
func (t *TokenBucket) Burst() int {
	return t.limiter.Burst()
}

// Compile-time checks
var (
	_ Limiter = (*TokenBucket)(nil)
	_ Limiter = (*RedisLimiter)(nil)
)
