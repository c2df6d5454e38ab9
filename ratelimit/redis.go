package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/rbaliyan/mailbox/backoff"
	"github.com/redis/go-redis/v9"
)

// windowScript increments the window counter, starting its expiry on the
// first hit, and returns 1 while the counter is within the limit.
var windowScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
	return 0
end
return 1
`)

// RedisLimiter is a fixed-window limiter shared by every dispatcher that
// uses the same key.
//
// The window counter resets at window boundaries, so up to twice the limit
// can pass around a boundary. On Redis errors the limiter fails open: a
// throttle must not stop delivery.
type RedisLimiter struct {
	client redis.Cmdable
	key    string
	limit  int
	window time.Duration
	logger *slog.Logger
}

// NewRedisLimiter creates a limiter allowing limit sends per window.
func NewRedisLimiter(client redis.Cmdable, key string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		key:    "ratelimit:" + key,
		limit:  max(limit, 1),
		window: window,
		logger: slog.Default().With("component", "ratelimit.redis"),
	}
}

// WithLogger sets a custom logger.
func (r *RedisLimiter) WithLogger(l *slog.Logger) *RedisLimiter {
	r.logger = l
	return r
}

// Allow implements Limiter.
func (r *RedisLimiter) Allow(ctx context.Context) bool {
	ok, err := windowScript.Run(ctx, r.client, []string{r.key}, r.limit, r.window.Milliseconds()).Int()
	if err != nil {
		r.logger.Warn("rate limit check failed, allowing", "key", r.key, "error", err)
		return true
	}
	return ok == 1
}

// Wait implements Limiter. It polls Allow at the average send interval.
func (r *RedisLimiter) Wait(ctx context.Context) error {
	interval := r.window / time.Duration(r.limit)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.Allow(ctx) {
			return nil
		}
		if err := backoff.SleepContext(ctx, interval); err != nil {
			return err
		}
	}
}

// Remaining returns the sends left in the current window.
func (r *RedisLimiter) Remaining(ctx context.Context) (int, error) {
	n, err := r.client.Get(ctx, r.key).Int()
	if err == redis.Nil {
		return r.limit, nil
	}
	if err != nil {
		return 0, err
	}
	return max(r.limit-n, 0), nil
}

// Reset clears the current window.
func (r *RedisLimiter) Reset(ctx context.Context) error {
	return r.client.Del(ctx, r.key).Err()
}
