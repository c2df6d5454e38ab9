// Package backoff computes retry schedules for failed inbox and outbox rows
// and provides the small retry helpers used around store calls.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

const maxShift = 62

// DefaultUnit is the default retry unit (60s, 120s, 240s, ...).
const DefaultUnit = 60 * time.Second

// Exponential returns unit * 2^attempt, saturating at math.MaxInt64.
// Negative attempts are treated as 0.
func Exponential(unit time.Duration, attempt int) time.Duration {
	if unit <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt
	if int64(unit) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(unit) * multiplier)
}

// NextRetryAfter returns when a row that has already failed retriedCount
// times becomes eligible again:
//
//	now + unit * 2^retriedCount
//
// With a 60s unit the sequence is 60s, 120s, 240s, 480s, ... The result is
// strictly increasing in retriedCount until it saturates at the maximum
// representable time.
func NextRetryAfter(now time.Time, retriedCount int, unit time.Duration) time.Time {
	return now.Add(Exponential(unit, retriedCount))
}

// Jitter randomizes d by +/- factor (0 < factor <= 1).
func Jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || factor > 1 {
		return d
	}
	j := (rand.Float64()*2 - 1) * factor
	return time.Duration(float64(d) * (1 + j))
}

// RandomDelay returns a random duration in [min, max). It is used by the
// polling loops to desynchronize instances after a drain.
func RandomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + rand.N(max-min)
}

// SleepContext sleeps for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}

// Permanent wraps an error that Retry must not retry.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// Retry calls fn up to attempts times, sleeping delay between calls.
// It stops early when fn succeeds, returns a *Permanent error, or ctx is done.
// The last error is returned.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var perm *Permanent
		if errors.As(err, &perm) {
			return perm.Err
		}
		if i == attempts-1 {
			break
		}
		if serr := SleepContext(ctx, delay); serr != nil {
			return errors.Join(err, serr)
		}
	}
	return err
}
