package backoff

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func TestNextRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	t.Run("doubles from the unit", func(t *testing.T) {
		want := []time.Duration{60, 120, 240, 480, 960}
		for n, secs := range want {
			got := NextRetryAfter(now, n, DefaultUnit).Sub(now)
			if got != secs*time.Second {
				t.Errorf("retry %d: expected %v, got %v", n, secs*time.Second, got)
			}
		}
	})

	t.Run("is strictly increasing", func(t *testing.T) {
		prev := NextRetryAfter(now, 0, time.Second)
		for n := 1; n < 30; n++ {
			next := NextRetryAfter(now, n, time.Second)
			if !next.After(prev) {
				t.Fatalf("retry %d: %v not after %v", n, next, prev)
			}
			prev = next
		}
	})

	t.Run("saturates instead of overflowing", func(t *testing.T) {
		far := NextRetryAfter(now, 200, DefaultUnit)
		if far.Before(now) {
			t.Errorf("expected saturated time after now, got %v", far)
		}
	})
}

func TestExponential(t *testing.T) {
	if Exponential(0, 3) != 0 {
		t.Error("expected zero for zero unit")
	}
	if Exponential(time.Second, -1) != time.Second {
		t.Error("expected negative attempt to be treated as 0")
	}
	if Exponential(time.Hour, 100) != time.Duration(math.MaxInt64) {
		t.Error("expected saturation")
	}
}

func TestRandomDelay(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := RandomDelay(10*time.Millisecond, 20*time.Millisecond)
		if d < 10*time.Millisecond || d >= 20*time.Millisecond {
			t.Fatalf("delay %v out of range", d)
		}
	}
	if RandomDelay(time.Second, time.Second) != time.Second {
		t.Error("expected min for empty range")
	}
}

func TestJitter(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := Jitter(time.Second, 0.1)
		if d < 900*time.Millisecond || d > 1100*time.Millisecond {
			t.Fatalf("jitter %v out of range", d)
		}
	}
	if Jitter(time.Second, 0) != time.Second {
		t.Error("expected no jitter for zero factor")
	}
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("stops after success", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, 5, time.Millisecond, func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("not ready")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Retry failed: %v", err)
		}
		if calls != 3 {
			t.Errorf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("returns last error when exhausted", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, 2, time.Millisecond, func(context.Context) error {
			calls++
			return errors.New("down")
		})
		if err == nil || err.Error() != "down" {
			t.Errorf("expected down, got %v", err)
		}
		if calls != 2 {
			t.Errorf("expected 2 calls, got %d", calls)
		}
	})

	t.Run("does not retry permanent errors", func(t *testing.T) {
		sentinel := errors.New("bad input")
		calls := 0
		err := Retry(ctx, 5, time.Millisecond, func(context.Context) error {
			calls++
			return &Permanent{Err: sentinel}
		})
		if !errors.Is(err, sentinel) || calls != 1 {
			t.Errorf("expected one call with sentinel, got %d calls and %v", calls, err)
		}
	})

	t.Run("honours cancellation", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := Retry(cctx, 3, time.Hour, func(context.Context) error {
			return errors.New("down")
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}
