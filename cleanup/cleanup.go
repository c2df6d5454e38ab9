// Package cleanup bounds the size of inbox and outbox tables.
//
// The handling paths never delete rows: a Processed row is the proof that a
// message was handled. The Sweeper removes them once they are no longer
// useful for deduplication, and removes Failed and Ignored rows once they
// are past their retention.
//
// Each pass first caps the number of Processed rows, deleting the oldest
// beyond MaxStoredProcessed, then deletes rows past their TTL. Deletes run
// in batches of BatchSize and every store call is retried RetryCount times.
//
// Example:
//
//	sweeper, err := cleanup.New(store, cleanup.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	go sweeper.Run(ctx)
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rbaliyan/mailbox/backoff"
	"github.com/rbaliyan/mailbox/message"
	"github.com/rbaliyan/mailbox/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"
)

// Options configures a Sweeper. A zero TTL or cap disables that rule.
type Options struct {
	Interval           time.Duration
	BatchSize          int
	RetryCount         int
	RetryDelay         time.Duration
	MaxStoredProcessed int64
	ProcessedTTL       time.Duration
	FailedTTL          time.Duration
	IgnoredTTL         time.Duration
}

// DefaultOptions keeps a week of processed rows, at most a million of
// them, and a month of failed and ignored rows.
func DefaultOptions() Options {
	return Options{
		Interval:           time.Minute,
		BatchSize:          1000,
		RetryCount:         3,
		RetryDelay:         time.Second,
		MaxStoredProcessed: 1_000_000,
		ProcessedTTL:       7 * 24 * time.Hour,
		FailedTTL:          30 * 24 * time.Hour,
		IgnoredTTL:         30 * 24 * time.Hour,
	}
}

// Validate checks the options.
func (o Options) Validate() error {
	var errs []error
	if o.Interval <= 0 {
		errs = append(errs, fmt.Errorf("interval must be positive, got %s", o.Interval))
	}
	if o.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", o.BatchSize))
	}
	if o.RetryCount < 0 {
		errs = append(errs, fmt.Errorf("retry count must not be negative, got %d", o.RetryCount))
	}
	if o.MaxStoredProcessed < 0 {
		errs = append(errs, fmt.Errorf("max stored processed must not be negative, got %d", o.MaxStoredProcessed))
	}
	if o.ProcessedTTL < 0 || o.FailedTTL < 0 || o.IgnoredTTL < 0 {
		errs = append(errs, errors.New("ttls must not be negative"))
	}
	return errors.Join(errs...)
}

// Result counts the rows deleted by one pass.
type Result struct {
	Capped    int64
	Processed int64
	Failed    int64
	Ignored   int64
}

// Total returns the number of rows deleted.
func (r Result) Total() int64 {
	return r.Capped + r.Processed + r.Failed + r.Ignored
}

// Sweeper deletes rows from one store.
type Sweeper struct {
	store   store.Store
	opts    Options
	now     func() time.Time
	logger  *slog.Logger
	running *semaphore.Weighted
	deleted metric.Int64Counter
}

// New creates a sweeper. It fails on invalid options.
func New(s store.Store, opts Options) (*Sweeper, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("cleanup: %w", err)
	}
	meter := otel.Meter("mailbox.cleanup")
	deleted, _ := meter.Int64Counter("mailbox.cleanup.deleted",
		metric.WithDescription("Rows deleted by the sweeper"),
		metric.WithUnit("{message}"))

	return &Sweeper{
		store:   s,
		opts:    opts,
		now:     time.Now,
		logger:  slog.Default().With("component", "cleanup"),
		running: semaphore.NewWeighted(1),
		deleted: deleted,
	}, nil
}

// WithLogger sets a custom logger.
func (s *Sweeper) WithLogger(l *slog.Logger) *Sweeper {
	s.logger = l
	return s
}

// WithClock replaces time.Now.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run sweeps every Interval until ctx is cancelled. It returns ctx.Err().
// Errors of a pass are logged and the next pass runs as scheduled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("started", "interval", s.opts.Interval)
	defer s.logger.Info("stopped")

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !s.running.TryAcquire(1) {
				continue
			}
			res, err := s.Sweep(ctx)
			s.running.Release(1)
			if err != nil && ctx.Err() == nil {
				s.logger.Error("sweep failed", "error", err)
			} else if res.Total() > 0 {
				s.logger.Info("sweep finished",
					"capped", res.Capped,
					"processed", res.Processed,
					"failed", res.Failed,
					"ignored", res.Ignored)
			}
		}
	}
}

// Sweep runs one pass. The returned Result counts what was deleted even
// when an error stops the pass early.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	var err error

	if res.Capped, err = s.capProcessed(ctx); err != nil {
		return res, fmt.Errorf("cap processed: %w", err)
	}

	now := s.now()
	for _, rule := range []struct {
		status message.Status
		ttl    time.Duration
		count  *int64
	}{
		{message.StatusProcessed, s.opts.ProcessedTTL, &res.Processed},
		{message.StatusFailed, s.opts.FailedTTL, &res.Failed},
		{message.StatusIgnored, s.opts.IgnoredTTL, &res.Ignored},
	} {
		if rule.ttl == 0 {
			continue
		}
		n, err := s.deleteBatches(ctx, rule.status, -1, func(ctx context.Context, limit int) (int64, error) {
			return s.store.DeleteExpired(ctx, rule.status, now.Add(-rule.ttl), limit)
		})
		*rule.count = n
		if err != nil {
			return res, fmt.Errorf("expire %s: %w", rule.status, err)
		}
	}
	return res, nil
}

func (s *Sweeper) capProcessed(ctx context.Context) (int64, error) {
	if s.opts.MaxStoredProcessed == 0 {
		return 0, nil
	}
	var count int64
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		count, err = s.store.Count(ctx, message.StatusProcessed)
		return err
	})
	if err != nil {
		return 0, err
	}
	excess := count - s.opts.MaxStoredProcessed
	if excess <= 0 {
		return 0, nil
	}
	return s.deleteBatches(ctx, message.StatusProcessed, excess, func(ctx context.Context, limit int) (int64, error) {
		return s.store.DeleteOldest(ctx, message.StatusProcessed, limit)
	})
}

// deleteBatches calls del until it deletes less than a full batch or, when
// budget is not negative, until budget rows are gone.
func (s *Sweeper) deleteBatches(ctx context.Context, status message.Status, budget int64, del func(ctx context.Context, limit int) (int64, error)) (int64, error) {
	var total int64
	for ctx.Err() == nil {
		limit := s.opts.BatchSize
		if budget >= 0 {
			limit = int(min(int64(limit), budget-total))
			if limit <= 0 {
				break
			}
		}

		var n int64
		err := s.retry(ctx, func(ctx context.Context) error {
			var err error
			n, err = del(ctx, limit)
			return err
		})
		total += n
		if n > 0 {
			s.deleted.Add(ctx, n, metric.WithAttributes(attribute.String("status", status.String())))
		}
		if err != nil {
			return total, err
		}
		if n < int64(limit) {
			break
		}
	}
	return total, ctx.Err()
}

func (s *Sweeper) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	return backoff.Retry(ctx, s.opts.RetryCount+1, s.opts.RetryDelay, fn)
}
