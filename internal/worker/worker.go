// Package worker implements the claim and process loop shared by the
// outbox dispatcher and the inbox worker.
//
// A drain selects due rows, claims each one with a conditional update and
// runs the handler. Rows are grouped by their grouping key: a group that
// belongs to a sub-queue runs strictly in order and stops at the first row
// that cannot complete, other rows run in parallel. Claims race safely
// across instances because a claim only succeeds when the row still
// carries the concurrency token it was read with.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rbaliyan/mailbox/backoff"
	"github.com/rbaliyan/mailbox/message"
	"github.com/rbaliyan/mailbox/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrClaimLost is returned when another instance changed the row first.
var ErrClaimLost = errors.New("worker: claim lost")

// Handler processes a claimed record. A nil error marks it processed.
type Handler func(ctx context.Context, rec *message.Record) error

// PanicError is returned when a handler panics.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// Engine drives one store. It is safe for concurrent use.
type Engine struct {
	name       string
	store      store.Store
	handle     Handler
	opts       Options
	sequential func(prefix string) bool
	now        func() time.Time
	logger     *slog.Logger
	running    *semaphore.Weighted

	tracer    trace.Tracer
	processed metric.Int64Counter
	failed    metric.Int64Counter
	ignored   metric.Int64Counter
	conflicts metric.Int64Counter
	duration  metric.Float64Histogram
}

// New creates an engine. The name prefixes log, metric and span names
// (for example "outbox.dispatcher").
func New(name string, s store.Store, h Handler, opts Options) *Engine {
	meter := otel.Meter("mailbox." + name)
	processed, _ := meter.Int64Counter("mailbox."+name+".processed",
		metric.WithDescription("Rows handled successfully"),
		metric.WithUnit("{message}"))
	failed, _ := meter.Int64Counter("mailbox."+name+".failed",
		metric.WithDescription("Handler attempts that failed"),
		metric.WithUnit("{message}"))
	ignored, _ := meter.Int64Counter("mailbox."+name+".ignored",
		metric.WithDescription("Failed rows moved to ignored"),
		metric.WithUnit("{message}"))
	conflicts, _ := meter.Int64Counter("mailbox."+name+".conflicts",
		metric.WithDescription("Conditional updates rejected by the store"),
		metric.WithUnit("{message}"))
	duration, _ := meter.Float64Histogram("mailbox."+name+".duration",
		metric.WithDescription("Handler duration"),
		metric.WithUnit("s"))

	return &Engine{
		name:       name,
		store:      s,
		handle:     h,
		opts:       opts,
		sequential: DefaultSequential,
		now:        time.Now,
		logger:     slog.Default().With("component", name),
		running:    semaphore.NewWeighted(1),
		tracer:     otel.Tracer("mailbox." + name),
		processed:  processed,
		failed:     failed,
		ignored:    ignored,
		conflicts:  conflicts,
		duration:   duration,
	}
}

// DefaultSequential reports whether a grouping key carries a sub-queue.
// Callers that know the registered handler names should use
// WithSequential instead, since names may contain the separator.
func DefaultSequential(prefix string) bool {
	return strings.Contains(prefix, message.SubQueueSeparator)
}

// WithLogger sets a custom logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

// WithClock replaces time.Now.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithSequential sets the predicate deciding which groups are ordered.
func (e *Engine) WithSequential(fn func(prefix string) bool) *Engine {
	e.sequential = fn
	return e
}

// Options returns the engine configuration.
func (e *Engine) Options() Options {
	return e.opts
}

// Now returns the engine clock reading.
func (e *Engine) Now() time.Time {
	return e.now()
}

// Run drains the store every PollInterval until ctx is cancelled.
// It returns ctx.Err().
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("started", "poll_interval", e.opts.PollInterval, "batch_size", e.opts.BatchSize)
	defer e.logger.Info("stopped")

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one drain, followed by the idle sleep when nothing was
// handled. It returns false without doing anything if another drain of
// this engine is in progress.
func (e *Engine) Tick(ctx context.Context) bool {
	if !e.running.TryAcquire(1) {
		e.logger.Debug("previous drain still running")
		return false
	}
	defer e.running.Release(1)

	n, err := e.Drain(ctx)
	switch {
	case err != nil && ctx.Err() == nil:
		e.logger.Error("drain failed", "error", err)
	case n > 0:
		e.logger.Debug("drain finished", "handled", n)
	default:
		_ = backoff.SleepContext(ctx, backoff.RandomDelay(e.opts.IdleDelayMin, e.opts.IdleDelayMax))
	}
	return true
}

// Drain sweeps the due rows once in (created_at, id) order, one batch at
// a time, until a batch comes back short. Each batch starts after the last
// row of the previous one, so a full batch of rows blocked behind older
// ones in their sub-queue does not hide the rows behind it. It returns the
// number of rows handled.
func (e *Engine) Drain(ctx context.Context) (int, error) {
	var (
		total int
		after *store.Cursor
	)
	for ctx.Err() == nil {
		due, handled, err := e.batch(ctx, after)
		total += handled
		if err != nil {
			return total, err
		}
		if len(due) < e.opts.BatchSize {
			break
		}
		after = store.CursorOf(due[len(due)-1])
	}
	return total, nil
}

func (e *Engine) batch(ctx context.Context, after *store.Cursor) (due []*message.Record, handled int, err error) {
	now := e.now()
	due, err = e.store.ListDue(ctx, store.DueQuery{
		Now:         now,
		StuckBefore: now.Add(-e.opts.StuckAfter()),
		Limit:       e.opts.BatchSize,
		After:       after,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("list due: %w", err)
	}
	if len(due) == 0 {
		return nil, 0, nil
	}

	results := make(chan int, len(due))
	var g errgroup.Group
	g.SetLimit(e.opts.Parallelism)

	for _, grp := range groupByPrefix(due) {
		if ctx.Err() != nil {
			break
		}
		if e.sequential(grp.prefix) {
			g.Go(func() error {
				results <- e.runSequential(ctx, grp.rows)
				return nil
			})
			continue
		}
		for _, rec := range grp.rows {
			g.Go(func() error {
				if e.attempt(ctx, rec) {
					results <- 1
				}
				return nil
			})
		}
	}
	_ = g.Wait()
	close(results)

	for n := range results {
		handled += n
	}
	return due, handled, nil
}

// runSequential handles rows of one sub-queue in order and stops at the
// first row that is blocked or does not complete.
func (e *Engine) runSequential(ctx context.Context, rows []*message.Record) int {
	var handled int
	for _, rec := range rows {
		if ctx.Err() != nil {
			return handled
		}
		blocked, err := e.store.HasOlderPending(ctx, rec.Prefix(), rec.CreatedAt, rec.ID)
		if err != nil {
			e.logger.Error("older pending check failed", "id", rec.ID, "error", err)
			return handled
		}
		if blocked {
			e.logger.Debug("waiting for older row in sub-queue", "id", rec.ID, "prefix", rec.Prefix())
			return handled
		}
		if !e.attempt(ctx, rec) {
			return handled
		}
		handled++
		if rec.Status != message.StatusProcessed {
			return handled
		}
	}
	return handled
}

// Blocked reports whether rec belongs to an ordered group in which an
// older row is still pending.
func (e *Engine) Blocked(ctx context.Context, rec *message.Record) (bool, error) {
	if !e.sequential(rec.Prefix()) {
		return false, nil
	}
	return e.store.HasOlderPending(ctx, rec.Prefix(), rec.CreatedAt, rec.ID)
}

// attempt ignores a poisoned row or claims and processes it. It reports
// whether the handler ran.
func (e *Engine) attempt(ctx context.Context, rec *message.Record) bool {
	if e.poisoned(rec) {
		if err := e.ignore(ctx, rec); err != nil && !errors.Is(err, ErrClaimLost) {
			e.logger.Error("ignore failed", "id", rec.ID, "error", err)
		}
		return false
	}
	if err := e.Claim(ctx, rec); err != nil {
		if !errors.Is(err, ErrClaimLost) {
			e.logger.Error("claim failed", "id", rec.ID, "error", err)
		}
		return false
	}
	_ = e.Process(ctx, rec)
	return true
}

func (e *Engine) poisoned(rec *message.Record) bool {
	if rec.Status != message.StatusFailed {
		return false
	}
	if e.opts.MaxRetryCount > 0 && rec.RetriedCount >= e.opts.MaxRetryCount {
		return true
	}
	return e.opts.IgnoreFailedAfter > 0 && e.now().Sub(rec.CreatedAt) > e.opts.IgnoreFailedAfter
}

func (e *Engine) ignore(ctx context.Context, rec *message.Record) error {
	if err := e.update(ctx, rec, func(r *message.Record) error {
		return r.Transition(message.StatusIgnored, e.now())
	}); err != nil {
		return err
	}
	e.ignored.Add(ctx, 1)
	e.logger.Warn("failed row ignored",
		"id", rec.ID,
		"retried_count", rec.RetriedCount,
		"last_error", rec.LastError)
	return nil
}

// Claim moves rec to Processing with a conditional update. It returns
// ErrClaimLost if another instance changed the row since it was read.
func (e *Engine) Claim(ctx context.Context, rec *message.Record) error {
	return e.update(ctx, rec, func(r *message.Record) error {
		return r.Transition(message.StatusProcessing, e.now())
	})
}

// Process runs the handler on a claimed record and stores the outcome:
// Processed on success, Failed with the next retry time otherwise. The
// handler runs on a context detached from ctx cancellation. The handler
// error is returned after the outcome is recorded.
func (e *Engine) Process(ctx context.Context, rec *message.Record) error {
	hctx, span := e.tracer.Start(context.WithoutCancel(ctx), e.name+".handle",
		trace.WithAttributes(
			attribute.String("mailbox.id", rec.ID),
			attribute.String("mailbox.routing_key", rec.RoutingKey),
			attribute.String("mailbox.payload_type", rec.PayloadType),
			attribute.Int("mailbox.retried_count", rec.RetriedCount)),
		trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	start := e.now()
	herr := e.call(hctx, rec)
	elapsed := e.now().Sub(start)
	e.duration.Record(hctx, elapsed.Seconds())
	if e.opts.SlowThreshold > 0 && elapsed > e.opts.SlowThreshold {
		e.logger.Warn("slow handler", "id", rec.ID, "duration", elapsed)
	}

	var err error
	if herr == nil {
		err = e.update(hctx, rec, func(r *message.Record) error {
			return r.Transition(message.StatusProcessed, e.now())
		})
		e.processed.Add(hctx, 1)
	} else {
		span.RecordError(herr)
		span.SetStatus(codes.Error, herr.Error())
		now := e.now()
		next := backoff.NextRetryAfter(now, rec.RetriedCount, e.opts.RetryUnit)
		err = e.update(hctx, rec, func(r *message.Record) error {
			return r.Fail(herr, now, next)
		})
		e.failed.Add(hctx, 1)
		e.logger.Warn("handler failed",
			"id", rec.ID,
			"retried_count", rec.RetriedCount,
			"next_retry_after", next,
			"error", herr)
	}
	if err != nil {
		// the row stays Processing and is reclaimed after StuckAfter
		e.logger.Error("failed to record outcome", "id", rec.ID, "error", err)
	}
	return herr
}

func (e *Engine) call(ctx context.Context, rec *message.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return e.handle(ctx, rec)
}

// update applies mutate to rec and stores it conditionally on the token rec
// was read with. On failure rec is left unchanged.
func (e *Engine) update(ctx context.Context, rec *message.Record, mutate func(*message.Record) error) error {
	next := rec.Clone()
	if err := mutate(next); err != nil {
		return err
	}
	res := e.store.Update(ctx, next, rec.ConcurrencyToken)
	switch {
	case res.IsOK():
		*rec = *next
		return nil
	case res.IsConflict():
		e.conflicts.Add(ctx, 1)
		e.logger.Debug("conditional update rejected", "id", rec.ID)
		return ErrClaimLost
	default:
		return res.Err()
	}
}

// Skip moves a New or Failed row to Ignored, unblocking its sub-queue.
// Conflicts are retried a few times with a fresh read.
func (e *Engine) Skip(ctx context.Context, id string) error {
	return backoff.Retry(ctx, 3, 10*time.Millisecond, func(ctx context.Context) error {
		rec, err := e.store.Get(ctx, id)
		if err != nil {
			return &backoff.Permanent{Err: err}
		}
		err = e.update(ctx, rec, func(r *message.Record) error {
			return r.Transition(message.StatusIgnored, e.now())
		})
		if err != nil && !errors.Is(err, ErrClaimLost) {
			return &backoff.Permanent{Err: err}
		}
		if err == nil {
			e.logger.Info("row skipped", "id", id)
		}
		return err
	})
}

type group struct {
	prefix string
	rows   []*message.Record
}

// groupByPrefix splits rows by grouping key, keeping the input order both
// across and within groups.
func groupByPrefix(rows []*message.Record) []*group {
	var groups []*group
	index := make(map[string]*group)
	for _, rec := range rows {
		p := rec.Prefix()
		g, ok := index[p]
		if !ok {
			g = &group{prefix: p}
			index[p] = g
			groups = append(groups, g)
		}
		g.rows = append(g.rows, rec)
	}
	return groups
}
