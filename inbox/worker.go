package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rbaliyan/mailbox/internal/worker"
	"github.com/rbaliyan/mailbox/message"
	"github.com/rbaliyan/mailbox/store"
)

// Worker retries inbox rows the Receiver could not complete inline: rows
// that failed, rows inserted behind an older row of their sub-queue and
// rows abandoned in Processing by a crashed instance.
type Worker struct {
	store    store.Store
	registry *Registry
	engine   *worker.Engine
	logger   *slog.Logger
}

// NewWorker creates a worker. It fails on invalid options.
func NewWorker(s store.Store, registry *Registry, opts Options) (*Worker, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("inbox worker: %w", err)
	}
	w := &Worker{
		store:    s,
		registry: registry,
		logger:   slog.Default().With("component", "inbox.worker"),
	}
	w.engine = worker.New("inbox.worker", s, w.handle, opts).
		WithLogger(w.logger).
		WithSequential(registry.sequential)
	return w, nil
}

// WithLogger sets a custom logger.
func (w *Worker) WithLogger(l *slog.Logger) *Worker {
	w.logger = l
	w.engine.WithLogger(l)
	return w
}

// WithClock replaces time.Now.
func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.engine.WithClock(now)
	return w
}

// Registry returns the consumer registry.
func (w *Worker) Registry() *Registry {
	return w.registry
}

// Options returns the worker configuration.
func (w *Worker) Options() Options {
	return w.engine.Options()
}

// Run handles due rows every PollInterval until ctx is cancelled.
// It returns ctx.Err().
func (w *Worker) Run(ctx context.Context) error {
	return w.engine.Run(ctx)
}

// Tick runs one drain unless another one is in progress.
func (w *Worker) Tick(ctx context.Context) bool {
	return w.engine.Tick(ctx)
}

// Drain handles due rows until none are left and returns how many were
// attempted.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	return w.engine.Drain(ctx)
}

// Skip moves a New or Failed row to Ignored. The message is never handled
// and the rows behind it in its sub-queue proceed.
func (w *Worker) Skip(ctx context.Context, id string) error {
	return w.engine.Skip(ctx, id)
}

func (w *Worker) handle(ctx context.Context, rec *message.Record) error {
	e, _, ok := w.registry.owner(rec.Prefix())
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConsumer, rec.Prefix())
	}
	return e.handle(ctx, rec.Envelope())
}
