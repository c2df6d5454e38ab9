package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rbaliyan/mailbox/internal/worker"
	"github.com/rbaliyan/mailbox/message"
	"github.com/rbaliyan/mailbox/ratelimit"
	"github.com/rbaliyan/mailbox/store"
	"github.com/rbaliyan/mailbox/transport"
)

// Dispatcher claims due outbox rows and sends them through the transport.
//
// A row is due when it is New, Failed with its retry time reached, or
// stuck in Processing longer than ProcessingMaxAge plus SafetyMargin (its
// claimant is presumed dead). Every instance can run a Dispatcher over the
// same store: claims are conditional updates, so each row is sent by
// exactly one of them per attempt.
//
// Example:
//
//	d, err := outbox.NewDispatcher(store, transport, outbox.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	go func() {
//	    if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
//	        logger.Error("dispatcher stopped", "error", err)
//	    }
//	}()
type Dispatcher struct {
	store     store.Store
	transport transport.Transport
	engine    *worker.Engine
	limiter   ratelimit.Limiter
	logger    *slog.Logger

	mu         sync.RWMutex
	producers  map[string]struct{}
	registries []*Registry
}

// NewDispatcher creates a dispatcher. It fails on invalid options.
func NewDispatcher(s store.Store, t transport.Transport, opts Options) (*Dispatcher, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("outbox dispatcher: %w", err)
	}
	d := &Dispatcher{
		store:     s,
		transport: t,
		logger:    slog.Default().With("component", "outbox.dispatcher"),
		producers: make(map[string]struct{}),
	}
	d.engine = worker.New("outbox.dispatcher", s, d.send, opts).
		WithLogger(d.logger).
		WithSequential(d.sequential)
	return d, nil
}

// WithProducerNames declares the producer names writing to the store.
// Rows whose grouping key equals a known name are sent in parallel even
// when the name contains the sub-queue separator. Producers attached with
// Producer.WithDispatcher, and the producers of their routes, are known
// without this call.
func (d *Dispatcher) WithProducerNames(names ...string) *Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, n := range names {
		if n != "" {
			d.producers[n] = struct{}{}
		}
	}
	return d
}

func (d *Dispatcher) watchRegistry(r *Registry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !slices.Contains(d.registries, r) {
		d.registries = append(d.registries, r)
	}
}

// sequential reports whether rows with the grouping key prefix belong to a
// sub-queue. The longest known producer name owning the prefix decides;
// keys of unknown producers fall back to the separator test.
func (d *Dispatcher) sequential(prefix string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var owner string
	match := func(name string) {
		if len(name) <= len(owner) {
			return
		}
		if name == prefix || strings.HasPrefix(prefix, name+message.SubQueueSeparator) {
			owner = name
		}
	}
	for name := range d.producers {
		match(name)
	}
	for _, r := range d.registries {
		for _, name := range r.producers() {
			match(name)
		}
	}
	if owner == "" {
		return worker.DefaultSequential(prefix)
	}
	return prefix != owner
}

// WithLogger sets a custom logger.
func (d *Dispatcher) WithLogger(l *slog.Logger) *Dispatcher {
	d.logger = l
	d.engine.WithLogger(l)
	return d
}

// WithClock replaces time.Now.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.engine.WithClock(now)
	return d
}

// WithLimiter throttles sends.
func (d *Dispatcher) WithLimiter(l ratelimit.Limiter) *Dispatcher {
	d.limiter = l
	return d
}

// Options returns the dispatcher configuration.
func (d *Dispatcher) Options() Options {
	return d.engine.Options()
}

// Run sends due rows every PollInterval until ctx is cancelled.
// It returns ctx.Err().
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.engine.Run(ctx)
}

// Tick runs one drain unless another one is in progress.
func (d *Dispatcher) Tick(ctx context.Context) bool {
	return d.engine.Tick(ctx)
}

// Drain sends due rows until none are left and returns how many were
// attempted.
//
// Unlike Run, Drain returns as soon as the work is done, which makes it
// convenient for tests and one-shot jobs:
//
//	if _, err := dispatcher.Drain(ctx); err != nil {
//	    return err
//	}
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	return d.engine.Drain(ctx)
}

// DispatchNow claims and sends one New row immediately, used after commit
// by WithImmediateDispatch. Losing the claim to a polling dispatcher is
// not an error. A row waiting behind an older row of its sub-queue is
// left to the loop.
func (d *Dispatcher) DispatchNow(ctx context.Context, id string) error {
	rec, err := d.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != message.StatusNew {
		return fmt.Errorf("%w: %s is %s", ErrNotDue, id, rec.Status)
	}
	blocked, err := d.engine.Blocked(ctx, rec)
	if err != nil {
		return err
	}
	if blocked {
		d.logger.Debug("immediate dispatch deferred to the loop", "id", id)
		return nil
	}
	if err := d.engine.Claim(ctx, rec); err != nil {
		if errors.Is(err, worker.ErrClaimLost) {
			return nil
		}
		return err
	}
	return d.engine.Process(ctx, rec)
}

// Skip moves a New or Failed row to Ignored so that it is never sent and
// its sub-queue proceeds.
func (d *Dispatcher) Skip(ctx context.Context, id string) error {
	return d.engine.Skip(ctx, id)
}

func (d *Dispatcher) send(ctx context.Context, rec *message.Record) error {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}
	return d.transport.Send(ctx, rec.Envelope())
}
