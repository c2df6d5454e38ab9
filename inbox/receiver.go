package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rbaliyan/mailbox/message"
	"github.com/rbaliyan/mailbox/store"
	"github.com/rbaliyan/mailbox/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Receiver writes delivered messages to the inbox and handles them inline
// when nothing older is pending. It implements transport.Receiver.
//
// Receive returns an error only when the row could not be stored; the
// transport then redelivers. Handler failures are recorded on the row and
// retried by the Worker, never surfaced to the transport.
type Receiver struct {
	w      *Worker
	logger *slog.Logger

	duplicates metric.Int64Counter
	deferred   metric.Int64Counter
}

// NewReceiver creates a receiver sharing the store, registry and clock of w.
func NewReceiver(w *Worker) *Receiver {
	meter := otel.Meter("mailbox.inbox.receiver")
	duplicates, _ := meter.Int64Counter("mailbox.inbox.receiver.duplicates",
		metric.WithDescription("Deliveries of messages already stored"),
		metric.WithUnit("{message}"))
	deferred, _ := meter.Int64Counter("mailbox.inbox.receiver.deferred",
		metric.WithDescription("Deliveries queued behind an older row of their sub-queue"),
		metric.WithUnit("{message}"))

	return &Receiver{
		w:          w,
		logger:     slog.Default().With("component", "inbox.receiver"),
		duplicates: duplicates,
		deferred:   deferred,
	}
}

// WithLogger sets a custom logger.
func (r *Receiver) WithLogger(l *slog.Logger) *Receiver {
	r.logger = l
	return r
}

// Receive implements transport.Receiver for every consumer whose pattern
// matches the routing key of env.
func (r *Receiver) Receive(ctx context.Context, env message.Envelope) error {
	return r.receive(ctx, env, func(*entry) bool { return true })
}

// Subscribe binds the pattern of every registered consumer to t. Consumers
// sharing a pattern share a subscription. On error the subscriptions made
// so far are closed.
func (r *Receiver) Subscribe(ctx context.Context, t transport.Transport) ([]transport.Subscription, error) {
	var subs []transport.Subscription
	for _, pattern := range r.w.registry.Patterns() {
		sub, err := t.Subscribe(ctx, pattern, transport.ReceiverFunc(func(ctx context.Context, env message.Envelope) error {
			return r.receive(ctx, env, func(e *entry) bool { return e.pattern == pattern })
		}))
		if err != nil {
			var errs []error
			for _, s := range subs {
				errs = append(errs, s.Close(ctx))
			}
			return nil, errors.Join(append([]error{fmt.Errorf("subscribe %s: %w", pattern, err)}, errs...)...)
		}
		subs = append(subs, sub)
	}
	r.logger.Info("subscribed", "patterns", len(subs))
	return subs, nil
}

func (r *Receiver) receive(ctx context.Context, env message.Envelope, keep func(*entry) bool) error {
	if env.TrackingID() == "" {
		r.logger.Warn("message without tracking id dropped", "routing_key", env.RoutingKey())
		return nil
	}
	var errs []error
	for _, e := range r.w.registry.matching(env.RoutingKey(), keep) {
		if err := r.deliver(ctx, e, env); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
		}
	}
	return errors.Join(errs...)
}

// deliver stores env for one consumer and runs the handler inline if the
// row is free to go.
func (r *Receiver) deliver(ctx context.Context, e *entry, env message.Envelope) error {
	subQueue, err := e.subQueue(env.Payload())
	if err != nil {
		// the handler will fail on the same payload and the row ends up ignored
		r.logger.Warn("sub-queue unavailable", "consumer", e.name, "tracking_id", env.TrackingID(), "error", err)
		subQueue = ""
	}
	id, err := message.BuildID(e.name, subQueue, env.TrackingID())
	if err != nil {
		r.logger.Error("message dropped", "consumer", e.name, "tracking_id", env.TrackingID(), "error", err)
		return nil
	}

	existing, err := r.w.store.Get(ctx, id)
	switch {
	case err == nil:
		r.duplicates.Add(ctx, 1, metric.WithAttributes(
			attribute.String("consumer", e.name),
			attribute.String("status", existing.Status.String())))
		r.logger.Debug("duplicate delivery", "id", id, "status", existing.Status)
		return nil
	case !errors.Is(err, store.ErrNotFound):
		return err
	}

	now := r.w.engine.Now()
	rec := message.NewRecord(id, env, message.StatusProcessing, now)
	blocked, err := r.w.engine.Blocked(ctx, rec)
	if err != nil {
		return err
	}
	if blocked {
		rec = message.NewRecord(id, env, message.StatusNew, now)
	}
	if err := r.w.store.Insert(ctx, rec); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			// a concurrent delivery of the same message won
			return nil
		}
		return err
	}
	if blocked {
		r.deferred.Add(ctx, 1, metric.WithAttributes(attribute.String("consumer", e.name)))
		r.logger.Debug("queued behind older row", "id", id)
		return nil
	}

	// the outcome is on the row; the worker retries failures
	_ = r.w.engine.Process(ctx, rec)
	return nil
}

// Compile-time checks
var _ transport.Receiver = (*Receiver)(nil)
