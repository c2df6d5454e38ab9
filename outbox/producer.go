package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/mailbox/message"
	"github.com/rbaliyan/mailbox/routing"
	"github.com/rbaliyan/mailbox/store"
	"github.com/rbaliyan/mailbox/uow"
	"go.opentelemetry.io/otel/trace"
)

// PublishOption configures a single publish.
type PublishOption func(*publishOptions)

type publishOptions struct {
	subQueue   string
	trackingID string
	traceID    string
	headers    map[string]string
	immediate  bool
}

// WithSubQueue places the row in a sub-queue. Rows of one sub-queue are
// sent strictly in order.
func WithSubQueue(key string) PublishOption {
	return func(o *publishOptions) {
		o.subQueue = key
	}
}

// WithTrackingID fixes the tracking id instead of generating one.
// Publishing twice with the same id and producer fails with
// store.ErrAlreadyExists.
func WithTrackingID(id string) PublishOption {
	return func(o *publishOptions) {
		o.trackingID = id
	}
}

// WithTraceID sets the trace id carried with the message. By default it is
// taken from the span in the context.
func WithTraceID(id string) PublishOption {
	return func(o *publishOptions) {
		o.traceID = id
	}
}

// WithHeader adds a header to the envelope sent for the row.
func WithHeader(key, value string) PublishOption {
	return func(o *publishOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}

// WithImmediateDispatch asks the producer's dispatcher to send the row as
// soon as the unit of work completes. The polling loop stays the fallback
// if that attempt fails.
func WithImmediateDispatch() PublishOption {
	return func(o *publishOptions) {
		o.immediate = true
	}
}

// Producer writes outbox rows.
//
// Enqueue writes through the transaction carried by ctx. Publish takes a
// unit of work and picks between writing inside it and writing from a
// post-commit hook, depending on whether it is really transactional.
// Neither performs network I/O.
type Producer struct {
	store      store.Store
	registry   *Registry
	dispatcher *Dispatcher
	name       string
	now        func() time.Time
	logger     *slog.Logger
}

// NewProducer creates a producer writing to s. The registry may be nil if
// only the untyped methods are used.
func NewProducer(s store.Store, registry *Registry) *Producer {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Producer{
		store:    s,
		registry: registry,
		name:     DefaultProducer,
		now:      time.Now,
		logger:   slog.Default().With("component", "outbox.producer"),
	}
}

// WithName sets the producer name used by Enqueue and Publish.
func (p *Producer) WithName(name string) *Producer {
	if name != "" {
		p.name = name
		if p.dispatcher != nil {
			p.dispatcher.WithProducerNames(name)
		}
	}
	return p
}

// WithDispatcher enables WithImmediateDispatch and makes the producer's
// names known to d.
func (p *Producer) WithDispatcher(d *Dispatcher) *Producer {
	p.dispatcher = d
	d.WithProducerNames(p.name)
	d.watchRegistry(p.registry)
	return p
}

// WithLogger sets a custom logger.
func (p *Producer) WithLogger(l *slog.Logger) *Producer {
	p.logger = l
	return p
}

// WithClock replaces time.Now.
func (p *Producer) WithClock(now func() time.Time) *Producer {
	p.now = now
	return p
}

// Registry returns the producer's route registry.
func (p *Producer) Registry() *Registry {
	return p.registry
}

// Enqueue inserts a New row using the transaction carried by ctx and
// returns its id. If that transaction rolls back, the row does not exist.
//
// Example:
//
//	err := coord.Execute(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
//	    // ... business writes using ctx ...
//	    _, err := producer.Enqueue(ctx, "OrderPaid", payload, "Sales.Orders.OrderPaid")
//	    return err
//	})
func (p *Producer) Enqueue(ctx context.Context, payloadType string, payload []byte, routingKey string, opts ...PublishOption) (string, error) {
	o, id, err := p.prepare(ctx, p.name, routingKey, opts)
	if err != nil {
		return "", err
	}
	return id, p.insert(ctx, id, payloadType, payload, routingKey, o)
}

// Publish writes a row as part of u. When u is pseudo-transactional the
// insert is deferred to a post-commit hook, so a rolled back unit of work
// never leaves a row behind. The returned id is valid in both cases.
func (p *Producer) Publish(u *uow.UnitOfWork, payloadType string, payload []byte, routingKey string, opts ...PublishOption) (string, error) {
	return p.publish(u, p.name, payloadType, payload, routingKey, opts)
}

// EnqueueTyped encodes payload as JSON and enqueues it on the route
// registered for T.
func EnqueueTyped[T any](ctx context.Context, p *Producer, payload T, opts ...PublishOption) (string, error) {
	route, ok := Lookup[T](p.registry)
	route, data, key, err := p.resolve(payload, route, ok)
	if err != nil {
		return "", err
	}
	o, id, err := p.prepare(ctx, route.Producer, key, opts)
	if err != nil {
		return "", err
	}
	return id, p.insert(ctx, id, route.PayloadType, data, key, o)
}

// PublishTyped encodes payload as JSON and publishes it in u on the route
// registered for T.
func PublishTyped[T any](p *Producer, u *uow.UnitOfWork, payload T, opts ...PublishOption) (string, error) {
	route, ok := Lookup[T](p.registry)
	route, data, key, err := p.resolve(payload, route, ok)
	if err != nil {
		return "", err
	}
	return p.publish(u, route.Producer, route.PayloadType, data, key, opts)
}

func (p *Producer) resolve(payload any, route Route, ok bool) (Route, []byte, string, error) {
	if !ok {
		return Route{}, nil, "", fmt.Errorf("%w: %T", ErrNoRoute, payload)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Route{}, nil, "", fmt.Errorf("encode %s: %w", route.PayloadType, err)
	}
	key := route.RoutingKey
	if rk, ok := payload.(RoutingKeyer); ok && rk.RoutingKey() != "" {
		key = rk.RoutingKey()
	}
	return route, data, key, nil
}

func (p *Producer) publish(u *uow.UnitOfWork, producer, payloadType string, payload []byte, routingKey string, opts []PublishOption) (string, error) {
	if u == nil {
		return "", ErrNoUnitOfWork
	}
	o, id, err := p.prepare(u.Context(), producer, routingKey, opts)
	if err != nil {
		return "", err
	}

	if u.Pseudo() {
		err = u.OnCompleted(func(ctx context.Context) error {
			return p.insert(ctx, id, payloadType, payload, routingKey, o)
		})
	} else {
		err = p.insert(u.Context(), id, payloadType, payload, routingKey, o)
	}
	if err != nil {
		return "", err
	}

	if o.immediate {
		if p.dispatcher == nil {
			p.logger.Debug("immediate dispatch requested without a dispatcher", "id", id)
		} else if err := u.OnCompleted(func(ctx context.Context) error {
			return p.dispatcher.DispatchNow(ctx, id)
		}); err != nil {
			return "", err
		}
	}
	return id, nil
}

// prepare validates the routing key and fixes the tracking and trace ids,
// so the row id is known before a deferred insert runs.
func (p *Producer) prepare(ctx context.Context, producer, routingKey string, opts []PublishOption) (publishOptions, string, error) {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	if _, err := routing.Parse(routingKey); err != nil {
		return o, "", err
	}
	if o.trackingID == "" {
		o.trackingID = uuid.NewString()
	}
	if o.traceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			o.traceID = sc.TraceID().String()
		}
	}
	id, err := message.BuildID(producer, o.subQueue, o.trackingID)
	if err != nil {
		return o, "", err
	}
	return o, id, nil
}

func (p *Producer) insert(ctx context.Context, id, payloadType string, payload []byte, routingKey string, o publishOptions) error {
	env := message.NewEnvelope(o.trackingID, routingKey, payloadType, payload).
		WithTraceID(o.traceID).
		WithHeaders(o.headers)
	rec := message.NewRecord(id, env, message.StatusNew, p.now())
	if err := p.store.Insert(ctx, rec); err != nil {
		return fmt.Errorf("outbox insert %s: %w", id, err)
	}
	p.logger.Debug("enqueued", "id", id, "routing_key", routingKey, "payload_type", payloadType)
	return nil
}
