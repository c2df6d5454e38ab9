// Package channel provides an in-process transport.
//
// IMPORTANT: the channel transport does not persist anything. Envelopes
// that are not yet delivered are lost on process exit. The outbox still
// guarantees delivery because a row is only marked processed once Send
// returns nil, which in the default synchronous mode means every matching
// receiver accepted the envelope.
//
// The channel transport is ideal for:
//   - Single-process deployments where producer and consumer share a binary
//   - Testing and development
package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rbaliyan/mailbox/backoff"
	"github.com/rbaliyan/mailbox/message"
	"github.com/rbaliyan/mailbox/routing"
	"github.com/rbaliyan/mailbox/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrPublishTimeout is returned when an async subscription buffer stays full.
var ErrPublishTimeout = errors.New("publish timeout")

// Transport implements transport.Transport in memory
type Transport struct {
	status int32
	subs   sync.Map // map[string]*subscription
	opts   *options
	wg     sync.WaitGroup

	// Metrics
	droppedCounter metric.Int64Counter
}

// subscription implements transport.Subscription
type subscription struct {
	id       string
	pattern  string
	receiver transport.Receiver
	t        *Transport
	ch       chan message.Envelope
	closed   int32
	closedCh chan struct{}
}

func (s *subscription) Pattern() string {
	return s.pattern
}

func (s *subscription) Close(context.Context) error {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.closedCh)
		s.t.subs.Delete(s.id)
	}
	return nil
}

// New creates a new channel transport.
func New(opts ...Option) *Transport {
	meter := otel.Meter("mailbox.transport.channel")
	droppedCounter, _ := meter.Int64Counter("mailbox.transport.channel.dropped",
		metric.WithDescription("Envelopes dropped by the channel transport"),
		metric.WithUnit("{message}"),
	)

	return &Transport{
		status:         1,
		opts:           newOptions(opts...),
		droppedCounter: droppedCounter,
	}
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// Send implements transport.Transport.
func (t *Transport) Send(ctx context.Context, env message.Envelope) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if err := transport.CheckSend(env); err != nil {
		return err
	}

	var matched []*subscription
	t.subs.Range(func(_, value any) bool {
		sub := value.(*subscription)
		if atomic.LoadInt32(&sub.closed) == 0 && routing.Match(sub.pattern, env.RoutingKey()) {
			matched = append(matched, sub)
		}
		return true
	})

	if len(matched) == 0 {
		t.opts.logger.Debug("no subscribers", "routing_key", env.RoutingKey(), "tracking_id", env.TrackingID())
		t.droppedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("routing_key", env.RoutingKey()),
			attribute.String("reason", "no_subscribers"),
		))
		return nil
	}

	var errs []error
	for _, sub := range matched {
		var err error
		if t.opts.async {
			err = t.enqueue(ctx, sub, env)
		} else {
			err = sub.receiver.Receive(ctx, env)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Transport) enqueue(ctx context.Context, sub *subscription, env message.Envelope) error {
	if t.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.timeout)
		defer cancel()
	}

	select {
	case sub.ch <- env:
		return nil
	case <-sub.closedCh:
		return transport.ErrSubscriptionClosed
	case <-ctx.Done():
		t.droppedCounter.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
			attribute.String("routing_key", env.RoutingKey()),
			attribute.String("reason", "timeout"),
		))
		return ErrPublishTimeout
	}
}

// Subscribe implements transport.Transport.
func (t *Transport) Subscribe(ctx context.Context, pattern string, r transport.Receiver) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}
	if err := routing.ValidatePattern(pattern); err != nil {
		return nil, err
	}

	sub := &subscription{
		id:       uuid.NewString(),
		pattern:  pattern,
		receiver: r,
		t:        t,
		closedCh: make(chan struct{}),
	}
	if t.opts.async {
		sub.ch = make(chan message.Envelope, t.opts.bufferSize)
		t.wg.Add(1)
		go t.deliver(sub)
	}
	t.subs.Store(sub.id, sub)

	t.opts.logger.Debug("subscribed", "pattern", pattern, "subscription", sub.id)
	return sub, nil
}

// deliver drains an async subscription until it is closed.
func (t *Transport) deliver(sub *subscription) {
	defer t.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sub.closedCh
		cancel()
	}()

	for {
		select {
		case <-sub.closedCh:
			return
		case env := <-sub.ch:
			err := backoff.Retry(ctx, t.opts.redeliveries+1, t.opts.retryDelay, func(ctx context.Context) error {
				return sub.receiver.Receive(ctx, env)
			})
			if err != nil {
				t.opts.logger.Warn("delivery failed, envelope dropped",
					"pattern", sub.pattern,
					"tracking_id", env.TrackingID(),
					"error", err)
				t.droppedCounter.Add(ctx, 1, metric.WithAttributes(
					attribute.String("routing_key", env.RoutingKey()),
					attribute.String("reason", "receiver_failed"),
				))
			}
		}
	}
}

// Close implements transport.Transport. It waits for async deliveries in
// progress until ctx is done.
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}
	t.subs.Range(func(_, value any) bool {
		_ = value.(*subscription).Close(ctx)
		return true
	})

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Compile-time checks
var (
	_ transport.Transport    = (*Transport)(nil)
	_ transport.Subscription = (*subscription)(nil)
)
