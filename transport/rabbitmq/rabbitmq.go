// Package rabbitmq provides a RabbitMQ transport over a topic exchange.
//
// The routing key is used as the AMQP routing key unchanged. A pattern is
// bound with AMQP topic wildcards: whole "*" segments stay "*", and a three
// segment pattern gets a trailing "#" so it also receives four segment
// keys. Partial wildcards are widened to "*" and filtered on receipt.
//
// Delivery is at-least-once: deliveries are acked after the receiver
// returns nil and nacked with requeue otherwise. Connection recovery is
// left to the caller, who owns the channel.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rbaliyan/mailbox/codec"
	"github.com/rbaliyan/mailbox/message"
	"github.com/rbaliyan/mailbox/routing"
	"github.com/rbaliyan/mailbox/transport"
)

// Errors
var (
	ErrChannelRequired = errors.New("amqp channel is required")
	ErrNotConfirmed    = errors.New("broker did not confirm the message")
)

// Defaults
var (
	DefaultExchange    = "mailbox"
	DefaultQueuePrefix = "mailbox"
	DefaultPrefetch    = 32
)

// Channel is the subset of *amqp.Channel used by the transport.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
}

// Transport implements transport.Transport using RabbitMQ
type Transport struct {
	status      int32
	ch          Channel
	pubMu       sync.Mutex
	exchange    string
	queuePrefix string
	prefetch    int
	confirms    bool
	codec       codec.Codec
	logger      *slog.Logger
	subs        sync.Map // map[*subscription]struct{}
}

// New declares the exchange and returns a transport publishing and
// consuming on ch.
func New(ch Channel, opts ...Option) (*Transport, error) {
	if ch == nil {
		return nil, ErrChannelRequired
	}

	t := &Transport{
		status:      1,
		ch:          ch,
		exchange:    DefaultExchange,
		queuePrefix: DefaultQueuePrefix,
		prefetch:    DefaultPrefetch,
		confirms:    true,
		codec:       codec.Default(),
		logger:      transport.Logger("transport.rabbitmq"),
	}
	for _, opt := range opts {
		opt(t)
	}

	if err := ch.ExchangeDeclare(t.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", t.exchange, err)
	}
	if t.confirms {
		if err := ch.Confirm(false); err != nil {
			return nil, fmt.Errorf("confirm mode: %w", err)
		}
	}
	if err := ch.Qos(t.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("qos: %w", err)
	}
	return t, nil
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

	data, err := t.codec.Encode(env)
	if err != nil {
		return err
	}

	pub := amqp.Publishing{
		ContentType:  t.codec.ContentType(),
		DeliveryMode: amqp.Persistent,
		MessageId:    env.TrackingID(),
		Timestamp:    env.CreatedAt(),
		Type:         env.PayloadType(),
		Body:         data,
	}

	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	confirm, err := t.ch.PublishWithDeferredConfirmWithContext(ctx, t.exchange, env.RoutingKey(), false, false, pub)
	if err != nil {
		return fmt.Errorf("amqp publish %s: %w", env.RoutingKey(), err)
	}
	// confirm is nil when the channel is not in confirm mode.
	if confirm != nil {
		acked, err := confirm.WaitContext(ctx)
		if err != nil {
			return err
		}
		if !acked {
			return fmt.Errorf("%w: %s", ErrNotConfirmed, env.TrackingID())
		}
	}

	t.logger.Debug("published", "routing_key", env.RoutingKey(), "tracking_id", env.TrackingID())
	return nil
}

// Subscribe implements transport.Transport.
func (t *Transport) Subscribe(_ context.Context, pattern string, r transport.Receiver) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}
	key, err := bindingKey(pattern)
	if err != nil {
		return nil, err
	}

	queue := t.queuePrefix + "." + pattern
	if _, err := t.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := t.ch.QueueBind(queue, key, t.exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue %s to %s: %w", queue, key, err)
	}

	tag := "mailbox-" + uuid.NewString()
	deliveries, err := t.ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}

	sub := &subscription{
		t:        t,
		pattern:  pattern,
		tag:      tag,
		receiver: transport.Filter(pattern, r),
		done:     make(chan struct{}),
	}
	t.subs.Store(sub, struct{}{})

	go func() {
		defer close(sub.done)
		for d := range deliveries {
			sub.handle(d)
		}
		sub.t.logger.Debug("delivery channel closed", "pattern", pattern, "consumer", tag)
	}()

	t.logger.Debug("subscribed", "pattern", pattern, "queue", queue, "binding", key)
	return sub, nil
}

// Close implements transport.Transport. The channel stays open; the
// caller owns it.
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}
	var errs []error
	t.subs.Range(func(key, _ any) bool {
		if err := key.(*subscription).Close(ctx); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	return errors.Join(errs...)
}

// subscription implements transport.Subscription for RabbitMQ
type subscription struct {
	t        *Transport
	pattern  string
	tag      string
	receiver transport.Receiver
	closed   int32
	done     chan struct{}
}

func (s *subscription) Pattern() string {
	return s.pattern
}

// Close cancels the consumer and waits until in-flight deliveries are
// settled or ctx is done.
func (s *subscription) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	s.t.subs.Delete(s)
	if err := s.t.ch.Cancel(s.tag, false); err != nil {
		return fmt.Errorf("cancel consumer %s: %w", s.tag, err)
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *subscription) handle(d amqp.Delivery) {
	logger := s.t.logger
	env, err := s.t.codec.Decode(d.Body)
	if err != nil {
		logger.Error("rejecting undecodable message", "error", err, "routing_key", d.RoutingKey)
		if err := d.Reject(false); err != nil {
			logger.Warn("reject failed", "error", err)
		}
		return
	}

	if err := s.receiver.Receive(context.Background(), env); err != nil {
		logger.Warn("receiver failed, requeued", "error", err,
			"pattern", s.pattern, "tracking_id", env.TrackingID())
		if err := d.Nack(false, true); err != nil {
			logger.Warn("nack failed", "error", err)
		}
		return
	}
	if err := d.Ack(false); err != nil {
		logger.Warn("ack failed", "error", err, "tracking_id", env.TrackingID())
	}
}

// bindingKey maps a routing pattern to an AMQP topic binding key.
func bindingKey(pattern string) (string, error) {
	segs, err := routing.Broaden(pattern)
	if err != nil {
		return "", err
	}
	if len(segs) == 3 {
		segs = append(segs, "#")
	}
	return strings.Join(segs, routing.Separator), nil
}

// Compile-time checks
var (
	_ transport.Transport    = (*Transport)(nil)
	_ transport.Subscription = (*subscription)(nil)
	_ Channel                = (*amqp.Channel)(nil)
)
