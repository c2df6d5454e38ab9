// Package kafka provides a Kafka-based transport implementation.
//
// All envelopes are produced to a single topic with the routing key as the
// message key. Subscriptions join a consumer group per pattern and filter
// by routing key on the client side, since Kafka has no subject matching.
//
// Delivery is at-least-once: an offset is marked only after the receiver
// returns nil. When the receiver keeps failing the claim is abandoned and
// the message is redelivered after the next rebalance.
//
// IMPORTANT: Auto-commit must be disabled in the sarama config. See New.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rbaliyan/mailbox/backoff"
	"github.com/rbaliyan/mailbox/codec"
	"github.com/rbaliyan/mailbox/message"
	"github.com/rbaliyan/mailbox/routing"
	"github.com/rbaliyan/mailbox/transport"
)

// Errors
var (
	ErrClientRequired    = errors.New("kafka client is required")
	ErrProducerFailed    = errors.New("failed to create kafka producer")
	ErrAutoCommitEnabled = errors.New("kafka: auto-commit must be disabled for at-least-once delivery - set Consumer.Offsets.AutoCommit.Enable = false")
)

// Defaults
var (
	DefaultTopic   = "mailbox"
	DefaultGroupID = "mailbox"
)

// Header keys set on every produced message.
const (
	HeaderContentType = "content-type"
	HeaderTrackingID  = "tracking-id"
)

// GroupFactory creates the consumer group for a subscription.
type GroupFactory func(groupID string) (sarama.ConsumerGroup, error)

// Transport implements transport.Transport using Kafka
type Transport struct {
	status       int32
	producer     sarama.SyncProducer
	newGroup     GroupFactory
	ownsProducer bool
	topic        string
	groupID      string
	codec        codec.Codec
	redeliveries int
	retryDelay   time.Duration
	logger       *slog.Logger
	subs         sync.Map // map[*subscription]struct{}
}

// New creates a Kafka transport over a pre-initialized client.
//
// Recommended sarama.Config settings:
//
//	config := sarama.NewConfig()
//	config.Consumer.Offsets.AutoCommit.Enable = false  // REQUIRED
//	config.Producer.Return.Successes = true            // required by SyncProducer
//	config.Producer.RequiredAcks = sarama.WaitForAll
//
// The client is not closed by Close; the caller owns it.
func New(client sarama.Client, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	if client.Config().Consumer.Offsets.AutoCommit.Enable {
		return nil, ErrAutoCommitEnabled
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, errors.Join(ErrProducerFailed, err)
	}
	t := NewWithProducer(producer, func(groupID string) (sarama.ConsumerGroup, error) {
		return sarama.NewConsumerGroupFromClient(groupID, client)
	}, opts...)
	t.ownsProducer = true
	return t, nil
}

// NewWithProducer creates a Kafka transport from an existing producer and
// consumer group factory. The producer is not closed by Close.
func NewWithProducer(producer sarama.SyncProducer, newGroup GroupFactory, opts ...Option) *Transport {
	t := &Transport{
		status:       1,
		producer:     producer,
		newGroup:     newGroup,
		topic:        DefaultTopic,
		groupID:      DefaultGroupID,
		codec:        codec.Default(),
		redeliveries: 3,
		retryDelay:   100 * time.Millisecond,
		logger:       transport.Logger("transport.kafka"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// Send implements transport.Transport. It returns once the partition
// leader acknowledged the message.
func (t *Transport) Send(_ context.Context, env message.Envelope) error {
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

	msg := &sarama.ProducerMessage{
		Topic: t.topic,
		Key:   sarama.StringEncoder(env.RoutingKey()),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderContentType), Value: []byte(t.codec.ContentType())},
			{Key: []byte(HeaderTrackingID), Value: []byte(env.TrackingID())},
		},
	}
	partition, offset, err := t.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("kafka send %s: %w", env.RoutingKey(), err)
	}

	t.logger.Debug("sent", "routing_key", env.RoutingKey(), "tracking_id", env.TrackingID(),
		"partition", partition, "offset", offset)
	return nil
}

// Subscribe implements transport.Transport.
func (t *Transport) Subscribe(_ context.Context, pattern string, r transport.Receiver) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}
	if err := routing.ValidatePattern(pattern); err != nil {
		return nil, err
	}

	groupID := t.groupID + "." + pattern
	group, err := t.newGroup(groupID)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer group %s: %w", groupID, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		t:       t,
		pattern: pattern,
		group:   group,
		cancel:  cancel,
		handler: &consumerHandler{
			receiver:     transport.Filter(pattern, r),
			codec:        t.codec,
			redeliveries: t.redeliveries,
			retryDelay:   t.retryDelay,
			logger:       t.logger.With("pattern", pattern),
		},
	}
	t.subs.Store(sub, struct{}{})

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		sub.consumeLoop(ctx)
	}()

	t.logger.Debug("subscribed", "pattern", pattern, "group", groupID)
	return sub, nil
}

// Close implements transport.Transport.
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
	if t.ownsProducer {
		if err := t.producer.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	t.logger.Debug("transport closed")
	return errors.Join(errs...)
}

// subscription implements transport.Subscription for Kafka
type subscription struct {
	t       *Transport
	pattern string
	group   sarama.ConsumerGroup
	handler *consumerHandler
	cancel  context.CancelFunc
	closed  int32
	wg      sync.WaitGroup
}

func (s *subscription) Pattern() string {
	return s.pattern
}

func (s *subscription) Close(context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	s.t.subs.Delete(s)
	return s.group.Close()
}

func (s *subscription) consumeLoop(ctx context.Context) {
	delay := 100 * time.Millisecond
	maxDelay := 30 * time.Second

	for ctx.Err() == nil {
		if err := s.group.Consume(ctx, []string{s.t.topic}, s.handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			wait := backoff.Jitter(delay, 0.3)
			s.handler.logger.Error("consumer error, retrying with backoff", "error", err, "backoff", wait)
			if backoff.SleepContext(ctx, wait) != nil {
				return
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		delay = 100 * time.Millisecond
	}
}

// consumerHandler implements sarama.ConsumerGroupHandler
type consumerHandler struct {
	receiver     transport.Receiver
	codec        codec.Codec
	redeliveries int
	retryDelay   time.Duration
	logger       *slog.Logger
}

func (h *consumerHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.handle(ctx, msg); err != nil {
				// Leave the offset unmarked; the message is redelivered to
				// whichever member owns the partition next.
				return err
			}
			session.MarkMessage(msg, "")
		}
	}
}

func (h *consumerHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	env, err := h.codec.Decode(msg.Value)
	if err != nil {
		// Redelivery cannot fix a malformed message.
		h.logger.Error("dropping undecodable message", "error", err,
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
		return nil
	}

	err = backoff.Retry(ctx, h.redeliveries+1, h.retryDelay, func(ctx context.Context) error {
		return h.receiver.Receive(ctx, env)
	})
	if err != nil {
		h.logger.Warn("receiver failed, abandoning claim", "error", err,
			"tracking_id", env.TrackingID(), "partition", msg.Partition, "offset", msg.Offset)
		return fmt.Errorf("receive %s: %w", env.TrackingID(), err)
	}
	return nil
}

// Compile-time checks
var (
	_ transport.Transport         = (*Transport)(nil)
	_ transport.Subscription      = (*subscription)(nil)
	_ sarama.ConsumerGroupHandler = (*consumerHandler)(nil)
)
