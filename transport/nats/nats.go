// Package nats provides a NATS JetStream transport.
//
// Envelopes are published to "<prefix>.<routing key>" on one stream that
// captures "<prefix>.>". A subscription is a durable pull consumer whose
// filter subjects are derived from the routing pattern: whole "*" segments
// map to NATS "*" tokens, and a three segment pattern also subscribes to
// the four segment keys beneath it. Partial wildcards ("Sales*") cannot be
// expressed as subjects, so they are widened to "*" and filtered with
// routing.Match on receipt.
//
// Delivery is at-least-once: a message is acked after the receiver returns
// nil and nak'd otherwise.
//
//	t, err := nats.New(ctx, conn,
//	    nats.WithDeduplication(2*time.Minute),
//	    nats.WithAckWait(time.Minute),
//	)
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rbaliyan/mailbox/backoff"
	"github.com/rbaliyan/mailbox/codec"
	"github.com/rbaliyan/mailbox/message"
	"github.com/rbaliyan/mailbox/routing"
	"github.com/rbaliyan/mailbox/transport"
)

// Errors
var (
	ErrConnRequired    = errors.New("nats connection is required")
	ErrJetStreamFailed = errors.New("failed to create jetstream context")
)

// Default configuration
var (
	DefaultStream        = "MAILBOX"
	DefaultSubjectPrefix = "mailbox"
	DefaultDurablePrefix = "mailbox"
	DefaultReplicas      = 1
	DefaultMaxAge        = 24 * time.Hour
)

// HeaderContentType carries the codec content type.
const HeaderContentType = "Content-Type"

// Transport implements transport.Transport using NATS JetStream.
type Transport struct {
	status int32
	js     jetstream.JetStream
	str    jetstream.Stream
	codec  codec.Codec
	logger *slog.Logger
	subs   sync.Map // map[*subscription]struct{}

	stream        string
	subjectPrefix string
	durablePrefix string
	replicas      int
	maxAge        time.Duration

	dedupEnabled bool
	dedupWindow  time.Duration
	maxDeliver   int
	ackWait      time.Duration
}

// subscription implements transport.Subscription for JetStream
type subscription struct {
	t        *Transport
	pattern  string
	receiver transport.Receiver
	consumer jetstream.Consumer
	cancel   context.CancelFunc
	closed   int32
	wg       sync.WaitGroup
}

// New creates a JetStream transport and creates or updates its stream.
func New(ctx context.Context, conn *nats.Conn, opts ...Option) (*Transport, error) {
	if conn == nil {
		return nil, ErrConnRequired
	}

	t := &Transport{
		status:        1,
		codec:         codec.Default(),
		logger:        transport.Logger("transport.nats"),
		stream:        DefaultStream,
		subjectPrefix: DefaultSubjectPrefix,
		durablePrefix: DefaultDurablePrefix,
		replicas:      DefaultReplicas,
		maxAge:        DefaultMaxAge,
		dedupWindow:   2 * time.Minute,
		ackWait:       30 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, errors.Join(ErrJetStreamFailed, err)
	}
	t.js = js

	cfg := jetstream.StreamConfig{
		Name:     t.stream,
		Subjects: []string{t.subjectPrefix + ".>"},
		Replicas: t.replicas,
		MaxAge:   t.maxAge,
	}
	if t.dedupEnabled && t.dedupWindow > 0 {
		cfg.Duplicates = t.dedupWindow
	}
	str, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("nats stream %s: %w", t.stream, err)
	}
	t.str = str

	t.logger.Debug("stream ready", "stream", t.stream, "subjects", cfg.Subjects)
	return t, nil
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// Send implements transport.Transport. It returns once JetStream stored
// the message.
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

	msg := nats.NewMsg(subjectFor(t.subjectPrefix, env.RoutingKey()))
	msg.Data = data
	msg.Header.Set(HeaderContentType, t.codec.ContentType())

	var pubOpts []jetstream.PublishOpt
	if t.dedupEnabled {
		pubOpts = append(pubOpts, jetstream.WithMsgID(env.TrackingID()))
	}

	ack, err := t.js.PublishMsg(ctx, msg, pubOpts...)
	if err != nil {
		return fmt.Errorf("nats publish %s: %w", msg.Subject, err)
	}

	t.logger.Debug("published", "subject", msg.Subject, "tracking_id", env.TrackingID(),
		"seq", ack.Sequence, "duplicate", ack.Duplicate)
	return nil
}

// Subscribe implements transport.Transport.
func (t *Transport) Subscribe(ctx context.Context, pattern string, r transport.Receiver) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}
	subjects, err := filterSubjects(t.subjectPrefix, pattern)
	if err != nil {
		return nil, err
	}

	cfg := jetstream.ConsumerConfig{
		Durable:        durableName(t.durablePrefix, pattern),
		AckPolicy:      jetstream.AckExplicitPolicy,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: subjects,
		AckWait:        t.ackWait,
	}
	if t.maxDeliver > 0 {
		cfg.MaxDeliver = t.maxDeliver
	}

	consumer, err := t.str.CreateOrUpdateConsumer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("nats consumer %s: %w", cfg.Durable, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		t:        t,
		pattern:  pattern,
		receiver: transport.Filter(pattern, r),
		consumer: consumer,
		cancel:   cancel,
	}
	t.subs.Store(sub, struct{}{})

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		sub.consumeLoop(subCtx)
	}()

	t.logger.Debug("subscribed", "pattern", pattern, "durable", cfg.Durable, "subjects", subjects)
	return sub, nil
}

// Close implements transport.Transport. The connection stays open; the
// caller owns it.
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}
	t.subs.Range(func(key, _ any) bool {
		_ = key.(*subscription).Close(ctx)
		return true
	})
	t.logger.Debug("transport closed")
	return nil
}

func (s *subscription) Pattern() string {
	return s.pattern
}

func (s *subscription) Close(context.Context) error {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		s.cancel()
		s.wg.Wait()
		s.t.subs.Delete(s)
	}
	return nil
}

// handle delivers one message and settles it with the broker.
func (s *subscription) handle(ctx context.Context, msg jetstream.Msg) {
	logger := s.t.logger
	env, err := s.t.codec.Decode(msg.Data())
	if err != nil {
		logger.Error("terminating undecodable message", "error", err, "subject", msg.Subject())
		if err := msg.Term(); err != nil {
			logger.Warn("term failed", "error", err)
		}
		return
	}

	if err := s.receiver.Receive(ctx, env); err != nil {
		logger.Warn("receiver failed, nak'd for redelivery", "error", err,
			"pattern", s.pattern, "tracking_id", env.TrackingID())
		if err := msg.Nak(); err != nil {
			logger.Warn("nak failed", "error", err)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		// The broker redelivers after AckWait; the inbox drops the duplicate.
		logger.Warn("ack failed", "error", err, "tracking_id", env.TrackingID())
	}
}

func (s *subscription) consumeLoop(ctx context.Context) {
	logger := s.t.logger
	delay := 100 * time.Millisecond
	maxDelay := 30 * time.Second

	for ctx.Err() == nil {
		consumerErrCh := make(chan error, 1)
		errHandler := jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
			select {
			case consumerErrCh <- err:
			default:
			}
		})

		cons, err := s.consumer.Consume(func(msg jetstream.Msg) { s.handle(ctx, msg) }, errHandler)
		if err != nil {
			wait := backoff.Jitter(delay, 0.3)
			logger.Error("consume error, retrying", "error", err, "backoff", wait)
			if backoff.SleepContext(ctx, wait) != nil {
				return
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		delay = 100 * time.Millisecond

		select {
		case <-ctx.Done():
			cons.Stop()
			return
		case err := <-consumerErrCh:
			cons.Stop()
			wait := backoff.Jitter(delay, 0.3)
			logger.Warn("consumer error, reconnecting", "error", err, "backoff", wait)
			if backoff.SleepContext(ctx, wait) != nil {
				return
			}
			delay = min(delay*2, maxDelay)
		}
	}
}

func subjectFor(prefix, routingKey string) string {
	return prefix + "." + routingKey
}

// filterSubjects maps a routing pattern to JetStream filter subjects.
func filterSubjects(prefix, pattern string) ([]string, error) {
	segs, err := routing.Broaden(pattern)
	if err != nil {
		return nil, err
	}
	subject := subjectFor(prefix, strings.Join(segs, routing.Separator))
	if len(segs) == 3 {
		return []string{subject, subject + ".*"}, nil
	}
	return []string{subject}, nil
}

// durableName derives a stable consumer name. Patterns contain characters
// NATS rejects in durable names, so the pattern is hashed.
func durableName(prefix, pattern string) string {
	return prefix + "-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(pattern)).String()
}

// Compile-time checks
var (
	_ transport.Transport    = (*Transport)(nil)
	_ transport.Subscription = (*subscription)(nil)
)
