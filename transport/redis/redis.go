// Package redis provides a Redis Streams-based transport implementation.
//
// This transport uses Redis Streams for at-least-once delivery guarantees.
// Envelopes are persisted in Redis and redelivered if not acknowledged.
//
// Features:
//   - One stream for all routing keys; each subscribed pattern reads through
//     its own consumer group and filters by routing key
//   - Entries a receiver rejected stay pending and are claimed again
//   - With a stable consumer name (WithConsumerName), entries the previous
//     run left pending are delivered first on subscribe
//   - Stream trimming by count (MAXLEN) or age (MINID)
package redis

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
	"github.com/rbaliyan/mailbox/backoff"
	"github.com/rbaliyan/mailbox/codec"
	"github.com/rbaliyan/mailbox/message"
	"github.com/rbaliyan/mailbox/routing"
	"github.com/rbaliyan/mailbox/transport"
	"github.com/redis/go-redis/v9"
)

// Client defines the interface for Redis client operations.
// Supports *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
}

// ErrClientRequired is returned when no Redis client is provided
var ErrClientRequired = errors.New("redis client is required")

// Default configuration
var (
	DefaultStream    = "mailbox:stream"
	DefaultGroupID   = "mailbox"
	DefaultBlockTime = 5 * time.Second
)

const (
	fieldData        = "data"
	fieldRoutingKey  = "routing_key"
	fieldContentType = "content_type"
	readCount        = 10
)

// Transport implements transport.Transport using Redis Streams
type Transport struct {
	status   int32
	client   Client
	stream   string
	groupID  string
	consumer string
	codec    codec.Codec
	subs     sync.Map // map[string]*subscription
	logger   *slog.Logger

	maxLen        int64         // Max stream length (0 = unlimited)
	maxAge        time.Duration // Max entry age for MINID trimming (0 = unlimited)
	blockTime     time.Duration
	claimInterval time.Duration // Interval for claiming pending entries (0 = disabled)
	claimMinIdle  time.Duration // Minimum idle time before claiming an entry
}

// subscription implements transport.Subscription for Redis
type subscription struct {
	id       string
	consumer string
	pattern  string
	receiver transport.Receiver
	group    string
	t        *Transport
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closed   int32
}

// New creates a new Redis transport with a pre-initialized client.
// The client is not closed by the transport.
func New(client Client, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	t := &Transport{
		status:    1,
		client:    client,
		stream:    DefaultStream,
		groupID:   DefaultGroupID,
		codec:     codec.Default(),
		blockTime: DefaultBlockTime,
		logger:    transport.Logger("transport.redis"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// Send implements transport.Transport. A nil error means the entry was
// appended to the stream.
func (t *Transport) Send(ctx context.Context, env message.Envelope) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if err := transport.CheckSend(env); err != nil {
		return err
	}

	data, err := t.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.TrackingID(), err)
	}

	args := &redis.XAddArgs{
		Stream: t.stream,
		Values: map[string]any{
			fieldData:        data,
			fieldRoutingKey:  env.RoutingKey(),
			fieldContentType: t.codec.ContentType(),
		},
	}

	// Apply count-based trimming (MAXLEN)
	if t.maxLen > 0 {
		args.MaxLen = t.maxLen
		args.Approx = true
	}

	// Apply time-based trimming (MINID)
	if t.maxAge > 0 && t.maxLen == 0 {
		args.MinID = fmt.Sprintf("%d-0", time.Now().Add(-t.maxAge).UnixMilli())
		args.Approx = true
	}

	id, err := t.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("redis send %s: %w", env.TrackingID(), err)
	}
	t.logger.Debug("sent", "routing_key", env.RoutingKey(), "tracking_id", env.TrackingID(), "entry", id)
	return nil
}

// Subscribe implements transport.Transport. The group of a new pattern
// starts at the end of the stream.
func (t *Transport) Subscribe(ctx context.Context, pattern string, r transport.Receiver) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}
	if err := routing.ValidatePattern(pattern); err != nil {
		return nil, err
	}

	group := t.groupID + "." + pattern
	err := t.client.XGroupCreateMkStream(ctx, t.stream, group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("create group %s: %w", group, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		id:       uuid.NewString(),
		consumer: t.consumer,
		pattern:  pattern,
		receiver: transport.Filter(pattern, r),
		group:    group,
		t:        t,
		cancel:   cancel,
	}
	if sub.consumer == "" {
		sub.consumer = sub.id
	}
	t.subs.Store(sub.id, sub)

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		sub.consumeLoop(subCtx)
	}()

	if t.claimInterval > 0 {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			sub.claimLoop(subCtx)
		}()
	}

	t.logger.Debug("subscribed", "pattern", pattern, "group", group, "consumer", sub.consumer)
	return sub, nil
}

// Close shuts down the transport and its subscriptions
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}
	var errs []error
	t.subs.Range(func(_, value any) bool {
		errs = append(errs, value.(*subscription).Close(ctx))
		return true
	})
	t.logger.Debug("transport closed")
	return errors.Join(errs...)
}

func (s *subscription) Pattern() string {
	return s.pattern
}

// Close stops reading. Entries not yet acknowledged stay pending in the
// group and are delivered to the next consumer of the pattern.
func (s *subscription) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	s.cancel()
	s.t.subs.Delete(s.id)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *subscription) consumeLoop(ctx context.Context) {
	// First, deliver entries this consumer name left pending
	s.read(ctx, "0")

	delay := 100 * time.Millisecond
	maxDelay := 30 * time.Second

	for ctx.Err() == nil {
		if err := s.read(ctx, ">"); err != nil {
			jittered := backoff.Jitter(delay, 0.3)
			s.t.logger.Error("read error, retrying with backoff", "group", s.group, "error", err, "backoff", jittered)
			if backoff.SleepContext(ctx, jittered) != nil {
				return
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		delay = 100 * time.Millisecond
	}
}

// read reads one batch from start and delivers it: "0" re-reads the
// entries this consumer holds pending, ">" reads new ones.
func (s *subscription) read(ctx context.Context, start string) error {
	args := &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.t.stream, start},
		Count:    readCount,
		Block:    s.t.blockTime,
	}
	if start != ">" {
		args.Block = -1
	}
	streams, err := s.t.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || ctx.Err() != nil {
			return nil
		}
		return err
	}

	for _, stream := range streams {
		for _, xmsg := range stream.Messages {
			if ctx.Err() != nil {
				return nil
			}
			s.deliver(ctx, xmsg)
		}
	}
	return nil
}

func (s *subscription) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(s.t.claimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.claimOnce(ctx)
		}
	}
}

// claimOnce takes over entries pending for longer than claimMinIdle,
// whoever holds them, and delivers them again.
func (s *subscription) claimOnce(ctx context.Context) {
	start := "0-0"
	for ctx.Err() == nil {
		msgs, next, err := s.t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   s.t.stream,
			Group:    s.group,
			Consumer: s.consumer,
			MinIdle:  s.t.claimMinIdle,
			Start:    start,
			Count:    100,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				s.t.logger.Error("failed to claim pending entries", "group", s.group, "error", err)
			}
			return
		}
		if len(msgs) > 0 {
			s.t.logger.Info("claimed pending entries", "count", len(msgs), "group", s.group)
		}
		for _, xmsg := range msgs {
			if ctx.Err() != nil {
				return
			}
			s.deliver(ctx, xmsg)
		}
		if next == "0-0" || next == "" {
			return
		}
		start = next
	}
}

// deliver hands one entry to the receiver and acknowledges it on success.
// Entries that cannot be decoded are acknowledged and dropped.
func (s *subscription) deliver(ctx context.Context, xmsg redis.XMessage) {
	data, ok := xmsg.Values[fieldData].(string)
	if !ok {
		s.t.logger.Error("invalid entry format, dropped", "entry", xmsg.ID, "group", s.group)
		s.ack(ctx, xmsg.ID)
		return
	}
	env, err := s.t.codec.Decode([]byte(data))
	if err != nil {
		s.t.logger.Error("failed to decode entry, dropped", "entry", xmsg.ID, "group", s.group, "error", err)
		s.ack(ctx, xmsg.ID)
		return
	}

	if err := s.receiver.Receive(ctx, env); err != nil {
		s.t.logger.Warn("receiver failed, entry left pending",
			"entry", xmsg.ID,
			"tracking_id", env.TrackingID(),
			"error", err)
		return
	}
	s.ack(ctx, xmsg.ID)
}

func (s *subscription) ack(ctx context.Context, id string) {
	if err := s.t.client.XAck(context.WithoutCancel(ctx), s.t.stream, s.group, id).Err(); err != nil {
		s.t.logger.Error("ack failed", "entry", id, "group", s.group, "error", err)
	}
}

func isBusyGroup(err error) bool {
	return strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// Compile-time checks
var (
	_ transport.Transport    = (*Transport)(nil)
	_ transport.Subscription = (*subscription)(nil)
	_ Client                 = (*redis.Client)(nil)
)
