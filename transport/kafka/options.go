package kafka

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/mailbox/codec"
)

// Option configures the Kafka transport
type Option func(*Transport)

// WithCodec sets the codec for envelope serialization
func WithCodec(c codec.Codec) Option {
	return func(t *Transport) {
		if c != nil {
			t.codec = c
		}
	}
}

// WithTopic sets the topic every envelope is produced to. The routing key
// travels as the message key, so envelopes with the same key stay ordered
// within a partition.
func WithTopic(topic string) Option {
	return func(t *Transport) {
		if topic != "" {
			t.topic = topic
		}
	}
}

// WithConsumerGroup sets the base consumer group ID. Each subscription
// joins "<group>.<pattern>", so instances of the same service share the
// work of one pattern.
func WithConsumerGroup(groupID string) Option {
	return func(t *Transport) {
		if groupID != "" {
			t.groupID = groupID
		}
	}
}

// WithRedelivery sets how often a failing receiver is retried in-process
// before the claim is abandoned and the message left uncommitted.
func WithRedelivery(attempts int, delay time.Duration) Option {
	return func(t *Transport) {
		if attempts >= 0 {
			t.redeliveries = attempts
		}
		if delay > 0 {
			t.retryDelay = delay
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}
