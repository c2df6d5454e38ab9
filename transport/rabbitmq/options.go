package rabbitmq

import (
	"log/slog"

	"github.com/rbaliyan/mailbox/codec"
)

// Option configures the RabbitMQ transport
type Option func(*Transport)

// WithCodec sets the codec for envelope serialization
func WithCodec(c codec.Codec) Option {
	return func(t *Transport) {
		if c != nil {
			t.codec = c
		}
	}
}

// WithExchange sets the topic exchange envelopes are published to.
func WithExchange(name string) Option {
	return func(t *Transport) {
		if name != "" {
			t.exchange = name
		}
	}
}

// WithQueuePrefix sets the prefix of the durable queue declared per
// subscription. Instances sharing a prefix and pattern compete for the
// queue's messages.
func WithQueuePrefix(prefix string) Option {
	return func(t *Transport) {
		if prefix != "" {
			t.queuePrefix = prefix
		}
	}
}

// WithPrefetch limits unacknowledged deliveries per consumer.
func WithPrefetch(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.prefetch = n
		}
	}
}

// WithConfirms puts the channel in confirm mode so Send waits for the
// broker to take responsibility for each message.
func WithConfirms(enabled bool) Option {
	return func(t *Transport) {
		t.confirms = enabled
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
