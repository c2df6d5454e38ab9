package nats

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/mailbox/codec"
)

// Option configures the JetStream transport
type Option func(*Transport)

// WithCodec sets the codec for envelope serialization
func WithCodec(c codec.Codec) Option {
	return func(t *Transport) {
		if c != nil {
			t.codec = c
		}
	}
}

// WithStream sets the stream name and the subject prefix it captures.
// Routing key "A.B.C" is published on subject "<prefix>.A.B.C".
func WithStream(name, subjectPrefix string) Option {
	return func(t *Transport) {
		if name != "" {
			t.stream = name
		}
		if subjectPrefix != "" {
			t.subjectPrefix = subjectPrefix
		}
	}
}

// WithDurablePrefix sets the prefix of durable consumer names. Instances
// sharing a prefix and pattern share one consumer and split its messages.
func WithDurablePrefix(prefix string) Option {
	return func(t *Transport) {
		if prefix != "" {
			t.durablePrefix = prefix
		}
	}
}

// WithReplicas sets the stream replica count.
func WithReplicas(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.replicas = n
		}
	}
}

// WithMaxAge sets how long the stream retains messages.
func WithMaxAge(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.maxAge = d
		}
	}
}

// WithDeduplication enables JetStream native message deduplication.
//
// The tracking id is sent as the Nats-Msg-Id header, so an outbox row that
// is re-sent after a lost acknowledgement is dropped by the broker when it
// arrives within the window. The inbox deduplicates regardless.
func WithDeduplication(window time.Duration) Option {
	return func(t *Transport) {
		t.dedupEnabled = true
		if window > 0 {
			t.dedupWindow = window
		}
	}
}

// WithMaxDeliver sets the maximum delivery attempts before JetStream stops
// redelivering a message. Zero means unlimited.
func WithMaxDeliver(n int) Option {
	return func(t *Transport) {
		t.maxDeliver = n
	}
}

// WithAckWait sets how long JetStream waits for acknowledgment before it
// redelivers.
func WithAckWait(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.ackWait = d
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
