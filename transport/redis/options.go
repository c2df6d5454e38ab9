package redis

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/mailbox/codec"
)

// Option configures the Redis transport
type Option func(*Transport)

// WithCodec sets the codec for envelope serialization
func WithCodec(c codec.Codec) Option {
	return func(t *Transport) {
		if c != nil {
			t.codec = c
		}
	}
}

// WithStream sets the stream all envelopes are appended to
func WithStream(name string) Option {
	return func(t *Transport) {
		if name != "" {
			t.stream = name
		}
	}
}

// WithConsumerGroup sets the consumer group prefix. Each subscribed
// pattern reads through its own group, "{prefix}.{pattern}", so instances
// subscribing the same pattern share the work.
func WithConsumerGroup(groupID string) Option {
	return func(t *Transport) {
		if groupID != "" {
			t.groupID = groupID
		}
	}
}

// WithConsumerName sets the consumer name used in every group. Defaults to
// a random name per subscription. A name that is stable across restarts
// lets a new run pick up its own pending entries immediately instead of
// waiting for the claim interval.
func WithConsumerName(name string) Option {
	return func(t *Transport) {
		if name != "" {
			t.consumer = name
		}
	}
}

// WithMaxLen sets the max length for the stream (MAXLEN)
func WithMaxLen(n int64) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxLen = n
		}
	}
}

// WithMaxAge sets the max age for entries in the stream (MINID-based trimming).
// Entries older than this duration are trimmed on each send.
//
// Set to 0 (default) for unlimited retention. Ignored when WithMaxLen is
// set, since XADD accepts only one trimming strategy. An entry trimmed
// before every group read it is lost for those groups; keep the age well
// above the expected consumer downtime.
func WithMaxAge(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.maxAge = d
		}
	}
}

// WithBlockTime sets the block time for XREADGROUP
func WithBlockTime(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.blockTime = d
		}
	}
}

// WithClaimInterval enables redelivery of entries left pending: every
// interval, entries idle for at least minIdle are claimed and delivered
// again. This covers both receivers that failed and consumers that died.
func WithClaimInterval(interval, minIdle time.Duration) Option {
	return func(t *Transport) {
		if interval > 0 && minIdle >= 0 {
			t.claimInterval = interval
			t.claimMinIdle = minIdle
		}
	}
}

// WithLogger sets a custom logger
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}
