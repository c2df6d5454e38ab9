package channel

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/mailbox/transport"
)

// Default configuration values
var (
	// DefaultBufferSize is the per-subscription buffer in async mode
	DefaultBufferSize = 100

	// DefaultRedeliveries is how often an async delivery is retried
	DefaultRedeliveries = 3
)

// options holds configuration for transport (unexported)
type options struct {
	async        bool
	bufferSize   int
	timeout      time.Duration
	redeliveries int
	retryDelay   time.Duration
	logger       *slog.Logger
}

// Option configures the channel transport
type Option func(*options)

// WithAsync enables asynchronous delivery. Send enqueues the envelope on
// each matching subscription and returns; a goroutine per subscription
// invokes the receiver and retries failures WithRedelivery times.
// In the default synchronous mode Send invokes every matching receiver
// and returns their joined errors.
func WithAsync(enabled bool) Option {
	return func(o *options) {
		o.async = enabled
	}
}

// WithBufferSize sets the per-subscription buffer in async mode
func WithBufferSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.bufferSize = size
		}
	}
}

// WithTimeout bounds how long Send waits for a full buffer in async mode.
// Zero waits until the context is done.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithRedelivery sets how often a failed async delivery is retried and
// the delay between attempts.
func WithRedelivery(attempts int, delay time.Duration) Option {
	return func(o *options) {
		o.redeliveries = attempts
		o.retryDelay = delay
	}
}

// WithLogger sets a custom logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func newOptions(opts ...Option) *options {
	o := &options{
		bufferSize:   DefaultBufferSize,
		redeliveries: DefaultRedeliveries,
		retryDelay:   100 * time.Millisecond,
		logger:       transport.Logger("transport.channel"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
