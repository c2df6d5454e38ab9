// Package breaker decorates a transport with a circuit breaker around Send.
//
// While the breaker is open Send fails fast with ErrOpen. The outbox treats
// that like any other send failure: the row is marked Failed and retried
// after its backoff, so an unreachable broker is not hammered by every
// dispatcher tick.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rbaliyan/mailbox/message"
	"github.com/rbaliyan/mailbox/routing"
	"github.com/rbaliyan/mailbox/transport"
	"github.com/sony/gobreaker"
)

// ErrOpen is returned by Send while the breaker rejects requests.
var ErrOpen = errors.New("transport circuit breaker open")

// Config controls when the breaker trips.
type Config struct {
	// ConsecutiveFailures trips the breaker after this many failed sends in a row.
	ConsecutiveFailures uint32
	// MinRequests and FailureRatio trip the breaker once at least MinRequests
	// were made in the current interval and the failure ratio reaches FailureRatio.
	MinRequests  uint32
	FailureRatio float64
	// Interval clears the counts while closed. Zero never clears them.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// MaxRequests is the number of probes allowed while half-open.
	MaxRequests uint32
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		ConsecutiveFailures: 5,
		MinRequests:         20,
		FailureRatio:        0.5,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		MaxRequests:         1,
	}
}

// Transport wraps another transport. Subscribe and Close pass through.
type Transport struct {
	next   transport.Transport
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
}

// New wraps next with a breaker named name.
func New(name string, next transport.Transport, cfg Config) *Transport {
	t := &Transport{
		next:   next,
		logger: transport.Logger("transport.breaker").With("breaker", name),
	}
	t.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures ||
				(cfg.MinRequests > 0 && counts.Requests >= cfg.MinRequests && ratio >= cfg.FailureRatio)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.logger.Warn("circuit breaker state changed", "from", from.String(), "to", to.String())
		},
		IsSuccessful: isSuccessful,
	})
	return t
}

// WithLogger sets the logger
func (t *Transport) WithLogger(l *slog.Logger) *Transport {
	if l != nil {
		t.logger = l
	}
	return t
}

// State returns the breaker state ("closed", "half-open" or "open").
func (t *Transport) State() string {
	return t.cb.State().String()
}

// Send implements transport.Transport.
func (t *Transport) Send(ctx context.Context, env message.Envelope) error {
	_, err := t.cb.Execute(func() (any, error) {
		return nil, t.next.Send(ctx, env)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrOpen, err)
	}
	return err
}

// Subscribe implements transport.Transport.
func (t *Transport) Subscribe(ctx context.Context, pattern string, r transport.Receiver) (transport.Subscription, error) {
	return t.next.Subscribe(ctx, pattern, r)
}

// Close implements transport.Transport.
func (t *Transport) Close(ctx context.Context) error {
	return t.next.Close(ctx)
}

// isSuccessful excludes caller mistakes and cancellation from the failure
// counts; only broker failures trip the breaker.
func isSuccessful(err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, transport.ErrNoRoutingKey),
		errors.Is(err, routing.ErrEmptyKey),
		errors.Is(err, routing.ErrSegmentCount),
		errors.Is(err, routing.ErrEmptySegment),
		errors.Is(err, routing.ErrInvalidSegment),
		errors.Is(err, context.Canceled):
		return true
	default:
		return false
	}
}

var _ transport.Transport = (*Transport)(nil)
