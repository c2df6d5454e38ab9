// Package transport defines the broker contract used by the outbox
// dispatcher and the inbox receiver.
//
// The core needs only two operations: deliver an envelope (Send) and be
// delivered to (Subscribe). Transports must tolerate redelivery; the inbox
// deduplicates by deterministic record id. Implementations live in the
// subpackages (channel, kafka, nats, rabbitmq, redis) and breaker decorates
// any of them with a circuit breaker.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rbaliyan/mailbox/message"
	"github.com/rbaliyan/mailbox/routing"
)

// Transport errors
var (
	ErrTransportClosed    = errors.New("transport closed")
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrNoRoutingKey       = errors.New("envelope has no routing key")
)

// Receiver handles a delivered envelope. A non-nil error means the
// envelope was not durably accepted and the transport should redeliver it.
type Receiver interface {
	Receive(ctx context.Context, env message.Envelope) error
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, env message.Envelope) error

// Receive implements Receiver.
func (f ReceiverFunc) Receive(ctx context.Context, env message.Envelope) error {
	return f(ctx, env)
}

// Subscription is an active binding of a routing pattern to a Receiver.
type Subscription interface {
	// Pattern returns the routing pattern the subscription was made with.
	Pattern() string
	// Close stops delivery. It is safe to call more than once.
	Close(ctx context.Context) error
}

// Transport delivers envelopes by routing key.
type Transport interface {
	// Send delivers env to every subscription whose pattern matches its
	// routing key. A nil error means the broker accepted the envelope.
	Send(ctx context.Context, env message.Envelope) error

	// Subscribe binds pattern (see package routing) to r.
	Subscribe(ctx context.Context, pattern string, r Receiver) (Subscription, error)

	// Close releases broker resources and closes all subscriptions.
	Close(ctx context.Context) error
}

// Filter returns a Receiver that passes only envelopes whose routing key
// matches pattern. Brokers without partial wildcard support subscribe
// broadly and filter with it.
func Filter(pattern string, r Receiver) Receiver {
	return ReceiverFunc(func(ctx context.Context, env message.Envelope) error {
		if !routing.Match(pattern, env.RoutingKey()) {
			return nil
		}
		return r.Receive(ctx, env)
	})
}

// CheckSend validates an envelope before it is handed to a broker.
func CheckSend(env message.Envelope) error {
	if env.RoutingKey() == "" {
		return ErrNoRoutingKey
	}
	if _, err := routing.Parse(env.RoutingKey()); err != nil {
		return fmt.Errorf("routing key %q: %w", env.RoutingKey(), err)
	}
	return nil
}

// Logger returns a logger for a transport component.
func Logger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}
