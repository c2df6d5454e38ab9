// Package inbox implements the consumer side of reliable delivery: a
// durable record of every message a consumer has handled.
//
// # Problem
//
// Transports deliver at least once. A message can arrive twice because the
// broker redelivered it, because an outbox dispatcher was reclaimed after a
// crash, or because two subscriptions overlap. Handlers with side effects
// must not run twice for the same message.
//
// # Solution
//
// Each delivery is written to an inbox row whose id is derived from the
// consumer name, the optional sub-queue and the message tracking id:
//
//	{consumer}[_{subQueue}]----{trackingID}
//
// The same message therefore always lands on the same row. A row that is
// already Processed is skipped, so the handler succeeds exactly once per
// (consumer, message) pair.
//
// The Receiver tries the handler inline as soon as the message arrives and
// the Worker retries whatever failed, exactly like the outbox dispatcher
// retries sends:
//
//	Transport -> Receiver.Receive -> insert Processing row -> handler
//	                                      |
//	                                      v (failed, or blocked by an older row)
//	                          Worker.Run -> claim -> handler -> Processed
//
// # Complete Example
//
//	type OrderPlaced struct {
//	    OrderID    string `json:"order_id"`
//	    CustomerID string `json:"customer_id"`
//	}
//
//	registry := inbox.NewRegistry()
//	err := inbox.Register(registry, inbox.Consumer[OrderPlaced]{
//	    Name:    "billing",
//	    Pattern: "Sales.Orders.OrderPlaced",
//	    // messages of one customer are handled in order
//	    SubQueue: func(o OrderPlaced) string { return o.CustomerID },
//	    Handle: func(ctx context.Context, o OrderPlaced, env message.Envelope) error {
//	        return billing.Charge(ctx, o.OrderID)
//	    },
//	})
//
//	w, err := inbox.NewWorker(store, registry, inbox.DefaultOptions())
//	receiver := inbox.NewReceiver(w)
//	subs, err := receiver.Subscribe(ctx, transport)
//	go w.Run(ctx)
//
// # Best Practices
//
//   - Keep consumer names stable: they are part of every row id
//   - Handler errors never reach the transport; the Worker retries them
//   - Use Skip to unblock a sub-queue stuck behind a message that cannot succeed
//   - Run a cleanup.Sweeper to bound the table
package inbox

import (
	"errors"

	"github.com/rbaliyan/mailbox/internal/worker"
)

// Inbox errors
var (
	// ErrDuplicateConsumer is returned by Register for a name seen before.
	ErrDuplicateConsumer = errors.New("inbox: consumer already registered")

	// ErrInvalidConsumer is returned by Register for an incomplete consumer.
	ErrInvalidConsumer = errors.New("inbox: invalid consumer")

	// ErrUnknownConsumer is returned when a row belongs to no registered consumer.
	ErrUnknownConsumer = errors.New("inbox: unknown consumer")
)

// Options configures the Worker.
type Options = worker.Options

// DefaultOptions returns the default worker configuration.
func DefaultOptions() Options {
	return worker.DefaultOptions()
}
