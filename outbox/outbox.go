// Package outbox implements the transactional outbox pattern for reliable message publishing.
//
// The outbox pattern ensures that database writes and message publishing are atomic:
//  1. Store the message in an outbox table within the same transaction as your business data
//  2. A background Dispatcher claims due rows and sends them through the transport
//  3. After a successful send, the row is marked processed
//
// This guarantees that messages are never lost, even if the application crashes
// after committing the transaction but before sending the message.
//
// # The Problem
//
// Without the outbox pattern, you face the "dual-write problem":
//
//	// UNSAFE: Not atomic!
//	if err := db.UpdateOrder(order); err != nil {
//	    return err
//	}
//	// If crash here, order is updated but the message is lost
//	return transport.Send(ctx, env)
//
// # The Solution
//
// With the outbox pattern, writes are atomic:
//
//	err := coord.Execute(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
//	    tx, _ := uow.SQLTx(ctx, db)
//	    if _, err := tx.ExecContext(ctx, "UPDATE orders SET status = 'shipped' WHERE id = $1", id); err != nil {
//	        return err
//	    }
//	    _, err := outbox.PublishTyped(producer, u, OrderShipped{ID: id})
//	    return err
//	})
//	// Either both succeed or both fail - always consistent
//
// When the unit of work is pseudo-transactional (no real transaction), the
// row is written from a post-commit hook instead, so it still only exists
// if the business change completed.
//
// # Complete Example
//
//	registry := outbox.NewRegistry()
//	if err := outbox.Register[OrderShipped](registry, outbox.Route{
//	    Producer:    "orders",
//	    RoutingKey:  "Sales.Orders.OrderShipped",
//	    PayloadType: "OrderShipped",
//	}); err != nil {
//	    return err
//	}
//
//	dispatcher, err := outbox.NewDispatcher(store, transport, outbox.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	producer := outbox.NewProducer(store, registry).WithDispatcher(dispatcher)
//
//	go dispatcher.Run(ctx)
//
// # Best Practices
//
//   - Run the dispatcher on every instance; claims are race free
//   - Run a cleanup.Sweeper to bound the table
//   - Consumers must be idempotent since messages may be delivered more than once
package outbox

import (
	"errors"

	"github.com/rbaliyan/mailbox/internal/worker"
)

// Outbox errors
var (
	// ErrNoRoute is returned when publishing a payload type that was never registered.
	ErrNoRoute = errors.New("outbox: no route registered for payload type")

	// ErrDuplicateRoute is returned by Register for a type or payload type name seen before.
	ErrDuplicateRoute = errors.New("outbox: route already registered")

	// ErrInvalidRoute is returned by Register for an incomplete route.
	ErrInvalidRoute = errors.New("outbox: invalid route")

	// ErrNoUnitOfWork is returned by Publish when called without a unit of work.
	ErrNoUnitOfWork = errors.New("outbox: unit of work is required")

	// ErrNotDue is returned by DispatchNow when the row is not in a claimable state.
	ErrNotDue = errors.New("outbox: row is not due")
)

// DefaultProducer is the producer name used by Enqueue when no route applies.
const DefaultProducer = "outbox"

// Options configures the Dispatcher.
type Options = worker.Options

// DefaultOptions returns the default dispatcher configuration:
// batches of 100 every 5s, rows stuck in processing for 5m plus a 1m
// margin are reclaimed, retries back off from 60s.
func DefaultOptions() Options {
	return worker.DefaultOptions()
}
