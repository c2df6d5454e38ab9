// Package mailbox wires the reliable delivery core into one service.
//
// Messages leave a service through the outbox and enter it through the
// inbox:
//
//	business write + outbox row (one transaction)
//	    -> Dispatcher claims the row -> Transport.Send
//	    -> Receiver writes an inbox row -> consumer handler
//	    -> Sweeper deletes old rows on both sides
//
// Every step is at-least-once and every step is idempotent, so a message is
// handled exactly once per consumer even when instances crash between any
// two of them.
//
// Example:
//
//	routes := outbox.NewRegistry()
//	_ = outbox.Register[OrderPlaced](routes, outbox.Route{
//	    Producer:    "orders",
//	    RoutingKey:  "Sales.Orders.OrderPlaced",
//	    PayloadType: "OrderPlaced",
//	})
//
//	consumers := inbox.NewRegistry()
//	_ = inbox.Register(consumers, inbox.Consumer[OrderPlaced]{
//	    Name:    "billing",
//	    Pattern: "Sales.Orders.*",
//	    Handle:  billing.OnOrderPlaced,
//	})
//
//	svc, err := mailbox.NewService("orders",
//	    mailbox.WithTransport(channel.New()),
//	    mailbox.WithOutbox(outboxStore, routes, outbox.DefaultOptions()),
//	    mailbox.WithInbox(inboxStore, consumers, inbox.DefaultOptions()),
//	    mailbox.WithCleanup(cleanup.DefaultOptions()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close(ctx)
//
//	go svc.Run(ctx)
//
//	// inside a unit of work
//	_, err = outbox.PublishTyped(svc.Producer(), u, OrderPlaced{ID: "42"})
//
// Service Options:
//   - WithTransport: set the broker (required)
//   - WithOutbox: enable the producer and the dispatcher over a store
//   - WithInbox: enable the receiver and the inbox worker over a store
//   - WithCleanup: run a sweeper over each store
//   - WithLimiter: throttle outbox sends
//   - WithLogger: set the logger
package mailbox
