package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/mailbox/inbox"
	"github.com/rbaliyan/mailbox/message"
	"github.com/rbaliyan/mailbox/outbox"
	"github.com/rbaliyan/mailbox/uow"
)

// orderPlaced is the sample payload published by -demo.
type orderPlaced struct {
	OrderID    string    `json:"order_id"`
	CustomerID string    `json:"customer_id"`
	Amount     int64     `json:"amount"`
	PlacedAt   time.Time `json:"placed_at"`
}

// demoRoutes routes orderPlaced to Sales.Orders.OrderPlaced.
func demoRoutes() (*outbox.Registry, error) {
	routes := outbox.NewRegistry()
	err := outbox.Register[orderPlaced](routes, outbox.Route{
		Producer:    "sales",
		RoutingKey:  "Sales.Orders.OrderPlaced",
		PayloadType: "OrderPlaced",
	})
	return routes, err
}

// demoConsumers logs every order, ordered per customer.
func demoConsumers(logger *slog.Logger) (*inbox.Registry, error) {
	consumers := inbox.NewRegistry()
	err := inbox.Register(consumers, inbox.Consumer[orderPlaced]{
		Name:     "order-log",
		Pattern:  "Sales.Orders.*",
		SubQueue: func(o orderPlaced) string { return o.CustomerID },
		Handle: func(_ context.Context, o orderPlaced, env message.Envelope) error {
			logger.Info("order received",
				"order_id", o.OrderID,
				"customer_id", o.CustomerID,
				"amount", o.Amount,
				"tracking_id", env.TrackingID())
			return nil
		},
	})
	return consumers, err
}

// runDemo publishes one order per interval until ctx is done. Each order
// goes through a unit of work and is dispatched right after it completes.
func runDemo(ctx context.Context, p *outbox.Producer, interval time.Duration, logger *slog.Logger) error {
	coord, err := uow.NewCoordinator(uow.NewPseudoContext("demo"))
	if err != nil {
		return err
	}
	coord.WithLogger(logger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		order := orderPlaced{
			OrderID:    uuid.NewString(),
			CustomerID: fmt.Sprintf("customer-%d", n%3),
			Amount:     int64(n) * 100,
			PlacedAt:   time.Now().UTC(),
		}
		var id string
		err := coord.Execute(ctx, func(_ context.Context, u *uow.UnitOfWork) error {
			var err error
			id, err = outbox.PublishTyped(p, u, order,
				outbox.WithSubQueue(order.CustomerID),
				outbox.WithImmediateDispatch())
			return err
		})
		if err != nil {
			logger.Error("demo publish failed", "error", err)
			continue
		}
		logger.Debug("demo order published", "id", id)
	}
}
