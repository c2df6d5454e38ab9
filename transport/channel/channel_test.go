package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/mailbox/message"
	"github.com/rbaliyan/mailbox/transport"
)

func envelope(key string) message.Envelope {
	return message.NewEnvelope("", key, "OrderPlaced", []byte(`{}`))
}

func TestSyncDelivery(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers to matching patterns only", func(t *testing.T) {
		tr := New()
		defer tr.Close(ctx)

		var orders, payments int
		_, err := tr.Subscribe(ctx, "Sales.Orders.*", transport.ReceiverFunc(func(context.Context, message.Envelope) error {
			orders++
			return nil
		}))
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		_, _ = tr.Subscribe(ctx, "Sales.Payments.*", transport.ReceiverFunc(func(context.Context, message.Envelope) error {
			payments++
			return nil
		}))

		if err := tr.Send(ctx, envelope("Sales.Orders.OrderPlaced.Created")); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		if orders != 1 || payments != 0 {
			t.Errorf("expected 1/0 deliveries, got %d/%d", orders, payments)
		}
	})

	t.Run("receiver error is returned to the sender", func(t *testing.T) {
		tr := New()
		defer tr.Close(ctx)

		boom := errors.New("store not ready")
		_, _ = tr.Subscribe(ctx, "Sales.Orders.*", transport.ReceiverFunc(func(context.Context, message.Envelope) error {
			return boom
		}))
		if err := tr.Send(ctx, envelope("Sales.Orders.OrderPlaced")); !errors.Is(err, boom) {
			t.Errorf("expected receiver error, got %v", err)
		}
	})

	t.Run("closed subscriptions stop receiving", func(t *testing.T) {
		tr := New()
		defer tr.Close(ctx)

		var n int
		sub, _ := tr.Subscribe(ctx, "*.*.*", transport.ReceiverFunc(func(context.Context, message.Envelope) error {
			n++
			return nil
		}))
		if sub.Pattern() != "*.*.*" {
			t.Errorf("unexpected pattern %q", sub.Pattern())
		}
		_ = sub.Close(ctx)
		_ = tr.Send(ctx, envelope("Sales.Orders.OrderPlaced"))
		if n != 0 {
			t.Errorf("expected no delivery after close, got %d", n)
		}
	})

	t.Run("invalid input is rejected", func(t *testing.T) {
		tr := New()
		defer tr.Close(ctx)

		if _, err := tr.Subscribe(ctx, "Sales", transport.ReceiverFunc(nil)); err == nil {
			t.Error("expected invalid pattern error")
		}
		if err := tr.Send(ctx, envelope("")); !errors.Is(err, transport.ErrNoRoutingKey) {
			t.Errorf("expected ErrNoRoutingKey, got %v", err)
		}
	})

	t.Run("closed transport refuses work", func(t *testing.T) {
		tr := New()
		_ = tr.Close(ctx)
		if err := tr.Send(ctx, envelope("Sales.Orders.OrderPlaced")); !errors.Is(err, transport.ErrTransportClosed) {
			t.Errorf("expected ErrTransportClosed, got %v", err)
		}
	})
}

func TestAsyncDelivery(t *testing.T) {
	ctx := context.Background()

	t.Run("failed deliveries are retried", func(t *testing.T) {
		tr := New(WithAsync(true), WithRedelivery(2, time.Millisecond))
		defer tr.Close(ctx)

		var mu sync.Mutex
		attempts := 0
		done := make(chan struct{})
		_, _ = tr.Subscribe(ctx, "Sales.Orders.*", transport.ReceiverFunc(func(context.Context, message.Envelope) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return errors.New("not yet")
			}
			close(done)
			return nil
		}))

		if err := tr.Send(ctx, envelope("Sales.Orders.OrderPlaced")); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for redelivery")
		}
	})

	t.Run("full buffer times out", func(t *testing.T) {
		tr := New(WithAsync(true), WithBufferSize(1), WithTimeout(10*time.Millisecond))
		release := make(chan struct{})
		_, _ = tr.Subscribe(ctx, "Sales.Orders.*", transport.ReceiverFunc(func(context.Context, message.Envelope) error {
			<-release
			return nil
		}))

		var lastErr error
		for i := 0; i < 3; i++ {
			lastErr = tr.Send(ctx, envelope("Sales.Orders.OrderPlaced"))
		}
		if !errors.Is(lastErr, ErrPublishTimeout) {
			t.Errorf("expected ErrPublishTimeout, got %v", lastErr)
		}
		close(release)
		_ = tr.Close(ctx)
	})
}
