package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/mailbox/message"
	"github.com/rbaliyan/mailbox/transport"
	"github.com/redis/go-redis/v9"
)

type collector struct {
	mu    sync.Mutex
	got   []string
	fails int
}

func (c *collector) Receive(_ context.Context, env message.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, env.TrackingID())
	if c.fails > 0 {
		c.fails--
		return errors.New("store down")
	}
	return nil
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.got...)
}

func newTestTransport(t *testing.T, opts ...Option) (*Transport, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	opts = append([]Option{WithBlockTime(20 * time.Millisecond)}, opts...)
	tr, err := New(client, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr, client
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func pendingCount(t *testing.T, client *redis.Client, group string) int64 {
	t.Helper()
	p, err := client.XPending(context.Background(), DefaultStream, group).Result()
	if err != nil {
		t.Fatal(err)
	}
	return p.Count
}

func TestNew(t *testing.T) {
	t.Run("client is required", func(t *testing.T) {
		if _, err := New(nil); !errors.Is(err, ErrClientRequired) {
			t.Fatalf("expected ErrClientRequired, got %v", err)
		}
	})
}

func TestSend(t *testing.T) {
	t.Run("appends the encoded envelope to the stream", func(t *testing.T) {
		tr, client := newTestTransport(t)
		ctx := context.Background()

		env := message.NewEnvelope("t1", "Sales.Orders.OrderPlaced", "OrderPlaced", []byte(`{"id":1}`))
		if err := tr.Send(ctx, env); err != nil {
			t.Fatalf("Send: %v", err)
		}

		entries, err := client.XRange(ctx, DefaultStream, "-", "+").Result()
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 1 {
			t.Fatalf("expected 1 entry, got %d", len(entries))
		}
		if entries[0].Values[fieldRoutingKey] != "Sales.Orders.OrderPlaced" {
			t.Errorf("unexpected routing key field %v", entries[0].Values[fieldRoutingKey])
		}
		got, err := tr.codec.Decode([]byte(entries[0].Values[fieldData].(string)))
		if err != nil {
			t.Fatal(err)
		}
		if got.TrackingID() != "t1" || string(got.Payload()) != `{"id":1}` {
			t.Errorf("unexpected envelope %q %q", got.TrackingID(), got.Payload())
		}
	})

	t.Run("envelope without routing key is rejected", func(t *testing.T) {
		tr, _ := newTestTransport(t)
		err := tr.Send(context.Background(), message.NewEnvelope("t1", "", "T", nil))
		if !errors.Is(err, transport.ErrNoRoutingKey) {
			t.Fatalf("expected ErrNoRoutingKey, got %v", err)
		}
	})

	t.Run("closed transport", func(t *testing.T) {
		tr, _ := newTestTransport(t)
		if err := tr.Close(context.Background()); err != nil {
			t.Fatal(err)
		}
		err := tr.Send(context.Background(), message.NewEnvelope("t1", "A.B.C", "T", nil))
		if !errors.Is(err, transport.ErrTransportClosed) {
			t.Fatalf("expected ErrTransportClosed, got %v", err)
		}
	})
}

func TestSubscribe(t *testing.T) {
	t.Run("delivers matching envelopes and acknowledges everything", func(t *testing.T) {
		tr, client := newTestTransport(t)
		ctx := context.Background()
		c := &collector{}

		sub, err := tr.Subscribe(ctx, "Sales.Orders.*", c)
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		if sub.Pattern() != "Sales.Orders.*" {
			t.Errorf("unexpected pattern %q", sub.Pattern())
		}

		for _, env := range []message.Envelope{
			message.NewEnvelope("a", "Sales.Orders.OrderPlaced", "T", nil),
			message.NewEnvelope("b", "Billing.Invoices.InvoicePaid", "T", nil),
			message.NewEnvelope("c", "Sales.Orders.OrderCancelled", "T", nil),
		} {
			if err := tr.Send(ctx, env); err != nil {
				t.Fatal(err)
			}
		}

		waitFor(t, "two deliveries", func() bool { return len(c.ids()) == 2 })
		if diff := cmp.Diff([]string{"a", "c"}, c.ids()); diff != "" {
			t.Errorf("deliveries mismatch (-want +got):\n%s", diff)
		}
		waitFor(t, "acks", func() bool { return pendingCount(t, client, DefaultGroupID+".Sales.Orders.*") == 0 })
	})

	t.Run("invalid pattern", func(t *testing.T) {
		tr, _ := newTestTransport(t)
		if _, err := tr.Subscribe(context.Background(), "Sales", &collector{}); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("rejected entry is claimed and delivered again", func(t *testing.T) {
		tr, client := newTestTransport(t, WithClaimInterval(20*time.Millisecond, 0))
		ctx := context.Background()
		c := &collector{fails: 1}

		if _, err := tr.Subscribe(ctx, "Sales.Orders.*", c); err != nil {
			t.Fatal(err)
		}
		if err := tr.Send(ctx, message.NewEnvelope("a", "Sales.Orders.OrderPlaced", "T", nil)); err != nil {
			t.Fatal(err)
		}

		waitFor(t, "redelivery", func() bool { return len(c.ids()) >= 2 })
		if got := c.ids()[:2]; !cmp.Equal(got, []string{"a", "a"}) {
			t.Errorf("expected a twice, got %v", got)
		}
		waitFor(t, "ack", func() bool { return pendingCount(t, client, DefaultGroupID+".Sales.Orders.*") == 0 })
	})

	t.Run("stable consumer name picks up its pending entries on subscribe", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()
		ctx := context.Background()

		first, err := New(client, WithConsumerName("node-1"), WithBlockTime(20*time.Millisecond))
		if err != nil {
			t.Fatal(err)
		}
		failing := &collector{fails: 1}
		if _, err := first.Subscribe(ctx, "Sales.Orders.*", failing); err != nil {
			t.Fatal(err)
		}
		if err := first.Send(ctx, message.NewEnvelope("a", "Sales.Orders.OrderPlaced", "T", nil)); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "first delivery", func() bool { return len(failing.ids()) == 1 })
		if err := first.Close(ctx); err != nil {
			t.Fatal(err)
		}

		second, err := New(client, WithConsumerName("node-1"), WithBlockTime(20*time.Millisecond))
		if err != nil {
			t.Fatal(err)
		}
		defer second.Close(ctx)
		c := &collector{}
		if _, err := second.Subscribe(ctx, "Sales.Orders.*", c); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "pending delivery", func() bool { return len(c.ids()) == 1 })
		if c.ids()[0] != "a" {
			t.Errorf("expected a, got %v", c.ids())
		}
	})

	t.Run("closed subscription stops delivery", func(t *testing.T) {
		tr, _ := newTestTransport(t)
		ctx := context.Background()
		c := &collector{}

		sub, err := tr.Subscribe(ctx, "Sales.Orders.*", c)
		if err != nil {
			t.Fatal(err)
		}
		if err := sub.Close(ctx); err != nil {
			t.Fatal(err)
		}
		if err := tr.Send(ctx, message.NewEnvelope("a", "Sales.Orders.OrderPlaced", "T", nil)); err != nil {
			t.Fatal(err)
		}
		time.Sleep(60 * time.Millisecond)
		if got := c.ids(); len(got) != 0 {
			t.Errorf("expected no delivery, got %v", got)
		}
	})
}
