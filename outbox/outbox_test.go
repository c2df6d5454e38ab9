package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/mailbox/message"
	"github.com/rbaliyan/mailbox/ratelimit"
	"github.com/rbaliyan/mailbox/store"
	badgerstore "github.com/rbaliyan/mailbox/store/badger"
	"github.com/rbaliyan/mailbox/store/memory"
	"github.com/rbaliyan/mailbox/store/storetest"
	"github.com/rbaliyan/mailbox/transport"
	"github.com/rbaliyan/mailbox/uow"
)

type orderPlaced struct {
	ID     string `json:"id"`
	Region string `json:"region,omitempty"`
}

func (o orderPlaced) RoutingKey() string {
	if o.Region == "" {
		return ""
	}
	return "Sales.Orders.OrderPlaced." + o.Region
}

type invoicePaid struct {
	ID string `json:"id"`
}

// recorder is a transport that fails the first failures sends.
type recorder struct {
	transport.Transport
	mu       sync.Mutex
	failures int
	sent     []message.Envelope
	failed   int
}

func (r *recorder) Send(_ context.Context, env message.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		r.failed++
		return errors.New("broker unavailable")
	}
	r.sent = append(r.sent, env)
	return nil
}

// rejecting fails every send of one tracking id.
type rejecting struct {
	recorder
	trackingID string
}

func (r *rejecting) Send(ctx context.Context, env message.Envelope) error {
	if env.TrackingID() == r.trackingID {
		return errors.New("rejected")
	}
	return r.recorder.Send(ctx, env)
}

func (r *recorder) sentIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, len(r.sent))
	for i, env := range r.sent {
		ids[i] = env.TrackingID()
	}
	return ids
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.IdleDelayMin, opts.IdleDelayMax = 0, 0
	return opts
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	if err := Register[orderPlaced](r, Route{Producer: "orders", RoutingKey: "Sales.Orders.OrderPlaced", PayloadType: "OrderPlaced"}); err != nil {
		t.Fatal(err)
	}
	return r
}

func get(t *testing.T, s store.Store, id string) *message.Record {
	t.Helper()
	rec, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get %s: %v", id, err)
	}
	return rec
}

func TestRegister(t *testing.T) {
	r := newRegistry(t)

	t.Run("lookup by type", func(t *testing.T) {
		route, ok := Lookup[orderPlaced](r)
		if !ok || route.Producer != "orders" {
			t.Fatalf("unexpected route %+v, %v", route, ok)
		}
		if _, ok := Lookup[invoicePaid](r); ok {
			t.Error("expected no route for an unregistered type")
		}
	})

	t.Run("duplicates are rejected", func(t *testing.T) {
		err := Register[orderPlaced](r, Route{Producer: "x", RoutingKey: "A.B.C", PayloadType: "Other"})
		if !errors.Is(err, ErrDuplicateRoute) {
			t.Errorf("expected ErrDuplicateRoute for the type, got %v", err)
		}
		err = Register[invoicePaid](r, Route{Producer: "x", RoutingKey: "A.B.C", PayloadType: "OrderPlaced"})
		if !errors.Is(err, ErrDuplicateRoute) {
			t.Errorf("expected ErrDuplicateRoute for the name, got %v", err)
		}
	})

	t.Run("invalid routes fail at registration", func(t *testing.T) {
		for _, route := range []Route{
			{Producer: "", RoutingKey: "A.B.C", PayloadType: "T"},
			{Producer: "a----b", RoutingKey: "A.B.C", PayloadType: "T"},
			{Producer: "p", RoutingKey: "A.B", PayloadType: "T"},
			{Producer: "p", RoutingKey: "A.*.C", PayloadType: "T"},
			{Producer: "p", RoutingKey: "A.B.C", PayloadType: ""},
		} {
			if err := Register[invoicePaid](NewRegistry(), route); !errors.Is(err, ErrInvalidRoute) {
				t.Errorf("%+v: expected ErrInvalidRoute, got %v", route, err)
			}
		}
	})

	t.Run("routes are listed by payload type", func(t *testing.T) {
		r := newRegistry(t)
		if err := Register[invoicePaid](r, Route{Producer: "billing", RoutingKey: "Billing.Invoices.InvoicePaid", PayloadType: "InvoicePaid"}); err != nil {
			t.Fatal(err)
		}
		routes := r.Routes()
		if len(routes) != 2 || routes[0].PayloadType != "InvoicePaid" {
			t.Errorf("unexpected routes %+v", routes)
		}
	})
}

func TestEnqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("inserts a new row", func(t *testing.T) {
		s := memory.New()
		p := NewProducer(s, nil).WithClock(func() time.Time { return storetest.Base })

		id, err := p.Enqueue(ctx, "OrderPlaced", []byte(`{"id":"1"}`), "Sales.Orders.OrderPlaced", WithTrackingID("t1"))
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if id != "outbox----t1" {
			t.Errorf("unexpected id %s", id)
		}
		rec := get(t, s, id)
		if rec.Status != message.StatusNew || rec.RetriedCount != 0 || !rec.CreatedAt.Equal(storetest.Base) {
			t.Errorf("unexpected row %+v", rec)
		}
	})

	t.Run("sub-queue is part of the id", func(t *testing.T) {
		p := NewProducer(memory.New(), nil).WithName("orders")
		id, err := p.Enqueue(ctx, "T", nil, "Sales.Orders.OrderPlaced", WithSubQueue("customer-7"), WithTrackingID("t1"))
		if err != nil {
			t.Fatal(err)
		}
		if id != "orders_customer-7----t1" {
			t.Errorf("unexpected id %s", id)
		}
	})

	t.Run("invalid routing key", func(t *testing.T) {
		p := NewProducer(memory.New(), nil)
		if _, err := p.Enqueue(ctx, "T", nil, "Sales..Placed"); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("duplicate tracking id", func(t *testing.T) {
		p := NewProducer(memory.New(), nil)
		if _, err := p.Enqueue(ctx, "T", nil, "A.B.C", WithTrackingID("t1")); err != nil {
			t.Fatal(err)
		}
		if _, err := p.Enqueue(ctx, "T", nil, "A.B.C", WithTrackingID("t1")); !errors.Is(err, store.ErrAlreadyExists) {
			t.Fatalf("expected ErrAlreadyExists, got %v", err)
		}
	})

	t.Run("typed payloads are routed by registration", func(t *testing.T) {
		s := memory.New()
		p := NewProducer(s, newRegistry(t))

		id, err := EnqueueTyped(ctx, p, orderPlaced{ID: "42"})
		if err != nil {
			t.Fatal(err)
		}
		rec := get(t, s, id)
		if !strings.HasPrefix(id, "orders----") || rec.RoutingKey != "Sales.Orders.OrderPlaced" || rec.PayloadType != "OrderPlaced" {
			t.Errorf("unexpected row %+v", rec)
		}
		var got orderPlaced
		if err := json.Unmarshal([]byte(rec.SerializedPayload), &got); err != nil || got.ID != "42" {
			t.Errorf("payload %q: %v", rec.SerializedPayload, err)
		}

		if _, err := EnqueueTyped(ctx, p, invoicePaid{ID: "1"}); !errors.Is(err, ErrNoRoute) {
			t.Errorf("expected ErrNoRoute, got %v", err)
		}
	})

	t.Run("payload routing key overrides the default", func(t *testing.T) {
		s := memory.New()
		p := NewProducer(s, newRegistry(t))
		id, err := EnqueueTyped(ctx, p, orderPlaced{ID: "1", Region: "EU"})
		if err != nil {
			t.Fatal(err)
		}
		if rk := get(t, s, id).RoutingKey; rk != "Sales.Orders.OrderPlaced.EU" {
			t.Errorf("unexpected routing key %s", rk)
		}
	})
}

func TestPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("transactional unit of work", func(t *testing.T) {
		db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
		if err != nil {
			t.Fatal(err)
		}
		defer db.Close()
		s := badgerstore.New(db, "outbox/")
		coord, err := uow.NewCoordinator(uow.NewBadgerContext("main", db))
		if err != nil {
			t.Fatal(err)
		}
		p := NewProducer(s, newRegistry(t))

		var rolledBack string
		err = coord.Execute(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
			id, err := PublishTyped(p, u, orderPlaced{ID: "1"})
			rolledBack = id
			if err != nil {
				return err
			}
			return errors.New("business rule violated")
		})
		if err == nil {
			t.Fatal("expected the business error")
		}
		if _, err := s.Get(ctx, rolledBack); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("rolled back row exists: %v", err)
		}

		var committed string
		err = coord.Execute(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
			committed, err = PublishTyped(p, u, orderPlaced{ID: "2"})
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
		if rec := get(t, s, committed); rec.Status != message.StatusNew {
			t.Errorf("unexpected status %s", rec.Status)
		}
	})

	t.Run("pseudo unit of work writes after commit", func(t *testing.T) {
		s := memory.New()
		coord, _ := uow.NewCoordinator(uow.NewPseudoContext("docs"))
		p := NewProducer(s, nil)

		u, err := coord.Begin(ctx)
		if err != nil {
			t.Fatal(err)
		}
		id, err := p.Publish(u, "T", []byte("x"), "A.B.C")
		if err != nil {
			t.Fatal(err)
		}
		if s.Len() != 0 {
			t.Fatal("row written before commit")
		}
		if err := u.Complete(ctx); err != nil {
			t.Fatal(err)
		}
		get(t, s, id)

		u, _ = coord.Begin(ctx)
		if _, err := p.Publish(u, "T", []byte("y"), "A.B.C"); err != nil {
			t.Fatal(err)
		}
		if err := u.Rollback(ctx); err != nil {
			t.Fatal(err)
		}
		if s.Len() != 1 {
			t.Errorf("expected only the committed row, got %d", s.Len())
		}
	})

	t.Run("nil unit of work", func(t *testing.T) {
		p := NewProducer(memory.New(), nil)
		if _, err := p.Publish(nil, "T", nil, "A.B.C"); !errors.Is(err, ErrNoUnitOfWork) {
			t.Fatalf("expected ErrNoUnitOfWork, got %v", err)
		}
	})

	t.Run("immediate dispatch sends on commit", func(t *testing.T) {
		s := memory.New()
		tr := &recorder{}
		d, err := NewDispatcher(s, tr, testOptions())
		if err != nil {
			t.Fatal(err)
		}
		p := NewProducer(s, nil).WithDispatcher(d)
		coord, _ := uow.NewCoordinator(uow.NewPseudoContext("docs"))

		var id string
		err = coord.Execute(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
			id, err = p.Publish(u, "T", []byte("x"), "A.B.C", WithTrackingID("now"), WithImmediateDispatch())
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
		if ids := tr.sentIDs(); len(ids) != 1 || ids[0] != "now" {
			t.Fatalf("expected immediate send, got %v", ids)
		}
		if rec := get(t, s, id); rec.Status != message.StatusProcessed {
			t.Errorf("expected processed, got %s", rec.Status)
		}
	})
}

func TestDispatcher(t *testing.T) {
	ctx := context.Background()

	t.Run("fail then succeed after the backoff", func(t *testing.T) {
		s := memory.New()
		clk := storetest.NewClock(storetest.Base)
		p := NewProducer(s, nil).WithClock(clk.Now)
		tr := &recorder{failures: 1}
		d, err := NewDispatcher(s, tr, testOptions())
		if err != nil {
			t.Fatal(err)
		}
		d.WithClock(clk.Now)

		id, err := p.Enqueue(ctx, "T", []byte("a"), "Sales.Orders.OrderPlaced", WithTrackingID("A"))
		if err != nil {
			t.Fatal(err)
		}

		if _, err := d.Drain(ctx); err != nil {
			t.Fatal(err)
		}
		rec := get(t, s, id)
		if rec.Status != message.StatusFailed || rec.RetriedCount != 1 {
			t.Fatalf("expected failed with 1 retry, got %s/%d", rec.Status, rec.RetriedCount)
		}
		if want := storetest.Base.Add(60 * time.Second); rec.NextRetryAfter == nil || !rec.NextRetryAfter.Equal(want) {
			t.Fatalf("expected retry at %v, got %v", want, rec.NextRetryAfter)
		}

		clk.Advance(59 * time.Second)
		if n, _ := d.Drain(ctx); n != 0 {
			t.Fatalf("row retried before its time (%d)", n)
		}

		clk.Advance(time.Second)
		if _, err := d.Drain(ctx); err != nil {
			t.Fatal(err)
		}
		if rec := get(t, s, id); rec.Status != message.StatusProcessed {
			t.Fatalf("expected processed, got %s", rec.Status)
		}
		if len(tr.sentIDs()) != 1 || tr.failed != 1 {
			t.Errorf("expected 1 success and 1 failure, got %d and %d", len(tr.sentIDs()), tr.failed)
		}
	})

	t.Run("rows left by a crashed instance are sent", func(t *testing.T) {
		s := memory.New()
		opts := testOptions()
		clk := storetest.NewClock(storetest.Base.Add(opts.StuckAfter() + time.Second))
		stuck := storetest.NewRecord("orders", "", "stuck", message.StatusProcessing, storetest.Base)
		unsent := storetest.NewRecord("orders", "", "unsent", message.StatusNew, storetest.Base)
		for _, r := range []*message.Record{stuck, unsent} {
			if err := s.Insert(ctx, r); err != nil {
				t.Fatal(err)
			}
		}

		tr := &recorder{}
		d, _ := NewDispatcher(s, tr, opts)
		d.WithClock(clk.Now)
		if n, err := d.Drain(ctx); err != nil || n != 2 {
			t.Fatalf("Drain = %d, %v", n, err)
		}
		for _, id := range []string{stuck.ID, unsent.ID} {
			if rec := get(t, s, id); rec.Status != message.StatusProcessed {
				t.Errorf("%s: expected processed, got %s", id, rec.Status)
			}
		}
	})

	t.Run("sub-queue waits behind a failed row", func(t *testing.T) {
		s := memory.New()
		clk := storetest.NewClock(storetest.Base)
		p := NewProducer(s, nil).WithName("orders").WithClock(clk.Now)
		first, _ := p.Enqueue(ctx, "T", nil, "A.B.C", WithSubQueue("c1"), WithTrackingID("first"))
		clk.Advance(time.Millisecond)
		second, _ := p.Enqueue(ctx, "T", nil, "A.B.C", WithSubQueue("c1"), WithTrackingID("second"))

		tr := &recorder{failures: 1}
		d, _ := NewDispatcher(s, tr, testOptions())
		d.WithClock(clk.Now)
		if _, err := d.Drain(ctx); err != nil {
			t.Fatal(err)
		}
		if get(t, s, first).Status != message.StatusFailed || get(t, s, second).Status != message.StatusNew {
			t.Fatal("second row was sent while the first was failing")
		}
		if err := d.DispatchNow(ctx, second); err != nil {
			t.Fatal(err)
		}
		if get(t, s, second).Status != message.StatusNew {
			t.Fatal("immediate dispatch jumped the sub-queue")
		}

		if err := d.Skip(ctx, first); err != nil {
			t.Fatal(err)
		}
		if _, err := d.Drain(ctx); err != nil {
			t.Fatal(err)
		}
		if get(t, s, second).Status != message.StatusProcessed {
			t.Error("second row not sent after skipping the first")
		}
	})

	t.Run("two instances send each row once", func(t *testing.T) {
		s := memory.New()
		p := NewProducer(s, nil)
		for i := 0; i < 50; i++ {
			if _, err := p.Enqueue(ctx, "T", nil, "A.B.C", WithTrackingID(fmt.Sprintf("m%d", i))); err != nil {
				t.Fatal(err)
			}
		}

		tr := &recorder{}
		a, _ := NewDispatcher(s, tr, testOptions())
		b, _ := NewDispatcher(s, tr, testOptions())
		var wg sync.WaitGroup
		for _, d := range []*Dispatcher{a, b} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = d.Drain(ctx)
			}()
		}
		wg.Wait()
		// a row whose claim was lost by both in one round is picked up here
		_, _ = a.Drain(ctx)

		seen := map[string]int{}
		for _, id := range tr.sentIDs() {
			seen[id]++
		}
		if len(seen) != 50 {
			t.Errorf("expected 50 distinct sends, got %d", len(seen))
		}
		for id, n := range seen {
			if n != 1 {
				t.Errorf("%s sent %d times", id, n)
			}
		}
	})

	t.Run("limiter gates sends", func(t *testing.T) {
		s := memory.New()
		p := NewProducer(s, nil)
		if _, err := p.Enqueue(ctx, "T", nil, "A.B.C"); err != nil {
			t.Fatal(err)
		}
		tr := &recorder{}
		d, _ := NewDispatcher(s, tr, testOptions())
		d.WithLimiter(ratelimit.NewTokenBucket(1000, 1))
		if _, err := d.Drain(ctx); err != nil {
			t.Fatal(err)
		}
		if len(tr.sentIDs()) != 1 {
			t.Error("expected the row to be sent")
		}
	})

	t.Run("invalid options", func(t *testing.T) {
		opts := DefaultOptions()
		opts.BatchSize = 0
		if _, err := NewDispatcher(memory.New(), &recorder{}, opts); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("dispatch now rejects rows that are not new", func(t *testing.T) {
		s := memory.New()
		rec := storetest.NewRecord("orders", "", "done", message.StatusProcessing, storetest.Base)
		if err := s.Insert(ctx, rec); err != nil {
			t.Fatal(err)
		}
		d, _ := NewDispatcher(s, &recorder{}, testOptions())
		if err := d.DispatchNow(ctx, rec.ID); !errors.Is(err, ErrNotDue) {
			t.Fatalf("expected ErrNotDue, got %v", err)
		}
	})
}

func TestDispatcherProducerNames(t *testing.T) {
	ctx := context.Background()

	t.Run("producer name with a separator is not a sub-queue", func(t *testing.T) {
		s := memory.New()
		clk := storetest.NewClock(storetest.Base)
		tr := &rejecting{trackingID: "a"}
		d, _ := NewDispatcher(s, tr, testOptions())
		d.WithClock(clk.Now)
		p := NewProducer(s, nil).WithName("order_service").WithClock(clk.Now).WithDispatcher(d)

		a, _ := p.Enqueue(ctx, "T", nil, "A.B.C", WithTrackingID("a"))
		clk.Advance(time.Millisecond)
		b, _ := p.Enqueue(ctx, "T", nil, "A.B.C", WithTrackingID("b"))

		if _, err := d.Drain(ctx); err != nil {
			t.Fatal(err)
		}
		if got := get(t, s, a).Status; got != message.StatusFailed {
			t.Errorf("expected first row failed, got %s", got)
		}
		if got := get(t, s, b).Status; got != message.StatusProcessed {
			t.Errorf("expected unrelated row sent despite the failure, got %s", got)
		}
	})

	t.Run("sub-queues of such a producer stay ordered", func(t *testing.T) {
		s := memory.New()
		clk := storetest.NewClock(storetest.Base)
		tr := &recorder{failures: 1}
		d, _ := NewDispatcher(s, tr, testOptions())
		d.WithClock(clk.Now).WithProducerNames("order_service")
		p := NewProducer(s, nil).WithName("order_service").WithClock(clk.Now)

		first, _ := p.Enqueue(ctx, "T", nil, "A.B.C", WithSubQueue("c1"), WithTrackingID("first"))
		clk.Advance(time.Millisecond)
		second, _ := p.Enqueue(ctx, "T", nil, "A.B.C", WithSubQueue("c1"), WithTrackingID("second"))

		if _, err := d.Drain(ctx); err != nil {
			t.Fatal(err)
		}
		if get(t, s, first).Status != message.StatusFailed || get(t, s, second).Status != message.StatusNew {
			t.Error("second row was sent while the first was failing")
		}
	})

	t.Run("route producers are known through the registry", func(t *testing.T) {
		r := NewRegistry()
		if err := Register[invoicePaid](r, Route{Producer: "billing_service", RoutingKey: "Billing.Invoices.Paid", PayloadType: "InvoicePaid"}); err != nil {
			t.Fatal(err)
		}
		d, _ := NewDispatcher(memory.New(), &recorder{}, testOptions())
		NewProducer(memory.New(), r).WithDispatcher(d)

		if d.sequential("billing_service") {
			t.Error("expected the route producer's own rows to run in parallel")
		}
		if !d.sequential("billing_service_c1") {
			t.Error("expected a sub-queue of the route producer to be ordered")
		}
		if !d.sequential("unknown_c1") {
			t.Error("expected unknown keys to fall back to the separator")
		}
	})
}

func TestDispatcherHeaders(t *testing.T) {
	ctx := context.Background()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s := badgerstore.New(db, "outbox/")

	p := NewProducer(s, nil)
	if _, err := p.Enqueue(ctx, "T", nil, "A.B.C", WithHeader("tenant", "acme"), WithHeader("priority", "high")); err != nil {
		t.Fatal(err)
	}
	tr := &recorder{}
	d, _ := NewDispatcher(s, tr, testOptions())
	if _, err := d.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.sent) != 1 {
		t.Fatalf("expected one send, got %d", len(tr.sent))
	}
	want := map[string]string{"tenant": "acme", "priority": "high"}
	if diff := cmp.Diff(want, tr.sent[0].Headers()); diff != "" {
		t.Errorf("headers mismatch (-want +got):\n%s", diff)
	}
}
