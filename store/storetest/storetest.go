// Package storetest provides a conformance suite for store.Store
// implementations.
//
//	func TestStore(t *testing.T) {
//	    storetest.Run(t, func(t *testing.T) store.Store {
//	        return memory.New()
//	    })
//	}
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/rbaliyan/mailbox/message"
	"github.com/rbaliyan/mailbox/store"
	"syreclabs.com/go/faker"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Base is the reference time used by the suite. It is truncated to
// milliseconds so backends with coarse timestamps round-trip it.
var Base = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

// NewRecord builds a record with a random payload.
func NewRecord(name, subQueue, trackingID string, status message.Status, createdAt time.Time) *message.Record {
	id, err := message.BuildID(name, subQueue, trackingID)
	if err != nil {
		panic(err)
	}
	env := message.NewEnvelope(trackingID, "Sales.Orders.OrderPlaced", "OrderPlaced", []byte(faker.Lorem().String()))
	return message.NewRecord(id, env, status, createdAt)
}

// Run runs the conformance suite.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("insert then get returns the same record", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord("consumer", "sub", "t1", message.StatusNew, Base)
		retry := Base.Add(time.Minute)
		rec.NextRetryAfter = &retry
		rec.LastError = "previous failure"
		rec.TraceID = "trace-1"
		rec.Headers = map[string]string{"tenant": "acme"}

		if err := s.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		got, err := s.Get(ctx, rec.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if diff := cmp.Diff(rec, got); diff != "" {
			t.Errorf("record mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("insert rejects duplicate id", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord("consumer", "", "t1", message.StatusNew, Base)
		if err := s.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		if err := s.Insert(ctx, rec); !errors.Is(err, store.ErrAlreadyExists) {
			t.Errorf("expected ErrAlreadyExists, got %v", err)
		}
	})

	t.Run("get missing returns not found", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(ctx, "nope----x"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("update is conditional on the token", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord("consumer", "", "t1", message.StatusNew, Base)
		if err := s.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}

		stale := rec.ConcurrencyToken
		if err := rec.Transition(message.StatusProcessing, Base.Add(time.Second)); err != nil {
			t.Fatal(err)
		}
		if res := s.Update(ctx, rec, stale); !res.IsOK() {
			t.Fatalf("expected ok, got %v: %v", res.Outcome, res.Err())
		}

		again := rec.Clone()
		if err := again.Transition(message.StatusProcessed, Base.Add(2*time.Second)); err != nil {
			t.Fatal(err)
		}
		res := s.Update(ctx, again, stale)
		if !res.IsConflict() || !errors.Is(res.Err(), store.ErrVersionConflict) {
			t.Errorf("expected conflict, got %v: %v", res.Outcome, res.Err())
		}

		got, _ := s.Get(ctx, rec.ID)
		if got.Status != message.StatusProcessing || got.ConcurrencyToken != rec.ConcurrencyToken {
			t.Errorf("stale update leaked: %+v", got)
		}
	})

	t.Run("update of a missing row is a conflict", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord("consumer", "", "gone", message.StatusNew, Base)
		if res := s.Update(ctx, rec, rec.ConcurrencyToken); !res.IsConflict() {
			t.Errorf("expected conflict, got %v: %v", res.Outcome, res.Err())
		}
	})

	t.Run("only one concurrent claim wins", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord("consumer", "", "race", message.StatusNew, Base)
		if err := s.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}

		const instances = 8
		var wg sync.WaitGroup
		results := make(chan store.Result, instances)
		for i := 0; i < instances; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				mine := rec.Clone()
				prev := mine.ConcurrencyToken
				_ = mine.Transition(message.StatusProcessing, Base.Add(time.Second))
				results <- s.Update(ctx, mine, prev)
			}()
		}
		wg.Wait()
		close(results)

		won := 0
		for res := range results {
			switch {
			case res.IsOK():
				won++
			case res.IsConflict():
			default:
				t.Errorf("unexpected error: %v", res.Err())
			}
		}
		if won != 1 {
			t.Errorf("expected exactly one winner, got %d", won)
		}
	})

	t.Run("list due selects eligible rows oldest first", func(t *testing.T) {
		s := newStore(t)
		now := Base.Add(time.Hour)
		past := now.Add(-time.Minute)
		future := now.Add(time.Minute)

		fresh := NewRecord("c", "", "new", message.StatusNew, Base.Add(3*time.Second))
		failedDue := NewRecord("c", "", "failed-due", message.StatusNew, Base.Add(1*time.Second))
		failedDue.Status, failedDue.NextRetryAfter = message.StatusFailed, &past
		failedLater := NewRecord("c", "", "failed-later", message.StatusNew, Base)
		failedLater.Status, failedLater.NextRetryAfter = message.StatusFailed, &future
		stuck := NewRecord("c", "", "stuck", message.StatusProcessing, Base.Add(2*time.Second))
		stuck.LastActionAt = now.Add(-time.Hour)
		running := NewRecord("c", "", "running", message.StatusProcessing, Base)
		running.LastActionAt = now.Add(-time.Second)
		done := NewRecord("c", "", "done", message.StatusProcessed, Base)
		ignored := NewRecord("c", "", "ignored", message.StatusIgnored, Base)

		for _, r := range []*message.Record{fresh, failedDue, failedLater, stuck, running, done, ignored} {
			if err := s.Insert(ctx, r); err != nil {
				t.Fatalf("Insert %s failed: %v", r.ID, err)
			}
		}

		q := store.DueQuery{Now: now, StuckBefore: now.Add(-10 * time.Minute), Limit: 10}
		due, err := s.ListDue(ctx, q)
		if err != nil {
			t.Fatalf("ListDue failed: %v", err)
		}
		var ids []string
		for _, r := range due {
			ids = append(ids, r.ID)
		}
		want := []string{failedDue.ID, stuck.ID, fresh.ID}
		if diff := cmp.Diff(want, ids); diff != "" {
			t.Errorf("due mismatch (-want +got):\n%s", diff)
		}

		q.Limit = 2
		due, err = s.ListDue(ctx, q)
		if err != nil {
			t.Fatalf("ListDue failed: %v", err)
		}
		if len(due) != 2 {
			t.Errorf("expected limit 2, got %d", len(due))
		}
	})

	t.Run("list due pages after a cursor", func(t *testing.T) {
		s := newStore(t)
		now := Base.Add(time.Hour)
		future := now.Add(time.Minute)
		a := NewRecord("c", "x", "a", message.StatusNew, Base)
		b := NewRecord("c", "x", "b", message.StatusNew, Base)
		c := NewRecord("c", "y", "c", message.StatusNew, Base.Add(time.Second))
		waiting := NewRecord("c", "z", "d", message.StatusNew, Base.Add(2*time.Second))
		waiting.Status, waiting.NextRetryAfter = message.StatusFailed, &future
		e := NewRecord("c", "z", "e", message.StatusNew, Base.Add(3*time.Second))
		for _, r := range []*message.Record{a, b, c, waiting, e} {
			if err := s.Insert(ctx, r); err != nil {
				t.Fatalf("Insert %s failed: %v", r.ID, err)
			}
		}

		q := store.DueQuery{Now: now, StuckBefore: now.Add(-10 * time.Minute), Limit: 2}
		var pages [][]string
		for {
			due, err := s.ListDue(ctx, q)
			if err != nil {
				t.Fatalf("ListDue failed: %v", err)
			}
			var ids []string
			for _, r := range due {
				ids = append(ids, r.ID)
			}
			pages = append(pages, ids)
			if len(due) < q.Limit {
				break
			}
			q.After = store.CursorOf(due[len(due)-1])
		}
		want := [][]string{{a.ID, b.ID}, {c.ID, e.ID}, nil}
		if diff := cmp.Diff(want, pages); diff != "" {
			t.Errorf("pages mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("older pending rows block the same prefix only", func(t *testing.T) {
		s := newStore(t)
		older := NewRecord("c", "customer-1", "a", message.StatusNew, Base)
		older.Status = message.StatusFailed
		other := NewRecord("c", "customer-2", "b", message.StatusNew, Base)
		similar := NewRecord("c", "customer-10", "c", message.StatusNew, Base)
		for _, r := range []*message.Record{older, other, similar} {
			if err := s.Insert(ctx, r); err != nil {
				t.Fatalf("Insert failed: %v", err)
			}
		}

		newer := NewRecord("c", "customer-1", "d", message.StatusNew, Base.Add(time.Second))
		blocked, err := s.HasOlderPending(ctx, newer.Prefix(), newer.CreatedAt, newer.ID)
		if err != nil {
			t.Fatalf("HasOlderPending failed: %v", err)
		}
		if !blocked {
			t.Error("expected newer row to be blocked by failed sibling")
		}

		blocked, _ = s.HasOlderPending(ctx, older.Prefix(), older.CreatedAt, older.ID)
		if blocked {
			t.Error("a row must not block itself")
		}

		third := NewRecord("c", "customer-3", "e", message.StatusNew, Base.Add(time.Second))
		blocked, _ = s.HasOlderPending(ctx, third.Prefix(), third.CreatedAt, third.ID)
		if blocked {
			t.Error("other sub-queues must not block")
		}

		prev := older.ConcurrencyToken
		_ = older.Transition(message.StatusIgnored, Base.Add(time.Minute))
		if res := s.Update(ctx, older, prev); !res.IsOK() {
			t.Fatalf("Update failed: %v", res.Err())
		}
		blocked, _ = s.HasOlderPending(ctx, newer.Prefix(), newer.CreatedAt, newer.ID)
		if blocked {
			t.Error("ignored rows must not block")
		}
	})

	t.Run("equal timestamps are ordered by id", func(t *testing.T) {
		s := newStore(t)
		a := NewRecord("c", "q", "a", message.StatusNew, Base)
		b := NewRecord("c", "q", "b", message.StatusNew, Base)
		for _, r := range []*message.Record{a, b} {
			if err := s.Insert(ctx, r); err != nil {
				t.Fatalf("Insert failed: %v", err)
			}
		}
		aBlocked, _ := s.HasOlderPending(ctx, a.Prefix(), a.CreatedAt, a.ID)
		bBlocked, _ := s.HasOlderPending(ctx, b.Prefix(), b.CreatedAt, b.ID)
		if aBlocked || !bBlocked {
			t.Errorf("expected only b to wait, got a=%v b=%v", aBlocked, bBlocked)
		}
	})

	t.Run("count and delete oldest", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 5; i++ {
			r := NewRecord("c", "", uuid.NewString(), message.StatusProcessed, Base.Add(time.Duration(i)*time.Second))
			if err := s.Insert(ctx, r); err != nil {
				t.Fatalf("Insert failed: %v", err)
			}
		}
		keep := NewRecord("c", "", "pending", message.StatusNew, Base.Add(-time.Hour))
		if err := s.Insert(ctx, keep); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}

		n, err := s.Count(ctx, message.StatusProcessed)
		if err != nil || n != 5 {
			t.Fatalf("expected 5 processed, got %d (%v)", n, err)
		}

		deleted, err := s.DeleteOldest(ctx, message.StatusProcessed, 3)
		if err != nil || deleted != 3 {
			t.Fatalf("expected 3 deleted, got %d (%v)", deleted, err)
		}
		n, _ = s.Count(ctx, message.StatusProcessed)
		if n != 2 {
			t.Errorf("expected 2 processed left, got %d", n)
		}
		if _, err := s.Get(ctx, keep.ID); err != nil {
			t.Errorf("pending row deleted: %v", err)
		}
	})

	t.Run("delete expired honours status and cutoff", func(t *testing.T) {
		s := newStore(t)
		old := NewRecord("c", "", "old", message.StatusProcessed, Base)
		recent := NewRecord("c", "", "recent", message.StatusProcessed, Base.Add(time.Hour))
		failedOld := NewRecord("c", "", "failed-old", message.StatusNew, Base)
		failedOld.Status = message.StatusFailed
		for _, r := range []*message.Record{old, recent, failedOld} {
			if err := s.Insert(ctx, r); err != nil {
				t.Fatalf("Insert failed: %v", err)
			}
		}

		deleted, err := s.DeleteExpired(ctx, message.StatusProcessed, Base.Add(time.Minute), 10)
		if err != nil || deleted != 1 {
			t.Fatalf("expected 1 deleted, got %d (%v)", deleted, err)
		}
		if _, err := s.Get(ctx, old.ID); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected old row deleted, got %v", err)
		}
		if _, err := s.Get(ctx, recent.ID); err != nil {
			t.Errorf("recent row deleted: %v", err)
		}
		if _, err := s.Get(ctx, failedOld.ID); err != nil {
			t.Errorf("failed row deleted by processed sweep: %v", err)
		}
	})
}
