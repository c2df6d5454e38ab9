package message

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestBuildID(t *testing.T) {
	t.Run("without sub-queue", func(t *testing.T) {
		id, err := BuildID("OrderPlacedConsumer", "", "abc")
		if err != nil {
			t.Fatalf("BuildID failed: %v", err)
		}
		if id != "OrderPlacedConsumer----abc" {
			t.Errorf("unexpected id %q", id)
		}
		if IDPrefix(id) != "OrderPlacedConsumer" {
			t.Errorf("unexpected prefix %q", IDPrefix(id))
		}
		if TrackingID(id) != "abc" {
			t.Errorf("unexpected tracking id %q", TrackingID(id))
		}
		if HasSubQueue("OrderPlacedConsumer", id) {
			t.Error("expected no sub-queue")
		}
	})

	t.Run("with sub-queue", func(t *testing.T) {
		id, err := BuildID("OrderPlacedConsumer", "customer-7", "abc")
		if err != nil {
			t.Fatalf("BuildID failed: %v", err)
		}
		if id != "OrderPlacedConsumer_customer-7----abc" {
			t.Errorf("unexpected id %q", id)
		}
		if IDPrefix(id) != "OrderPlacedConsumer_customer-7" {
			t.Errorf("unexpected prefix %q", IDPrefix(id))
		}
		if SubQueue("OrderPlacedConsumer", id) != "customer-7" {
			t.Errorf("unexpected sub-queue %q", SubQueue("OrderPlacedConsumer", id))
		}
		if !HasSubQueue("OrderPlacedConsumer", id) {
			t.Error("expected sub-queue")
		}
	})

	t.Run("is deterministic", func(t *testing.T) {
		a, _ := BuildID("c", "s", "t")
		b, _ := BuildID("c", "s", "t")
		if a != b {
			t.Errorf("expected identical ids, got %q and %q", a, b)
		}
	})

	t.Run("rejects invalid parts", func(t *testing.T) {
		cases := []struct {
			name, sub, tracking string
			want                error
		}{
			{"", "", "t", ErrEmptyName},
			{"c", "", "", ErrEmptyTrackingID},
			{"c----x", "", "t", ErrInvalidIDPart},
			{"c", "a----b", "t", ErrInvalidIDPart},
			{"c", "", strings.Repeat("x", MaxIDLength), ErrIDTooLong},
		}
		for _, tc := range cases {
			_, err := BuildID(tc.name, tc.sub, tc.tracking)
			if !errors.Is(err, tc.want) {
				t.Errorf("BuildID(%q, %q, len %d): expected %v, got %v", tc.name, tc.sub, len(tc.tracking), tc.want, err)
			}
		}
	})
}

func TestStatusTransitions(t *testing.T) {
	allowed := map[Status][]Status{
		StatusNew:        {StatusProcessing, StatusFailed, StatusIgnored},
		StatusProcessing: {StatusProcessing, StatusProcessed, StatusFailed},
		StatusFailed:     {StatusProcessing, StatusIgnored},
		StatusProcessed:  nil,
		StatusIgnored:    nil,
	}
	all := []Status{StatusNew, StatusProcessing, StatusProcessed, StatusFailed, StatusIgnored}

	for from, targets := range allowed {
		for _, to := range all {
			want := false
			for _, a := range targets {
				if a == to {
					want = true
				}
			}
			if got := from.CanTransitionTo(to); got != want {
				t.Errorf("%s -> %s: expected %v, got %v", from, to, want, got)
			}
		}
	}

	t.Run("processed is terminal", func(t *testing.T) {
		if !StatusProcessed.IsTerminal() || !StatusIgnored.IsTerminal() {
			t.Error("expected processed and ignored to be terminal")
		}
		if StatusFailed.IsTerminal() {
			t.Error("failed must not be terminal")
		}
	})

	t.Run("parse rejects unknown", func(t *testing.T) {
		if _, err := ParseStatus("sent"); !errors.Is(err, ErrInvalidStatus) {
			t.Errorf("expected ErrInvalidStatus, got %v", err)
		}
		s, err := ParseStatus("failed")
		if err != nil || s != StatusFailed {
			t.Errorf("expected failed, got %v %v", s, err)
		}
	})
}

func TestRecordTransition(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	env := NewEnvelope("t-1", "Sales.Orders.OrderPlaced", "OrderPlaced", []byte(`{"id":1}`))

	t.Run("regenerates token on every mutation", func(t *testing.T) {
		rec := NewRecord("c----t-1", env, StatusNew, now)
		token := rec.ConcurrencyToken

		if err := rec.Transition(StatusProcessing, now.Add(time.Second)); err != nil {
			t.Fatalf("Transition failed: %v", err)
		}
		if rec.ConcurrencyToken == token {
			t.Error("expected token to change")
		}
		if !rec.LastActionAt.Equal(now.Add(time.Second)) {
			t.Errorf("expected last action to be bumped, got %v", rec.LastActionAt)
		}
	})

	t.Run("fail sets retry fields", func(t *testing.T) {
		rec := NewRecord("c----t-1", env, StatusProcessing, now)
		next := now.Add(time.Minute)

		if err := rec.Fail(errors.New("boom"), now, next); err != nil {
			t.Fatalf("Fail failed: %v", err)
		}
		if rec.Status != StatusFailed || rec.RetriedCount != 1 || rec.LastError != "boom" {
			t.Errorf("unexpected record %+v", rec)
		}
		if rec.NextRetryAfter == nil || !rec.NextRetryAfter.Equal(next) {
			t.Errorf("unexpected next retry %v", rec.NextRetryAfter)
		}

		if err := rec.Transition(StatusProcessing, now); err != nil {
			t.Fatalf("Transition failed: %v", err)
		}
		if rec.NextRetryAfter != nil {
			t.Error("expected next retry to be cleared when leaving failed")
		}
	})

	t.Run("rejects transition out of processed", func(t *testing.T) {
		rec := NewRecord("c----t-1", env, StatusProcessing, now)
		if err := rec.Transition(StatusProcessed, now); err != nil {
			t.Fatalf("Transition failed: %v", err)
		}
		err := rec.Transition(StatusProcessing, now)
		if !IsTransitionError(err) {
			t.Errorf("expected transition error, got %v", err)
		}
	})

	t.Run("clone is independent", func(t *testing.T) {
		rec := NewRecord("c----t-1", env, StatusProcessing, now)
		_ = rec.Fail(errors.New("x"), now, now.Add(time.Minute))
		c := rec.Clone()
		*c.NextRetryAfter = now
		if rec.NextRetryAfter.Equal(now) {
			t.Error("clone shares next retry pointer")
		}
	})

	t.Run("rebuilds envelope", func(t *testing.T) {
		rec := NewRecord("c_sub----t-1", env.WithTraceID("trace"), StatusNew, now)
		got := rec.Envelope()
		if got.TrackingID() != "t-1" || got.RoutingKey() != env.RoutingKey() || got.TraceID() != "trace" {
			t.Errorf("unexpected envelope %+v", got)
		}
		if string(got.Payload()) != `{"id":1}` {
			t.Errorf("unexpected payload %s", got.Payload())
		}
	})

	t.Run("headers survive the record", func(t *testing.T) {
		rec := NewRecord("c----t-1", env.WithHeader("tenant", "acme"), StatusNew, now)
		c := rec.Clone()
		c.Headers["tenant"] = "other"

		if got := rec.Envelope().Header("tenant"); got != "acme" {
			t.Errorf("expected header from record, got %q", got)
		}
		if got := NewRecord("c----t-2", env, StatusNew, now).Envelope().Headers(); len(got) != 0 {
			t.Errorf("expected no headers, got %v", got)
		}
	})
}

func TestEnvelopeImmutable(t *testing.T) {
	payload := []byte("hello")
	env := NewEnvelope("", "A.B.C", "T", payload)
	payload[0] = 'j'

	if string(env.Payload()) != "hello" {
		t.Errorf("envelope shares caller buffer: %s", env.Payload())
	}
	if env.TrackingID() == "" {
		t.Error("expected generated tracking id")
	}

	withHeader := env.WithHeader("k", "v")
	if env.Header("k") != "" {
		t.Error("WithHeader mutated the receiver")
	}
	if withHeader.Header("k") != "v" {
		t.Error("expected header on copy")
	}

	out := env.Payload()
	out[0] = 'x'
	if string(env.Payload()) != "hello" {
		t.Error("Payload returned internal buffer")
	}
}
