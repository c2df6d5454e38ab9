package mongodb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rbaliyan/mailbox/message"
	"github.com/rbaliyan/mailbox/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func testRecord() *message.Record {
	env := message.NewEnvelope("t-1", "Sales.Orders.OrderPlaced", "OrderPlaced", []byte(`{"id":1}`)).
		WithHeader("tenant", "acme")
	return message.NewRecord("consumer_a----t-1", env, message.StatusNew, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC))
}

func TestMongoStore(t *testing.T) {
	ctx := context.Background()
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("get missing returns not found", func(mt *mtest.T) {
		s := New(mt.Coll)
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))

		if _, err := s.Get(ctx, "nope----x"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	mt.Run("get decodes the record", func(mt *mtest.T) {
		s := New(mt.Coll)
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()
		rec := testRecord()
		doc, err := bson.Marshal(rec)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var d bson.D
		if err := bson.Unmarshal(doc, &d); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, d))

		got, err := s.Get(ctx, rec.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.ID != rec.ID || got.Status != message.StatusNew || got.ConcurrencyToken != rec.ConcurrencyToken || got.Headers["tenant"] != "acme" {
			t.Errorf("unexpected record %+v", got)
		}
	})

	mt.Run("insert maps duplicate key", func(mt *mtest.T) {
		s := New(mt.Coll)
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index:   0,
			Code:    11000,
			Message: "duplicate key error",
		}))

		if err := s.Insert(ctx, testRecord()); !errors.Is(err, store.ErrAlreadyExists) {
			t.Errorf("expected ErrAlreadyExists, got %v", err)
		}
	})

	mt.Run("update with stale token is a conflict", func(mt *mtest.T) {
		s := New(mt.Coll)
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 0},
			bson.E{Key: "nModified", Value: 0},
		))

		rec := testRecord()
		if res := s.Update(ctx, rec, "stale"); !res.IsConflict() {
			t.Errorf("expected conflict, got %v: %v", res.Outcome, res.Err())
		}
	})

	mt.Run("update with matching token succeeds", func(mt *mtest.T) {
		s := New(mt.Coll)
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))

		rec := testRecord()
		if res := s.Update(ctx, rec, rec.ConcurrencyToken); !res.IsOK() {
			t.Errorf("expected ok, got %v: %v", res.Outcome, res.Err())
		}
	})

	mt.Run("write conflict maps to version conflict", func(mt *mtest.T) {
		s := New(mt.Coll)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    112,
			Name:    "WriteConflict",
			Message: "write conflict",
			Labels:  []string{"TransientTransactionError"},
		}))

		rec := testRecord()
		res := s.Update(ctx, rec, rec.ConcurrencyToken)
		if !res.IsConflict() || !errors.Is(res.Err(), store.ErrVersionConflict) {
			t.Errorf("expected conflict, got %v: %v", res.Outcome, res.Err())
		}
	})
}
