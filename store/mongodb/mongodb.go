// Package mongodb provides a MongoDB store.Store.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/rbaliyan/mailbox/message"
	"github.com/rbaliyan/mailbox/store"
	"github.com/rbaliyan/mailbox/uow"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

/*
MongoDB Schema:

Collection: mailbox_outbox / mailbox_inbox

Document structure:
{
    "_id": string,                 // deterministic record id
    "serialized_payload": string,
    "payload_type": string,
    "routing_key": string,
    "status": string,
    "retried_count": int,
    "created_at": ISODate,
    "last_action_at": ISODate,
    "next_retry_after": ISODate (optional),
    "last_error": string (optional),
    "concurrency_token": string,
    "trace_id": string (optional),
    "headers": object (optional)
}

Indexes (see EnsureIndexes):
- { "status": 1, "created_at": 1 }
- { "status": 1, "last_action_at": 1 }
- { "status": 1, "next_retry_after": 1 }
- { "routing_key": 1 }

Timestamps are stored with millisecond precision.
*/

var pending = bson.A{
	string(message.StatusNew),
	string(message.StatusProcessing),
	string(message.StatusFailed),
}

// Store implements store.Store for MongoDB.
//
// Calls made with a context produced by uow.MongoContext run inside the
// session transaction.
type Store struct {
	collection *mongo.Collection
}

// New creates a store over the collection.
func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

// Collection returns the underlying MongoDB collection
func (s *Store) Collection() *mongo.Collection {
	return s.collection
}

// lock holds the unit of work session carried by ctx, if any.
func (s *Store) lock(ctx context.Context) (func(), error) {
	return uow.LockMongo(ctx, s.collection.Database().Client())
}

// EnsureIndexes creates the required indexes
func (s *Store) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "last_action_at", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_retry_after", Value: 1}}},
		{Keys: bson.D{{Key: "routing_key", Value: 1}}},
	}
	_, err := s.collection.Indexes().CreateMany(ctx, indexes)
	return classify(err)
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, id string) (*message.Record, error) {
	release, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	var rec message.Record
	err = s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", id, classify(err))
	}
	return &rec, nil
}

// Insert implements store.Store.
func (s *Store) Insert(ctx context.Context, rec *message.Record) error {
	release, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer release()
	_, err = s.collection.InsertOne(ctx, rec)
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert %s: %w", rec.ID, classify(err))
	}
	return nil
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, rec *message.Record, expectedToken string) store.Result {
	release, err := s.lock(ctx)
	if err != nil {
		return store.Failed(err)
	}
	defer release()
	filter := bson.M{"_id": rec.ID, "concurrency_token": expectedToken}
	res, err := s.collection.ReplaceOne(ctx, filter, rec)
	if err != nil {
		return store.Failed(fmt.Errorf("update %s: %w", rec.ID, classify(err)))
	}
	if res.MatchedCount == 0 {
		return store.Conflict()
	}
	return store.OK()
}

// ListDue implements store.Store.
func (s *Store) ListDue(ctx context.Context, q store.DueQuery) ([]*message.Record, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"status": string(message.StatusNew)},
		bson.M{"status": string(message.StatusFailed), "$or": bson.A{
			bson.M{"next_retry_after": bson.M{"$exists": false}},
			bson.M{"next_retry_after": bson.M{"$lte": q.Now}},
		}},
		bson.M{"status": string(message.StatusProcessing), "last_action_at": bson.M{"$lt": q.StuckBefore}},
	}}
	if q.After != nil {
		filter = bson.M{"$and": bson.A{filter, bson.M{"$or": bson.A{
			bson.M{"created_at": bson.M{"$gt": q.After.CreatedAt}},
			bson.M{"created_at": q.After.CreatedAt, "_id": bson.M{"$gt": q.After.ID}},
		}}}}
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	release, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list due: %w", classify(err))
	}
	defer cursor.Close(ctx)

	var recs []*message.Record
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, fmt.Errorf("list due: %w", classify(err))
	}
	return recs, nil
}

// HasOlderPending implements store.Store.
func (s *Store) HasOlderPending(ctx context.Context, prefix string, createdAt time.Time, id string) (bool, error) {
	filter := bson.M{
		"_id":    bson.M{"$regex": "^" + regexp.QuoteMeta(prefix+message.IDSeparator), "$ne": id},
		"status": bson.M{"$in": pending},
		"$or": bson.A{
			bson.M{"created_at": bson.M{"$lt": createdAt}},
			bson.M{"created_at": createdAt, "_id": bson.M{"$lt": id}},
		},
	}
	release, err := s.lock(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	n, err := s.collection.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("older pending %s: %w", prefix, classify(err))
	}
	return n > 0, nil
}

// Count implements store.Store.
func (s *Store) Count(ctx context.Context, status message.Status) (int64, error) {
	release, err := s.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	n, err := s.collection.CountDocuments(ctx, bson.M{"status": string(status)})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", status, classify(err))
	}
	return n, nil
}

// DeleteOldest implements store.Store.
func (s *Store) DeleteOldest(ctx context.Context, status message.Status, limit int) (int64, error) {
	return s.deleteBatch(ctx, bson.M{"status": string(status)}, "created_at", limit)
}

// DeleteExpired implements store.Store.
func (s *Store) DeleteExpired(ctx context.Context, status message.Status, before time.Time, limit int) (int64, error) {
	filter := bson.M{"status": string(status), "last_action_at": bson.M{"$lt": before}}
	return s.deleteBatch(ctx, filter, "last_action_at", limit)
}

// deleteBatch selects up to limit ids in sort order and deletes them.
func (s *Store) deleteBatch(ctx context.Context, filter bson.M, sortKey string, limit int) (int64, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: sortKey, Value: 1}, {Key: "_id", Value: 1}}).
		SetProjection(bson.M{"_id": 1})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	release, err := s.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", classify(err))
	}
	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return 0, fmt.Errorf("delete: %w", classify(err))
	}
	if len(docs) == 0 {
		return 0, nil
	}

	ids := make(bson.A, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	res, err := s.collection.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, fmt.Errorf("delete: %w", classify(err))
	}
	return res.DeletedCount, nil
}

// classify maps driver errors onto the store sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, mongo.ErrClientDisconnected) {
		return fmt.Errorf("%w: %w", store.ErrNotReady, err)
	}
	var se mongo.ServerError
	if errors.As(err, &se) {
		// 112: WriteConflict
		if se.HasErrorLabel("TransientTransactionError") || se.HasErrorCode(112) {
			return fmt.Errorf("%w: %w", store.ErrVersionConflict, err)
		}
	}
	return err
}

var _ store.Store = (*Store)(nil)
