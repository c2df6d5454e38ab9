// Package badger provides an embedded store.Store on top of Badger.
//
// Records are msgpack encoded under "<prefix>rec/<id>". Because record ids
// start with their grouping key, the sub-queue check of HasOlderPending is
// a key prefix scan. Other queries scan all records, which suits the
// single-node deployments an embedded store is meant for.
//
// Calls made with a context produced by uow.BadgerContext join its
// transaction; otherwise each call runs in its own transaction.
package badger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rbaliyan/mailbox/message"
	"github.com/rbaliyan/mailbox/store"
	"github.com/rbaliyan/mailbox/uow"
	"github.com/vmihailenco/msgpack/v5"
)

// Store implements store.Store for Badger.
type Store struct {
	db     *badger.DB
	prefix []byte
}

// New creates a store over db. The prefix separates the inbox from the
// outbox when both share one database.
func New(db *badger.DB, prefix string) *Store {
	return &Store{db: db, prefix: []byte(prefix + "rec/")}
}

func (s *Store) key(id string) []byte {
	return append(slices.Clone(s.prefix), id...)
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if txn, ok := uow.BadgerTxn(ctx, s.db); ok {
		return s.joined(ctx, txn, fn)
	}
	return classify(s.db.View(fn))
}

func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if txn, ok := uow.BadgerTxn(ctx, s.db); ok {
		return s.joined(ctx, txn, fn)
	}
	return classify(s.db.Update(fn))
}

// joined runs fn on the unit of work transaction, holding its lock.
func (s *Store) joined(ctx context.Context, txn *badger.Txn, fn func(txn *badger.Txn) error) error {
	release, err := uow.LockBadger(ctx, s.db)
	if err != nil {
		return err
	}
	defer release()
	return fn(txn)
}

func (s *Store) load(txn *badger.Txn, id string) (*message.Record, error) {
	item, err := txn.Get(s.key(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	var rec message.Record
	err = item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	return &rec, nil
}

func (s *Store) save(txn *badger.Txn, rec *message.Record) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s: %w", rec.ID, err)
	}
	return classify(txn.Set(s.key(rec.ID), data))
}

// scan calls fn for every record whose id starts with idPrefix until fn
// returns false.
func (s *Store) scan(txn *badger.Txn, idPrefix string, fn func(*message.Record) bool) error {
	prefix := s.key(idPrefix)
	it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: prefix})
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var rec message.Record
		err := it.Item().Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &rec)
		})
		if err != nil {
			return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
		}
		if !fn(&rec) {
			return nil
		}
	}
	return nil
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, id string) (*message.Record, error) {
	var rec *message.Record
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		rec, err = s.load(txn, id)
		return err
	})
	return rec, err
}

// Insert implements store.Store.
func (s *Store) Insert(ctx context.Context, rec *message.Record) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		_, err := s.load(txn, rec.ID)
		if err == nil {
			return store.ErrAlreadyExists
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return s.save(txn, rec)
	})
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, rec *message.Record, expectedToken string) store.Result {
	err := s.update(ctx, func(txn *badger.Txn) error {
		cur, err := s.load(txn, rec.ID)
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrVersionConflict
		}
		if err != nil {
			return err
		}
		if cur.ConcurrencyToken != expectedToken {
			return store.ErrVersionConflict
		}
		return s.save(txn, rec)
	})
	return store.Failed(err)
}

// ListDue implements store.Store.
func (s *Store) ListDue(ctx context.Context, q store.DueQuery) ([]*message.Record, error) {
	var due []*message.Record
	err := s.view(ctx, func(txn *badger.Txn) error {
		return s.scan(txn, "", func(rec *message.Record) bool {
			if q.IsDue(rec) {
				due = append(due, rec)
			}
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list due: %w", err)
	}
	slices.SortFunc(due, store.Compare)
	if q.Limit > 0 && len(due) > q.Limit {
		due = due[:q.Limit]
	}
	return due, nil
}

// HasOlderPending implements store.Store.
func (s *Store) HasOlderPending(ctx context.Context, prefix string, createdAt time.Time, id string) (bool, error) {
	var found bool
	err := s.view(ctx, func(txn *badger.Txn) error {
		return s.scan(txn, prefix+message.IDSeparator, func(rec *message.Record) bool {
			if rec.ID != id && rec.Status.IsPending() && store.SortsBefore(rec.CreatedAt, rec.ID, createdAt, id) {
				found = true
			}
			return !found
		})
	})
	if err != nil {
		return false, fmt.Errorf("older pending %s: %w", prefix, err)
	}
	return found, nil
}

// Count implements store.Store.
func (s *Store) Count(ctx context.Context, status message.Status) (int64, error) {
	var n int64
	err := s.view(ctx, func(txn *badger.Txn) error {
		return s.scan(txn, "", func(rec *message.Record) bool {
			if rec.Status == status {
				n++
			}
			return true
		})
	})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", status, err)
	}
	return n, nil
}

// DeleteOldest implements store.Store.
func (s *Store) DeleteOldest(ctx context.Context, status message.Status, limit int) (int64, error) {
	return s.deleteWhere(ctx, limit, func(rec *message.Record) bool {
		return rec.Status == status
	})
}

// DeleteExpired implements store.Store.
func (s *Store) DeleteExpired(ctx context.Context, status message.Status, before time.Time, limit int) (int64, error) {
	return s.deleteWhere(ctx, limit, func(rec *message.Record) bool {
		return rec.Status == status && rec.LastActionAt.Before(before)
	})
}

func (s *Store) deleteWhere(ctx context.Context, limit int, match func(*message.Record) bool) (int64, error) {
	var deleted int64
	err := s.update(ctx, func(txn *badger.Txn) error {
		var victims []*message.Record
		err := s.scan(txn, "", func(rec *message.Record) bool {
			if match(rec) {
				victims = append(victims, rec)
			}
			return true
		})
		if err != nil {
			return err
		}
		slices.SortFunc(victims, store.Compare)
		if limit > 0 && len(victims) > limit {
			victims = victims[:limit]
		}
		for _, rec := range victims {
			if err := txn.Delete(s.key(rec.ID)); err != nil {
				return classify(err)
			}
		}
		deleted = int64(len(victims))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	return deleted, nil
}

// classify maps Badger errors onto the store sentinels.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrDBClosed), errors.Is(err, badger.ErrBlockedWrites):
		return fmt.Errorf("%w: %w", store.ErrNotReady, err)
	case errors.Is(err, badger.ErrConflict):
		return fmt.Errorf("%w: %w", store.ErrVersionConflict, err)
	default:
		return err
	}
}

var _ store.Store = (*Store)(nil)
