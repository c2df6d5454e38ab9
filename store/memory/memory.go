// Package memory provides an in-memory store.Store.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rbaliyan/mailbox/message"
	"github.com/rbaliyan/mailbox/store"
)

// Store implements store.Store in memory.
//
// Store is intended for single-instance deployments, development and
// tests. It has no transactions; pair it with a uow.PseudoContext so that
// outbox writes are deferred to post-commit hooks.
//
// Records are copied on the way in and out, so callers can never mutate
// stored state without going through Update.
type Store struct {
	mu   sync.RWMutex
	rows map[string]*message.Record
}

// New creates an empty store.
func New() *Store {
	return &Store{rows: make(map[string]*message.Record)}
}

// Get implements store.Store.
func (s *Store) Get(_ context.Context, id string) (*message.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec.Clone(), nil
}

// Insert implements store.Store.
func (s *Store) Insert(_ context.Context, rec *message.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[rec.ID]; ok {
		return store.ErrAlreadyExists
	}
	s.rows[rec.ID] = rec.Clone()
	return nil
}

// Update implements store.Store. A missing row is reported as a conflict.
func (s *Store) Update(_ context.Context, rec *message.Record, expectedToken string) store.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.rows[rec.ID]
	if !ok || cur.ConcurrencyToken != expectedToken {
		return store.Conflict()
	}
	s.rows[rec.ID] = rec.Clone()
	return store.OK()
}

// ListDue implements store.Store.
func (s *Store) ListDue(_ context.Context, q store.DueQuery) ([]*message.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*message.Record
	for _, rec := range s.rows {
		if q.IsDue(rec) {
			due = append(due, rec.Clone())
		}
	}
	slices.SortFunc(due, store.Compare)
	if q.Limit > 0 && len(due) > q.Limit {
		due = due[:q.Limit]
	}
	return due, nil
}

// HasOlderPending implements store.Store.
func (s *Store) HasOlderPending(_ context.Context, prefix string, createdAt time.Time, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := prefix + message.IDSeparator
	for _, rec := range s.rows {
		if rec.ID == id || !strings.HasPrefix(rec.ID, p) || !rec.Status.IsPending() {
			continue
		}
		if store.SortsBefore(rec.CreatedAt, rec.ID, createdAt, id) {
			return true, nil
		}
	}
	return false, nil
}

// Count implements store.Store.
func (s *Store) Count(_ context.Context, status message.Status) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, rec := range s.rows {
		if rec.Status == status {
			n++
		}
	}
	return n, nil
}

// DeleteOldest implements store.Store.
func (s *Store) DeleteOldest(_ context.Context, status message.Status, limit int) (int64, error) {
	return s.deleteWhere(limit, func(rec *message.Record) bool {
		return rec.Status == status
	}), nil
}

// DeleteExpired implements store.Store.
func (s *Store) DeleteExpired(_ context.Context, status message.Status, before time.Time, limit int) (int64, error) {
	return s.deleteWhere(limit, func(rec *message.Record) bool {
		return rec.Status == status && rec.LastActionAt.Before(before)
	}), nil
}

// Len returns the number of stored rows.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

func (s *Store) deleteWhere(limit int, match func(*message.Record) bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var victims []*message.Record
	for _, rec := range s.rows {
		if match(rec) {
			victims = append(victims, rec)
		}
	}
	slices.SortFunc(victims, store.Compare)
	if limit > 0 && len(victims) > limit {
		victims = victims[:limit]
	}
	for _, rec := range victims {
		delete(s.rows, rec.ID)
	}
	return int64(len(victims))
}
