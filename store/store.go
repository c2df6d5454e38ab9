// Package store defines the persistence contract shared by inbox and outbox
// tables.
//
// A Store holds message.Record rows. All backends (memory, PostgreSQL,
// MongoDB, Redis, Badger) implement the same contract so the claim and
// dispatch logic is identical regardless of which one is plugged in.
//
// # Optimistic concurrency
//
// Rows are never locked. Every mutation carries the ConcurrencyToken the
// caller read; the backend applies the write only if the stored token still
// matches and reports a Conflict result otherwise:
//
//	prev := rec.ConcurrencyToken
//	if err := rec.Transition(message.StatusProcessing, now); err != nil {
//	    return err
//	}
//	switch res := s.Update(ctx, rec, prev); {
//	case res.IsConflict():
//	    // another instance claimed it first
//	case !res.IsOK():
//	    return res.Err()
//	}
//
// # Transactions
//
// Writes join the surrounding transaction when the context carries one
// (see package uow). Without a transaction, every call is applied directly.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rbaliyan/mailbox/message"
)

// Store errors
var (
	// ErrNotFound is returned by Get when no row has the id.
	ErrNotFound = errors.New("store: record not found")

	// ErrAlreadyExists is returned by Insert when the id is taken.
	ErrAlreadyExists = errors.New("store: record already exists")

	// ErrVersionConflict reports a conditional update that lost the race.
	ErrVersionConflict = errors.New("store: row version conflict")

	// ErrNotReady reports a transient backend failure (connection lost,
	// server starting, transaction aborted). Callers retry it.
	ErrNotReady = errors.New("store: not ready")
)

// Store is the inbox/outbox table contract.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type Store interface {
	// Get returns the row with the id or ErrNotFound.
	Get(ctx context.Context, id string) (*message.Record, error)

	// Insert adds a new row. Returns ErrAlreadyExists if the id is taken.
	Insert(ctx context.Context, rec *message.Record) error

	// Update replaces the row if its stored token equals expectedToken.
	Update(ctx context.Context, rec *message.Record, expectedToken string) Result

	// ListDue returns rows eligible for a claim, oldest first.
	ListDue(ctx context.Context, q DueQuery) ([]*message.Record, error)

	// HasOlderPending reports whether another row with the grouping prefix
	// is still pending (new, processing or failed) and sorts before the
	// (createdAt, id) pair.
	HasOlderPending(ctx context.Context, prefix string, createdAt time.Time, id string) (bool, error)

	// Count returns the number of rows in status.
	Count(ctx context.Context, status message.Status) (int64, error)

	// DeleteOldest deletes up to limit rows in status, oldest first.
	DeleteOldest(ctx context.Context, status message.Status, limit int) (int64, error)

	// DeleteExpired deletes up to limit rows in status whose last action is
	// before the cutoff, oldest first.
	DeleteExpired(ctx context.Context, status message.Status, before time.Time, limit int) (int64, error)
}

// DueQuery selects rows to claim.
//
// A row is due when it is new, failed with NextRetryAfter <= Now, or
// processing with LastActionAt < StuckBefore (a crashed claim).
// When After is set, only rows sorting strictly after it are returned,
// so a drain can page past rows it could not handle.
type DueQuery struct {
	Now         time.Time
	StuckBefore time.Time
	Limit       int
	After       *Cursor
}

// Cursor is a position in (CreatedAt, ID) order.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorOf returns the position of rec.
func CursorOf(rec *message.Record) *Cursor {
	return &Cursor{CreatedAt: rec.CreatedAt, ID: rec.ID}
}

// Passed reports whether rec sorts strictly after c. A nil cursor passes
// every row.
func (c *Cursor) Passed(rec *message.Record) bool {
	return c == nil || SortsBefore(c.CreatedAt, c.ID, rec.CreatedAt, rec.ID)
}

// IsDue reports whether rec satisfies the query.
// Backends without server-side filtering use it directly.
func (q DueQuery) IsDue(rec *message.Record) bool {
	if !q.After.Passed(rec) {
		return false
	}
	switch rec.Status {
	case message.StatusNew:
		return true
	case message.StatusFailed:
		return rec.NextRetryAfter == nil || !rec.NextRetryAfter.After(q.Now)
	case message.StatusProcessing:
		return rec.LastActionAt.Before(q.StuckBefore)
	default:
		return false
	}
}

// Before reports whether a sorts before b in (CreatedAt, ID) order.
// It is the order used by ListDue and HasOlderPending.
func Before(a, b *message.Record) bool {
	return SortsBefore(a.CreatedAt, a.ID, b.CreatedAt, b.ID)
}

// Compare orders records by (CreatedAt, ID) for use with slices.SortFunc.
func Compare(a, b *message.Record) int {
	switch {
	case Before(a, b):
		return -1
	case Before(b, a):
		return 1
	default:
		return 0
	}
}

// SortsBefore compares two (createdAt, id) pairs.
func SortsBefore(aCreated time.Time, aID string, bCreated time.Time, bID string) bool {
	if !aCreated.Equal(bCreated) {
		return aCreated.Before(bCreated)
	}
	return aID < bID
}
