package uow

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/rbaliyan/mailbox/store"
)

type badgerTxnKey struct {
	db *badger.DB
}

// BadgerContext is a Badger inner context backed by read-write transactions.
type BadgerContext struct {
	name string
	db   *badger.DB
}

// NewBadgerContext creates an inner context for db.
func NewBadgerContext(name string, db *badger.DB) *BadgerContext {
	return &BadgerContext{name: name, db: db}
}

// Name implements Context.
func (c *BadgerContext) Name() string { return c.name }

// Pseudo implements Context.
func (c *BadgerContext) Pseudo() bool { return false }

// Begin implements Context.
func (c *BadgerContext) Begin(context.Context) (Tx, error) {
	return &badgerTx{db: c.db, txn: c.db.NewTransaction(true)}, nil
}

type badgerTx struct {
	db  *badger.DB
	txn *badger.Txn
}

func (t *badgerTx) Bind(ctx context.Context) context.Context {
	return WithBadgerTxn(ctx, t.db, t.txn)
}

func (t *badgerTx) lockKey() any { return badgerTxnKey{db: t.db} }

// Commit maps badger.ErrConflict to store.ErrVersionConflict so
// RetryOnConflict re-runs the unit of work.
func (t *badgerTx) Commit(context.Context) error {
	err := t.txn.Commit()
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: %w", store.ErrVersionConflict, err)
	}
	return err
}

func (t *badgerTx) Rollback(context.Context) error {
	t.txn.Discard()
	return nil
}

// WithBadgerTxn returns a context carrying txn as the open transaction of db.
func WithBadgerTxn(ctx context.Context, db *badger.DB, txn *badger.Txn) context.Context {
	return context.WithValue(ctx, badgerTxnKey{db: db}, txn)
}

// BadgerTxn returns the transaction of db carried by ctx, if any.
func BadgerTxn(ctx context.Context, db *badger.DB) (*badger.Txn, bool) {
	txn, ok := ctx.Value(badgerTxnKey{db: db}).(*badger.Txn)
	return txn, ok
}

// LockBadger acquires the lock of the db transaction carried by ctx. A
// badger.Txn must not be used from several goroutines at once; stores call
// LockBadger around each use. Without a unit of work it does nothing.
func LockBadger(ctx context.Context, db *badger.DB) (release func(), err error) {
	return lock(ctx, badgerTxnKey{db: db})
}

var _ Context = (*BadgerContext)(nil)
