package uow

import (
	"context"
	"database/sql"
	"errors"
)

type sqlTxKey struct {
	db *sql.DB
}

// SQLContext is a database/sql inner context.
type SQLContext struct {
	name string
	db   *sql.DB
	opts *sql.TxOptions
}

// NewSQLContext creates an inner context for db. The coordinator does not
// own the connection pool and never closes it.
func NewSQLContext(name string, db *sql.DB) *SQLContext {
	return &SQLContext{name: name, db: db}
}

// WithTxOptions sets the isolation level and read-only flag of new transactions.
func (c *SQLContext) WithTxOptions(opts *sql.TxOptions) *SQLContext {
	c.opts = opts
	return c
}

// Name implements Context.
func (c *SQLContext) Name() string { return c.name }

// Pseudo implements Context.
func (c *SQLContext) Pseudo() bool { return false }

// Begin implements Context.
func (c *SQLContext) Begin(ctx context.Context) (Tx, error) {
	tx, err := c.db.BeginTx(ctx, c.opts)
	if err != nil {
		return nil, err
	}
	return &sqlTx{db: c.db, tx: tx}, nil
}

type sqlTx struct {
	db *sql.DB
	tx *sql.Tx
}

func (t *sqlTx) Bind(ctx context.Context) context.Context {
	return WithSQLTx(ctx, t.db, t.tx)
}

func (t *sqlTx) lockKey() any { return sqlTxKey{db: t.db} }

func (t *sqlTx) Commit(context.Context) error {
	return t.tx.Commit()
}

func (t *sqlTx) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// WithSQLTx returns a context carrying tx as the open transaction of db.
func WithSQLTx(ctx context.Context, db *sql.DB, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, sqlTxKey{db: db}, tx)
}

// SQLTx returns the transaction of db carried by ctx, if any.
func SQLTx(ctx context.Context, db *sql.DB) (*sql.Tx, bool) {
	tx, ok := ctx.Value(sqlTxKey{db: db}).(*sql.Tx)
	return tx, ok
}

// LockSQL acquires the lock of the db transaction carried by ctx. A
// transaction runs on one connection, which serves one statement (and its
// open rows) at a time. Without a unit of work it does nothing.
func LockSQL(ctx context.Context, db *sql.DB) (release func(), err error) {
	return lock(ctx, sqlTxKey{db: db})
}

var _ Context = (*SQLContext)(nil)
