// Package uow coordinates one or more persistence contexts behind a single
// logical transaction boundary.
//
// A Coordinator aggregates inner contexts (SQL databases, MongoDB clients,
// Badger databases, or pseudo contexts for stores without transactions).
// Each call to Begin opens a UnitOfWork that holds one transaction per inner
// context. Completing it commits every inner transaction and then runs the
// post-commit hooks registered with OnCompleted. Outbox rows are written
// either inside the unit of work or, when the aggregate is
// pseudo-transactional, from such a hook.
//
// # Basic Usage
//
//	coord, err := uow.NewCoordinator(uow.NewSQLContext("orders", db))
//	if err != nil {
//	    return err
//	}
//
//	err = coord.Execute(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
//	    tx, _ := uow.SQLTx(ctx, db)
//	    if _, err := tx.ExecContext(ctx, "UPDATE orders SET status = 'paid' WHERE id = $1", id); err != nil {
//	        return err // rollback
//	    }
//	    _, err := producer.Publish(u, "OrderPaid", payload, "Sales.Orders.OrderPaid")
//	    return err
//	})
//
// # Write serialization
//
// A transaction handle is generally not safe for concurrent use. Each
// inner context of a unit of work has a lock, bound into the unit of work
// context next to its transaction. Stores take it around every call that
// uses the handle (see LockSQL, LockBadger and LockMongo), so goroutines
// sharing one unit of work context are serialized. Guard runs a function
// while holding the lock of one inner context; stores called from it with
// the context it passes do not lock again. The lock is acquired with a
// cancellable wait and is always released.
package uow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Errors
var (
	// ErrCompleted is returned when using a unit of work after Complete or Rollback.
	ErrCompleted = errors.New("uow: unit of work already completed")

	// ErrUnknownContext is returned by Guard for a name no inner context has.
	ErrUnknownContext = errors.New("uow: unknown context")

	// ErrDuplicateContext is returned by NewCoordinator for repeated names.
	ErrDuplicateContext = errors.New("uow: duplicate context name")
)

// Context is a persistence context that can take part in a unit of work.
type Context interface {
	// Name identifies the context inside a coordinator.
	Name() string

	// Pseudo reports whether the context has no real transactions, i.e.
	// writes are applied immediately and Rollback cannot undo them.
	Pseudo() bool

	// Begin starts a transaction.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is an open transaction of one inner context.
type Tx interface {
	// Bind returns a context carrying the transaction so that stores
	// called with it join the transaction.
	Bind(ctx context.Context) context.Context

	// Commit commits the transaction.
	Commit(ctx context.Context) error

	// Rollback aborts the transaction. Safe to call after Commit.
	Rollback(ctx context.Context) error
}

// Hook runs after a successful commit.
type Hook func(ctx context.Context) error

// Coordinator aggregates inner contexts and starts units of work over them.
type Coordinator struct {
	contexts []Context
	logger   *slog.Logger
}

// NewCoordinator creates a coordinator. Context names must be unique.
func NewCoordinator(contexts ...Context) (*Coordinator, error) {
	seen := make(map[string]struct{}, len(contexts))
	for _, c := range contexts {
		if _, ok := seen[c.Name()]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateContext, c.Name())
		}
		seen[c.Name()] = struct{}{}
	}
	return &Coordinator{
		contexts: contexts,
		logger:   slog.Default().With("component", "uow"),
	}, nil
}

// WithLogger sets a custom logger.
func (c *Coordinator) WithLogger(l *slog.Logger) *Coordinator {
	c.logger = l
	return c
}

// Pseudo reports whether every inner context is pseudo-transactional.
// A coordinator without contexts is pseudo.
func (c *Coordinator) Pseudo() bool {
	for _, ic := range c.contexts {
		if !ic.Pseudo() {
			return false
		}
	}
	return true
}

// Begin starts a unit of work. If any inner transaction fails to start,
// the ones already started are rolled back.
func (c *Coordinator) Begin(ctx context.Context) (*UnitOfWork, error) {
	u := &UnitOfWork{
		coord: c,
		ctx:   ctx,
		locks: make(map[string]*semaphore.Weighted, len(c.contexts)),
		cache: newCache(),
	}
	for _, ic := range c.contexts {
		tx, err := ic.Begin(ctx)
		if err != nil {
			rbErr := u.rollbackAll(ctx)
			return nil, errors.Join(fmt.Errorf("begin %s: %w", ic.Name(), err), rbErr)
		}
		u.txs = append(u.txs, namedTx{name: ic.Name(), tx: tx})
		sem := semaphore.NewWeighted(1)
		u.locks[ic.Name()] = sem
		u.ctx = tx.Bind(u.ctx)
		if lt, ok := tx.(lockedTx); ok {
			u.ctx = withLock(u.ctx, lt.lockKey(), sem)
		}
	}
	return u, nil
}

// Execute runs fn inside a unit of work.
//
// The unit of work is completed if fn returns nil and rolled back if fn
// returns an error or panics (the panic is re-raised).
func (c *Coordinator) Execute(ctx context.Context, fn func(ctx context.Context, u *UnitOfWork) error) error {
	u, err := c.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = u.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(u.Context(), u); err != nil {
		if rbErr := u.Rollback(ctx); rbErr != nil {
			c.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	return u.Complete(ctx)
}

type namedTx struct {
	name string
	tx   Tx
}

// UnitOfWork is one logical transaction over all inner contexts.
type UnitOfWork struct {
	coord *Coordinator
	ctx   context.Context
	txs   []namedTx
	locks map[string]*semaphore.Weighted
	cache *Cache

	mu    sync.Mutex
	hooks []Hook
	done  bool
}

// Context returns the context carrying every inner transaction.
func (u *UnitOfWork) Context() context.Context {
	return u.ctx
}

// Pseudo reports whether the unit of work is pseudo-transactional.
func (u *UnitOfWork) Pseudo() bool {
	return u.coord.Pseudo()
}

// Cache returns the per-transaction entity cache.
func (u *UnitOfWork) Cache() *Cache {
	return u.cache
}

// OnCompleted registers a hook to run after a successful commit.
// Hooks run in registration order and are dropped on rollback.
func (u *UnitOfWork) OnCompleted(h Hook) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return ErrCompleted
	}
	u.hooks = append(u.hooks, h)
	return nil
}

// Guard runs fn while holding the write lock of the named inner context.
// Store calls made by fn with the context it receives skip the lock, so fn
// must not hand that context to other goroutines.
func (u *UnitOfWork) Guard(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	sem, ok := u.locks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContext, name)
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire %s: %w", name, err)
	}
	defer sem.Release(1)
	return fn(held(ctx, sem))
}

// Complete commits every inner transaction in order and runs the
// post-commit hooks. When a commit fails the remaining transactions are
// rolled back and hooks do not run. Hook errors are logged, not returned:
// the business change is already durable at that point.
func (u *UnitOfWork) Complete(ctx context.Context) error {
	hooks, err := u.finish()
	if err != nil {
		return err
	}
	defer u.cache.clear()

	for i, t := range u.txs {
		if err := t.tx.Commit(ctx); err != nil {
			var rbErr error
			for _, rest := range u.txs[i+1:] {
				rbErr = errors.Join(rbErr, rest.tx.Rollback(ctx))
			}
			return errors.Join(fmt.Errorf("commit %s: %w", t.name, err), rbErr)
		}
	}

	for _, h := range hooks {
		if err := h(ctx); err != nil {
			u.coord.logger.Error("post-commit hook failed", "error", err)
		}
	}
	return nil
}

// Rollback aborts every inner transaction and discards hooks.
func (u *UnitOfWork) Rollback(ctx context.Context) error {
	if _, err := u.finish(); err != nil {
		return err
	}
	defer u.cache.clear()
	return u.rollbackAll(ctx)
}

func (u *UnitOfWork) finish() ([]Hook, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return nil, ErrCompleted
	}
	u.done = true
	hooks := u.hooks
	u.hooks = nil
	return hooks, nil
}

func (u *UnitOfWork) rollbackAll(ctx context.Context) error {
	var err error
	for i := len(u.txs) - 1; i >= 0; i-- {
		if rbErr := u.txs[i].tx.Rollback(ctx); rbErr != nil {
			err = errors.Join(err, fmt.Errorf("rollback %s: %w", u.txs[i].name, rbErr))
		}
	}
	return err
}
