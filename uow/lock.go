package uow

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// lockCtxKey binds the write lock of one transaction handle into the unit of
// work context. key is the same value the handle is bound under.
type lockCtxKey struct {
	key any
}

// heldKey marks a context whose goroutine already holds sem.
type heldKey struct {
	sem *semaphore.Weighted
}

// lockedTx is implemented by transactions whose handle is unsafe for
// concurrent use. lockKey returns the key stores look the lock up with.
type lockedTx interface {
	lockKey() any
}

func withLock(ctx context.Context, key any, sem *semaphore.Weighted) context.Context {
	return context.WithValue(ctx, lockCtxKey{key: key}, sem)
}

func held(ctx context.Context, sem *semaphore.Weighted) context.Context {
	return context.WithValue(ctx, heldKey{sem: sem}, struct{}{})
}

// lock acquires the lock bound for key. It is a no-op without a unit of
// work, or inside Guard for the same context.
func lock(ctx context.Context, key any) (release func(), err error) {
	sem, ok := ctx.Value(lockCtxKey{key: key}).(*semaphore.Weighted)
	if !ok || ctx.Value(heldKey{sem: sem}) != nil {
		return func() {}, nil
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("uow lock: %w", err)
	}
	return func() { sem.Release(1) }, nil
}
