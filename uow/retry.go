package uow

import (
	"context"
	"errors"
	"fmt"

	"github.com/rbaliyan/mailbox/store"
)

// RetryOnConflict runs fn in a fresh unit of work until it completes
// without a version conflict, at most attempts times.
//
// Each attempt gets a new UnitOfWork, and therefore an empty cache, so
// nothing read before the conflict is reused. Errors other than
// store.ErrVersionConflict are returned immediately.
func RetryOnConflict(ctx context.Context, c *Coordinator, attempts int, fn func(ctx context.Context, u *UnitOfWork) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = c.Execute(ctx, fn)
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		c.logger.Debug("version conflict, retrying unit of work", "attempt", i+1, "error", err)
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}
