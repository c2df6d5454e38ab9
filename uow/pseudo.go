package uow

import "context"

// PseudoContext is an inner context without transactions, used for stores
// that apply every write immediately (in-memory, Redis). A coordinator made
// only of pseudo contexts defers outbox writes to post-commit hooks.
type PseudoContext struct {
	name string
}

// NewPseudoContext creates a pseudo-transactional inner context.
func NewPseudoContext(name string) *PseudoContext {
	return &PseudoContext{name: name}
}

// Name implements Context.
func (c *PseudoContext) Name() string { return c.name }

// Pseudo implements Context.
func (c *PseudoContext) Pseudo() bool { return true }

// Begin implements Context.
func (c *PseudoContext) Begin(context.Context) (Tx, error) {
	return pseudoTx{}, nil
}

type pseudoTx struct{}

func (pseudoTx) Bind(ctx context.Context) context.Context { return ctx }
func (pseudoTx) Commit(context.Context) error             { return nil }
func (pseudoTx) Rollback(context.Context) error           { return nil }

var _ Context = (*PseudoContext)(nil)
