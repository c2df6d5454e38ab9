package uow

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
)

// MongoContext is a MongoDB inner context. Its transactions are sessions
// bound into the context with mongo.NewSessionContext, so every collection
// call made with the unit of work context joins the transaction.
//
// Transactions require a replica set or sharded cluster.
type MongoContext struct {
	name   string
	client *mongo.Client
}

// NewMongoContext creates an inner context for client.
func NewMongoContext(name string, client *mongo.Client) *MongoContext {
	return &MongoContext{name: name, client: client}
}

// Name implements Context.
func (c *MongoContext) Name() string { return c.name }

// Pseudo implements Context.
func (c *MongoContext) Pseudo() bool { return false }

// Begin implements Context.
func (c *MongoContext) Begin(ctx context.Context) (Tx, error) {
	session, err := c.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	if err := session.StartTransaction(); err != nil {
		session.EndSession(ctx)
		return nil, fmt.Errorf("start transaction: %w", err)
	}
	return &mongoTx{client: c.client, session: session}, nil
}

type mongoSessionKey struct {
	client *mongo.Client
}

type mongoTx struct {
	client  *mongo.Client
	session mongo.Session
	ended   bool
}

func (t *mongoTx) Bind(ctx context.Context) context.Context {
	return mongo.NewSessionContext(ctx, t.session)
}

func (t *mongoTx) lockKey() any { return mongoSessionKey{client: t.client} }

func (t *mongoTx) Commit(ctx context.Context) error {
	defer t.end(ctx)
	return t.session.CommitTransaction(ctx)
}

func (t *mongoTx) Rollback(ctx context.Context) error {
	if t.ended {
		return nil
	}
	defer t.end(ctx)
	return t.session.AbortTransaction(ctx)
}

func (t *mongoTx) end(ctx context.Context) {
	if !t.ended {
		t.session.EndSession(ctx)
		t.ended = true
	}
}

// LockMongo acquires the lock of the client session carried by ctx.
// Sessions are not safe for concurrent use. Without a unit of work it does
// nothing.
func LockMongo(ctx context.Context, client *mongo.Client) (release func(), err error) {
	return lock(ctx, mongoSessionKey{client: client})
}

var _ Context = (*MongoContext)(nil)
