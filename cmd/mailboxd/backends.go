package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/dgraph-io/badger/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rbaliyan/mailbox/codec"
	"github.com/rbaliyan/mailbox/config"
	"github.com/rbaliyan/mailbox/ratelimit"
	"github.com/rbaliyan/mailbox/store"
	badgerstore "github.com/rbaliyan/mailbox/store/badger"
	"github.com/rbaliyan/mailbox/store/memory"
	mongostore "github.com/rbaliyan/mailbox/store/mongodb"
	"github.com/rbaliyan/mailbox/store/postgres"
	redisstore "github.com/rbaliyan/mailbox/store/redis"
	"github.com/rbaliyan/mailbox/transport"
	"github.com/rbaliyan/mailbox/transport/breaker"
	"github.com/rbaliyan/mailbox/transport/channel"
	kafkatransport "github.com/rbaliyan/mailbox/transport/kafka"
	natstransport "github.com/rbaliyan/mailbox/transport/nats"
	"github.com/rbaliyan/mailbox/transport/rabbitmq"
	redistransport "github.com/rbaliyan/mailbox/transport/redis"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// backends holds the connections opened for one run. close releases them
// in reverse order of opening. The transport is closed by the service.
type backends struct {
	outbox    store.Store
	inbox     store.Store
	transport transport.Transport
	limiter   ratelimit.Limiter
	redis     redis.UniversalClient
	closers   []func(ctx context.Context) error
}

func (b *backends) onClose(fn func(ctx context.Context) error) {
	b.closers = append(b.closers, fn)
}

func (b *backends) close(ctx context.Context) error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// openBackends connects the store, the transport and the limiter selected
// by cfg. On error everything opened so far is closed.
func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			_ = b.close(context.WithoutCancel(ctx))
		}
	}()

	if err := b.openStores(ctx, cfg.Store, logger); err != nil {
		return nil, fmt.Errorf("store %s: %w", cfg.Store.Backend, err)
	}
	if err := b.openTransport(ctx, cfg, logger); err != nil {
		return nil, fmt.Errorf("transport %s: %w", cfg.Transport.Kind, err)
	}
	b.openLimiter(cfg)
	return b, nil
}

// redisClient returns the shared Redis client, connecting on first use.
func (b *backends) redisClient(cfg config.RedisConfig) redis.UniversalClient {
	if b.redis == nil {
		b.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		client := b.redis
		b.onClose(func(context.Context) error { return client.Close() })
	}
	return b.redis
}

func (b *backends) openStores(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) error {
	switch cfg.Backend {
	case config.StoreMemory:
		b.outbox, b.inbox = memory.New(), memory.New()

	case config.StorePostgres:
		db, err := sql.Open("pgx", cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		b.onClose(func(context.Context) error { return db.Close() })
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		outboxStore := postgres.New(db, cfg.Postgres.OutboxTable)
		inboxStore := postgres.New(db, cfg.Postgres.InboxTable)
		if cfg.Postgres.Migrate {
			if err := outboxStore.CreateTable(ctx); err != nil {
				return err
			}
			if err := inboxStore.CreateTable(ctx); err != nil {
				return err
			}
		}
		b.outbox, b.inbox = outboxStore, inboxStore

	case config.StoreMongoDB:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDB.URI))
		if err != nil {
			return err
		}
		b.onClose(client.Disconnect)
		db := client.Database(cfg.MongoDB.Database)
		outboxStore := mongostore.New(db.Collection(cfg.MongoDB.OutboxCollection))
		inboxStore := mongostore.New(db.Collection(cfg.MongoDB.InboxCollection))
		if err := outboxStore.EnsureIndexes(ctx); err != nil {
			return err
		}
		if err := inboxStore.EnsureIndexes(ctx); err != nil {
			return err
		}
		b.outbox, b.inbox = outboxStore, inboxStore

	case config.StoreRedis:
		client := b.redisClient(cfg.Redis)
		if err := client.Ping(ctx).Err(); err != nil {
			return err
		}
		b.outbox = redisstore.New(client).WithKeyPrefix(cfg.Redis.OutboxPrefix)
		b.inbox = redisstore.New(client).WithKeyPrefix(cfg.Redis.InboxPrefix)

	case config.StoreBadger:
		opts := badger.DefaultOptions(cfg.Badger.Dir).WithLogger(nil)
		if cfg.Badger.Dir == "" {
			opts = opts.WithInMemory(true)
			logger.Warn("badger directory not set, running in memory")
		}
		db, err := badger.Open(opts)
		if err != nil {
			return err
		}
		b.onClose(func(context.Context) error { return db.Close() })
		b.outbox = badgerstore.New(db, cfg.Badger.OutboxPrefix)
		b.inbox = badgerstore.New(db, cfg.Badger.InboxPrefix)

	default:
		return fmt.Errorf("unsupported backend %q", cfg.Backend)
	}
	logger.Info("store ready", "backend", cfg.Backend)
	return nil
}

func (b *backends) openTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tc := cfg.Transport
	c, err := codec.ByName(tc.Codec)
	if err != nil {
		return err
	}
	tlog := logger.With("component", "transport."+tc.Kind)

	var t transport.Transport
	switch tc.Kind {
	case config.TransportChannel:
		t = channel.New(channel.WithLogger(tlog))

	case config.TransportKafka:
		sc := sarama.NewConfig()
		sc.Consumer.Offsets.AutoCommit.Enable = false
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
		sc.Producer.Return.Successes = true
		sc.Producer.RequiredAcks = sarama.WaitForAll
		client, err := sarama.NewClient(tc.Kafka.Brokers, sc)
		if err != nil {
			return err
		}
		b.onClose(func(context.Context) error { return client.Close() })
		t, err = kafkatransport.New(client,
			kafkatransport.WithCodec(c),
			kafkatransport.WithTopic(tc.Kafka.Topic),
			kafkatransport.WithConsumerGroup(tc.Kafka.GroupID),
			kafkatransport.WithLogger(tlog))
		if err != nil {
			return err
		}

	case config.TransportNATS:
		conn, err := nats.Connect(tc.NATS.URL, nats.Name("mailboxd"))
		if err != nil {
			return err
		}
		b.onClose(func(context.Context) error { conn.Close(); return nil })
		t, err = natstransport.New(ctx, conn,
			natstransport.WithCodec(c),
			natstransport.WithStream(tc.NATS.Stream, tc.NATS.SubjectPrefix),
			natstransport.WithReplicas(tc.NATS.Replicas),
			natstransport.WithMaxAge(tc.NATS.MaxAge),
			natstransport.WithLogger(tlog))
		if err != nil {
			return err
		}

	case config.TransportRabbitMQ:
		conn, err := amqp.Dial(tc.RabbitMQ.URL)
		if err != nil {
			return err
		}
		b.onClose(func(context.Context) error { return conn.Close() })
		ch, err := conn.Channel()
		if err != nil {
			return err
		}
		t, err = rabbitmq.New(ch,
			rabbitmq.WithCodec(c),
			rabbitmq.WithExchange(tc.RabbitMQ.Exchange),
			rabbitmq.WithPrefetch(tc.RabbitMQ.Prefetch),
			rabbitmq.WithLogger(tlog))
		if err != nil {
			return err
		}

	case config.TransportRedis:
		rc := tc.Redis
		t, err = redistransport.New(b.redisClient(cfg.Store.Redis),
			redistransport.WithCodec(c),
			redistransport.WithStream(rc.Stream),
			redistransport.WithConsumerGroup(rc.GroupID),
			redistransport.WithConsumerName(rc.Consumer),
			redistransport.WithMaxLen(rc.MaxLen),
			redistransport.WithMaxAge(rc.MaxAge),
			redistransport.WithClaimInterval(rc.ClaimInterval, rc.ClaimMinIdle),
			redistransport.WithLogger(tlog))
		if err != nil {
			return err
		}

	default:
		return fmt.Errorf("unsupported transport %q", tc.Kind)
	}

	if tc.Breaker {
		t = breaker.New("mailbox."+tc.Kind, t, breaker.DefaultConfig()).WithLogger(tlog)
	}
	b.transport = t
	logger.Info("transport ready", "kind", tc.Kind, "codec", c.Name(), "breaker", tc.Breaker)
	return nil
}

// openLimiter throttles the dispatcher when a rate is configured. The
// distributed limiter converts RPS into sends per window.
func (b *backends) openLimiter(cfg *config.Config) {
	rl := cfg.RateLimit
	if rl.RPS <= 0 {
		return
	}
	if rl.Distributed {
		limit := max(int(rl.RPS*rl.Window.Seconds()), 1)
		b.limiter = ratelimit.NewRedisLimiter(b.redisClient(cfg.Store.Redis), "outbox", limit, rl.Window)
		return
	}
	b.limiter = ratelimit.NewTokenBucket(rl.RPS, rl.Burst)
}

// shutdownContext bounds cleanup after the run context is cancelled.
func shutdownContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
