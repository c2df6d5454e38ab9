package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/mailbox"
	"github.com/rbaliyan/mailbox/config"
	"github.com/rbaliyan/mailbox/message"
	"github.com/rbaliyan/mailbox/ratelimit"
	"github.com/rbaliyan/mailbox/transport/breaker"
	redistransport "github.com/rbaliyan/mailbox/transport/redis"
)

func TestNewLogger(t *testing.T) {
	t.Run("json and console formats", func(t *testing.T) {
		for _, format := range []string{"json", "console"} {
			logger, flush, err := newLogger(config.LogConfig{Level: "debug", Format: format})
			if err != nil {
				t.Fatalf("%s: %v", format, err)
			}
			if !logger.Enabled(context.Background(), slog.LevelDebug) {
				t.Errorf("%s: expected debug to be enabled", format)
			}
			flush()
		}
	})

	t.Run("level filters", func(t *testing.T) {
		logger, flush, err := newLogger(config.LogConfig{Level: "warn", Format: "json"})
		if err != nil {
			t.Fatal(err)
		}
		defer flush()
		if logger.Enabled(context.Background(), slog.LevelInfo) {
			t.Error("expected info to be disabled at warn")
		}
	})

	t.Run("unknown level", func(t *testing.T) {
		if _, _, err := newLogger(config.LogConfig{Level: "loud", Format: "json"}); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestExampleConfig(t *testing.T) {
	t.Run("ships a valid configuration", func(t *testing.T) {
		cfg, err := config.Load("mailbox.yaml")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Store.Backend != config.StorePostgres || cfg.Transport.Kind != config.TransportKafka {
			t.Errorf("unexpected backends %s/%s", cfg.Store.Backend, cfg.Transport.Kind)
		}
		if cfg.Outbox.MaxRetryCount != 10 || cfg.Outbox.PollInterval != 2*time.Second {
			t.Errorf("unexpected outbox settings %+v", cfg.Outbox)
		}
	})
}

func TestOpenBackends(t *testing.T) {
	ctx := context.Background()

	t.Run("memory store over the channel transport", func(t *testing.T) {
		b, err := openBackends(ctx, config.Default(), slog.Default())
		if err != nil {
			t.Fatal(err)
		}
		defer b.close(ctx)
		if b.outbox == nil || b.inbox == nil || b.transport == nil {
			t.Fatal("expected stores and transport")
		}
		if b.outbox == b.inbox {
			t.Error("expected separate outbox and inbox stores")
		}
		if b.limiter != nil {
			t.Error("expected no limiter without a rate")
		}
	})

	t.Run("in-memory badger with a breaker and a local limiter", func(t *testing.T) {
		cfg := config.Default()
		cfg.Store.Backend = config.StoreBadger
		cfg.Transport.Breaker = true
		cfg.RateLimit.RPS = 100
		cfg.RateLimit.Burst = 10

		b, err := openBackends(ctx, cfg, slog.Default())
		if err != nil {
			t.Fatal(err)
		}
		defer b.close(ctx)
		if _, ok := b.transport.(*breaker.Transport); !ok {
			t.Errorf("expected a breaker, got %T", b.transport)
		}
		if _, ok := b.limiter.(*ratelimit.TokenBucket); !ok {
			t.Errorf("expected a token bucket, got %T", b.limiter)
		}
	})

	t.Run("redis store, stream transport and shared limiter use one client", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := config.Default()
		cfg.Store.Backend = config.StoreRedis
		cfg.Store.Redis.Addr = mr.Addr()
		cfg.Transport.Kind = config.TransportRedis
		cfg.RateLimit.RPS = 50
		cfg.RateLimit.Distributed = true

		b, err := openBackends(ctx, cfg, slog.Default())
		if err != nil {
			t.Fatal(err)
		}
		defer b.close(ctx)
		if _, ok := b.transport.(*redistransport.Transport); !ok {
			t.Errorf("expected the redis transport, got %T", b.transport)
		}
		if _, ok := b.limiter.(*ratelimit.RedisLimiter); !ok {
			t.Errorf("expected a redis limiter, got %T", b.limiter)
		}
		if len(b.closers) != 1 {
			t.Errorf("expected one shared client, got %d closers", len(b.closers))
		}
	})

	t.Run("unknown codec", func(t *testing.T) {
		cfg := config.Default()
		cfg.Transport.Codec = "xml"
		if _, err := openBackends(ctx, cfg, slog.Default()); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestDemo(t *testing.T) {
	t.Run("published orders reach the consumer", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		b, err := openBackends(ctx, config.Default(), slog.Default())
		if err != nil {
			t.Fatal(err)
		}
		routes, err := demoRoutes()
		if err != nil {
			t.Fatal(err)
		}
		consumers, err := demoConsumers(slog.Default())
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"order-log"}, consumers.Names()); diff != "" {
			t.Errorf("consumers mismatch (-want +got):\n%s", diff)
		}

		opts := config.Default().Outbox.Options()
		opts.IdleDelayMin, opts.IdleDelayMax = 0, 0
		svc, err := mailbox.NewService("demo",
			mailbox.WithTransport(b.transport),
			mailbox.WithOutbox(b.outbox, routes, opts),
			mailbox.WithInbox(b.inbox, consumers, opts))
		if err != nil {
			t.Fatal(err)
		}
		defer svc.Close(context.Background())

		done := make(chan error, 1)
		go func() { done <- svc.Run(ctx) }()
		go func() { _ = runDemo(ctx, svc.Producer(), 5*time.Millisecond, slog.Default()) }()

		deadline := time.Now().Add(2 * time.Second)
		for {
			n, err := b.inbox.Count(ctx, message.StatusProcessed)
			if err != nil {
				t.Fatal(err)
			}
			if n >= 3 {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("expected processed inbox rows, got %d", n)
			}
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
}
