// Command mailboxd runs the outbox dispatcher, the inbox worker and the
// cleanup sweepers against the store and broker named in its
// configuration.
//
// Usage:
//
//	mailboxd -config mailbox.yaml
//	mailboxd -demo 1s    # publish and consume sample orders
//
// Connection settings can be overridden by MAILBOX_* environment
// variables (see package config).
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rbaliyan/mailbox"
	"github.com/rbaliyan/mailbox/config"
	"github.com/rbaliyan/mailbox/inbox"
	"github.com/rbaliyan/mailbox/outbox"
	"golang.org/x/sync/errgroup"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	name := flag.String("name", "mailboxd", "Service name, used as the default outbox producer")
	demo := flag.Duration("demo", 0, "Publish a sample order at this interval (0 disables)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, flush, err := newLogger(cfg.Log)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	defer flush()
	slog.SetDefault(logger)

	if err := run(cfg, *name, *demo, logger); err != nil {
		logger.Error("mailboxd stopped", "error", err)
		flush()
		os.Exit(1)
	}
}

func run(cfg *config.Config, name string, demo time.Duration, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := shutdownContext(cfg.ShutdownTimeout)
		defer cancel()
		if err := b.close(sctx); err != nil {
			logger.Error("failed to close backends", "error", err)
		}
	}()

	routes, consumers := outbox.NewRegistry(), inbox.NewRegistry()
	if demo > 0 {
		if routes, err = demoRoutes(); err != nil {
			return err
		}
		if consumers, err = demoConsumers(logger); err != nil {
			return err
		}
	}

	opts := []mailbox.ServiceOption{
		mailbox.WithTransport(b.transport),
		mailbox.WithLogger(logger),
	}
	if cfg.Outbox.Enabled {
		opts = append(opts, mailbox.WithOutbox(b.outbox, routes, cfg.Outbox.Options()))
	}
	if cfg.Inbox.Enabled {
		opts = append(opts, mailbox.WithInbox(b.inbox, consumers, cfg.Inbox.Options()))
	}
	if cfg.Cleanup.Enabled {
		opts = append(opts, mailbox.WithCleanup(cfg.Cleanup.Options()))
	}
	if b.limiter != nil {
		opts = append(opts, mailbox.WithLimiter(b.limiter))
	}

	svc, err := mailbox.NewService(name, opts...)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := shutdownContext(cfg.ShutdownTimeout)
		defer cancel()
		if err := svc.Close(sctx); err != nil {
			logger.Error("failed to close service", "error", err)
		}
	}()

	logger.Info("mailboxd starting",
		"id", svc.ID(),
		"store", cfg.Store.Backend,
		"transport", cfg.Transport.Kind,
		"outbox", cfg.Outbox.Enabled,
		"inbox", cfg.Inbox.Enabled,
		"cleanup", cfg.Cleanup.Enabled)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	if demo > 0 && svc.Producer() != nil {
		g.Go(func() error {
			return runDemo(gctx, svc.Producer(), demo, logger)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("mailboxd shutting down")
	return err
}
