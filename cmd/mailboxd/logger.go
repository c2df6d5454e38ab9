package main

import (
	"fmt"
	"log/slog"

	"github.com/rbaliyan/mailbox/config"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// newLogger builds a zap logger from cfg and exposes it through slog,
// which every mailbox component logs to. The returned func flushes zap.
func newLogger(cfg config.LogConfig) (*slog.Logger, func(), error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Format == "console" {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zcfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         cfg.Format,
		EncoderConfig:    encCfg,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	zl, err := zcfg.Build()
	if err != nil {
		return nil, nil, err
	}

	handler := zapslog.NewHandler(zl.Core(), zapslog.WithName("mailboxd"), zapslog.WithCaller(true))
	return slog.New(handler), func() { _ = zl.Sync() }, nil
}
