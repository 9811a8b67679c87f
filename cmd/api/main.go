package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/onexay/diagram-share/internal/config"
	"github.com/onexay/diagram-share/internal/httpserver"
)

func main() {
	cfg := config.Load()
	logger := httpserver.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := httpserver.NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server terminated", slog.Any("error", err))
		os.Exit(1)
	}
}
