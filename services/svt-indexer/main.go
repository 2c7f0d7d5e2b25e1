package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"svtchain/observability/logging"
)

func main() {
	env := strings.TrimSpace(os.Getenv("SVT_ENV"))
	logger := logging.Setup("svt-indexer", env)

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		fatal(logger, "load config", err)
	}
	if cfg.AdminToken == "" {
		logger.Warn("admin token not set; subscription management is disabled")
	}

	store, err := NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		fatal(logger, "open event archive", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("close event archive", "error", err)
		}
	}()

	endpoints, err := NewEndpointStore(cfg.EndpointDBPath)
	if err != nil {
		fatal(logger, "open endpoint store", err)
	}
	defer func() {
		if err := endpoints.Close(); err != nil {
			logger.Error("close endpoint store", "error", err)
		}
	}()

	queue := NewDeliveryQueue(
		WithQueueCapacity(cfg.QueueCapacity),
		WithQueueTTL(cfg.QueueTTL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	follower := NewChainFollower(store, queue, cfg.NodeWSURL, cfg.ReconnectDelay, logger)
	go follower.Run(ctx)

	worker := NewDeliveryWorker(store, endpoints, queue, logger)
	go worker.Run(ctx)

	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      NewServer(store, endpoints, queue, cfg.AdminToken),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("indexer listening", "addr", cfg.ListenAddress, "node", cfg.NodeWSURL)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "serve", err)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	logger.Info("indexer stopped")
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
