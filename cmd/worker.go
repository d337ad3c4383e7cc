package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/lorekeep/lorekeep/internal/app"
)

// runWorker initializes the application and runs the indexing worker until
// SIGINT or SIGTERM. Migrations are applied as part of app construction.
func runWorker() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := slog.Default()
	logger.Info("starting indexing worker", "version", AppVersion)

	a, err := app.New(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	status := a.Embedder.CheckAvailability(ctx)
	if !status.Available {
		logger.Warn("embedding provider unreachable at startup; files will fail until it recovers",
			"provider", status.Provider, "reason", status.Reason)
	} else if status.UsingFallback {
		logger.Info("primary embedding provider down, using fallback", "provider", status.Provider)
	}

	logger.Info("worker ready",
		"queue", "index-file",
		"poll_interval", a.Config.Queue.PollInterval,
		"job_timeout", a.Config.Queue.JobTimeout,
	)

	// Run blocks until the context is cancelled, then drains the in-flight
	// job within the configured window.
	if err := a.Worker.Run(ctx); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	logger.Info("worker stopped")
	return nil
}
