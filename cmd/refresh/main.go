// Command refresh rebuilds every dataset artifact. Artifacts are replaced only
// when all sources succeed. With REFRESH_INTERVAL set it keeps running and
// refreshes on that schedule.
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"txtax/internal/cli"
	"txtax/internal/config"
	"txtax/internal/refresh"
	"txtax/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	if config.Load().RefreshInterval <= 0 {
		cli.RunIngestion("refresh", true, (*refresh.Runner).All)
		return
	}

	cfg, logger := cli.LoadAndValidateConfig()
	if err := cfg.RequireCensusKey(); err != nil {
		cli.Exit(logger, "Census API key missing", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, cleanup, err := cli.NewRefreshRunner(ctx, cfg, logger)
	defer cleanup()
	if err != nil {
		cleanup()
		cli.Exit(logger, "Failed to initialize refresh", err)
	}

	if err := worker.NewRefreshWorker(runner, cfg.RefreshInterval, logger).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Refresh worker stopped", "error", err)
	}
}
