package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"txtax/internal/allocation"
	"txtax/internal/amqp"
	"txtax/internal/backend"
	"txtax/internal/cli"
	"txtax/internal/core"
	apphttp "txtax/internal/http"
	"txtax/internal/log"
	"txtax/internal/snapshot"
)

func main() {
	cli.LoadEnvFile()
	cfg, logger := cli.LoadAndValidateConfig()

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		cli.Exit(logger, "Invalid backend configuration", err)
	}

	factory := backend.NewFactory(logger.WithComponent(log.ComponentBackend).Slog())
	result, err := factory.CreateBackend(context.Background(), backendCfg)
	if err != nil {
		cli.Exit(logger, "Failed to create data backend", err)
	}
	defer result.Close()

	holder := snapshot.New(result.Loader, allocation.Options{CapThreshold: cfg.HQBiasCapRatio})

	// The server starts even without data; /readyz reports 503 until a reload succeeds.
	if version, err := holder.Reload(context.Background()); err != nil {
		logger.Warn("Initial snapshot load failed, serving not-ready until refreshed", log.FieldError, err)
	} else {
		logger.Info("Initial snapshot loaded", log.FieldSnapshotVer, version, "backend", backendCfg.Type)
	}

	srvOpts := apphttp.Options{
		Region:             core.NewRegion(cfg.RegionZipPrefixes),
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Logger:             logger,
	}
	if result.Repository != nil {
		srvOpts.RunHistory = result.Repository
	}
	srv := apphttp.NewServer(":"+cfg.Port, holder, srvOpts)

	var consumer *amqp.Client
	if cfg.AMQPEnabled() {
		consumer, err = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Warn("AMQP unavailable, reload on refresh disabled", log.FieldError, err)
			consumer = nil
		}
	}

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(shutdownCtx context.Context) {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err)
		}
		if consumer != nil {
			if err := consumer.Close(); err != nil {
				logger.Warn("AMQP close error", log.FieldError, err)
			}
		}
	})

	go reloadOnSignal(ctx, logger, holder)

	if consumer != nil {
		amqpLogger := logger.WithComponent(log.ComponentAMQP)
		go func() {
			err := consumer.ConsumeDatasetRefreshed(ctx, func(ctx context.Context, msg *amqp.DatasetRefreshedMessage) error {
				version, err := holder.Reload(ctx)
				if err != nil {
					return err
				}
				amqpLogger.InfoContext(ctx, "Snapshot reloaded after refresh",
					log.FieldRunID, msg.RunID,
					log.FieldSnapshotVer, version,
					"datasets", msg.Datasets)
				return nil
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				amqpLogger.Error("Refresh consumer stopped", log.FieldError, err)
			}
		}()
	}

	logger.Info("Starting txtax server", "port", cfg.Port, "backend", backendCfg.Type)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", log.FieldError, err, "port", cfg.Port)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}

// reloadOnSignal reloads the snapshot whenever the process receives SIGHUP.
func reloadOnSignal(ctx context.Context, logger *log.Logger, holder *snapshot.Holder) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			version, err := holder.Reload(ctx)
			if err != nil {
				logger.Error("Snapshot reload failed", log.FieldError, err, "failed_reloads", holder.FailedReloads())
				continue
			}
			logger.Info("Snapshot reloaded", log.FieldSnapshotVer, version)
		}
	}
}
