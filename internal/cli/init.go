// Package cli provides common CLI initialization utilities shared by the
// query server and the ingestion commands.
package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"txtax/internal/amqp"
	"txtax/internal/artifact"
	"txtax/internal/config"
	"txtax/internal/log"
	"txtax/internal/refresh"
	gsheet "txtax/internal/sheets/google"
	"txtax/internal/storage"
	"txtax/internal/upstream"
)

// SetupLogger initializes structured logging at the given level and sets it as
// the default logger.
func SetupLogger(level string) *log.Logger {
	logger := log.New(log.Config{
		Level:     log.ParseLevel(level),
		Component: log.ComponentApp,
		Output:    os.Stdout,
	})
	log.SetDefault(logger)
	return logger
}

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadAndValidateConfig loads configuration and validates it.
// Returns the config or exits the process on validation failure.
func LoadAndValidateConfig() (*config.Config, *log.Logger) {
	cfg := config.Load()
	logger := SetupLogger(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}
	return cfg, logger
}

// Exit logs err and terminates the process with a non-zero status.
func Exit(logger *log.Logger, msg string, err error) {
	logger.Error(msg, log.FieldError, err)
	os.Exit(1)
}

// NewRefreshRunner wires the upstream clients and the optional sqlite store,
// AMQP publisher and Sheets exporter from configuration. The returned cleanup
// releases whatever was opened.
func NewRefreshRunner(ctx context.Context, cfg *config.Config, logger *log.Logger) (*refresh.Runner, func(), error) {
	client := upstream.NewClient(upstream.Options{
		Timeout: cfg.FetchTimeout,
		Retries: cfg.FetchRetries,
	})

	deps := refresh.Deps{
		Census:       upstream.NewCensusClient(client, cfg.CensusACSURL, cfg.CensusAPIKey, cfg.StateFips),
		Relationship: upstream.NewRelationshipClient(client, cfg.RelationshipURL, cfg.StateFips),
		Spending:     upstream.NewSpendingClient(client, cfg.SpendingURL, cfg.SODAAppToken),
		Paths:        artifact.Paths{Dir: cfg.DataDir},
		PageSize:     cfg.SpendingPageSize,
		Logger:       logger,
	}

	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("Cleanup failed", log.FieldError, err)
			}
		}
	}

	if cfg.DataBackend == "sqlite" {
		repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, repo.Close)
		deps.Repository = repo
		logger.Info("SQLite snapshot store enabled", "path", cfg.SQLiteDBPath)
	}

	if cfg.AMQPEnabled() {
		// Notifications are best effort; a refresh still writes artifacts without a broker.
		publisher, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Warn("AMQP unavailable, refresh notifications disabled", log.FieldError, err)
		} else {
			closers = append(closers, publisher.Close)
			deps.Publisher = publisher
		}
	}

	if cfg.SheetsEnabled() {
		exporter, err := gsheet.New(ctx, cfg.GoogleSpreadsheetID, cfg.GoogleSheetName, gsheet.Credentials{
			JSON: cfg.GoogleServiceAccountJSON,
			File: cfg.GoogleServiceAccountFile,
		})
		if err != nil {
			return nil, cleanup, err
		}
		deps.Exporter = exporter
		logger.Info("Google Sheets export enabled", "spreadsheet_id", cfg.GoogleSpreadsheetID)
	}

	return refresh.New(deps), cleanup, nil
}

// RunIngestion runs one refresh step with signal-aware cancellation and exits
// non-zero on failure.
func RunIngestion(name string, needsCensusKey bool, step func(*refresh.Runner, context.Context) (*refresh.Result, error)) {
	LoadEnvFile()
	cfg, logger := LoadAndValidateConfig()
	logger.Info("Starting " + name)

	if needsCensusKey {
		if err := cfg.RequireCensusKey(); err != nil {
			Exit(logger, "Census API key missing", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, cleanup, err := NewRefreshRunner(ctx, cfg, logger)
	defer cleanup()
	if err != nil {
		cleanup()
		Exit(logger, "Failed to initialize "+name, err)
	}

	start := time.Now()
	res, err := step(runner, ctx)
	if err != nil {
		cleanup()
		if errors.Is(err, context.Canceled) {
			Exit(logger, name+" interrupted", err)
		}
		Exit(logger, name+" failed", err)
	}
	logger.Info(name+" complete",
		log.FieldRunID, res.RunID,
		"data_dir", cfg.DataDir,
		log.FieldDuration, time.Since(start).Milliseconds())
}

// GracefulShutdown sets up signal handling for graceful shutdown.
// Returns a context that will be cancelled on shutdown signals,
// and a channel that signals when shutdown is complete.
func GracefulShutdown(logger *log.Logger, timeout time.Duration, cleanup func(context.Context)) (context.Context, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
		defer shutdownCancel()

		cancel()

		if cleanup != nil {
			cleanup(shutdownCtx)
		}

		if shutdownCtx.Err() != nil {
			logger.Warn("Shutdown timeout reached")
		} else {
			logger.Info("Shutdown complete")
		}
		close(done)
	}()

	return ctx, done
}

// WaitForShutdown blocks until the context is cancelled.
func WaitForShutdown(ctx context.Context, done <-chan struct{}) {
	<-ctx.Done()
	<-done
}
