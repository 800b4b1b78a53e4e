// Package worker runs dataset refreshes on a schedule.
package worker

import (
	"context"
	"errors"
	"time"

	"txtax/internal/log"
	"txtax/internal/refresh"
)

// Refresher runs one complete refresh.
type Refresher interface {
	All(ctx context.Context) (*refresh.Result, error)
}

// RefreshWorker refreshes every dataset once on start and then on each tick.
// A failed run keeps the previous artifacts and waits for the next tick.
type RefreshWorker struct {
	refresher Refresher
	interval  time.Duration
	logger    *log.Logger

	runs     int
	failures int
}

func NewRefreshWorker(refresher Refresher, interval time.Duration, logger *log.Logger) *RefreshWorker {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	return &RefreshWorker{
		refresher: refresher,
		interval:  interval,
		logger:    logger.WithComponent(log.ComponentRefresh),
	}
}

// Run blocks until ctx is cancelled.
func (w *RefreshWorker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Refresh worker started", "interval", w.interval.String())

	w.runOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Refresh worker stopped", "runs", w.runs, "failures", w.failures)
			return ctx.Err()
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *RefreshWorker) runOnce(ctx context.Context) {
	w.runs++
	start := time.Now()

	res, err := w.refresher.All(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		w.failures++
		w.logger.ErrorContext(ctx, "Scheduled refresh failed, keeping previous artifacts",
			log.FieldError, err,
			"consecutive_failures", w.failures)
		return
	}

	w.failures = 0
	w.logger.InfoContext(ctx, "Scheduled refresh complete",
		log.FieldRunID, res.RunID,
		log.FieldDuration, time.Since(start).Milliseconds())
}
