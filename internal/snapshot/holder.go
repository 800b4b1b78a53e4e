// Package snapshot keeps the engine that serves queries and swaps it on reload.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"txtax/internal/allocation"
	"txtax/internal/backend"
	"txtax/internal/core"
)

type state struct {
	engine   *allocation.Engine
	version  int64
	loadedAt time.Time
}

// Holder publishes one immutable engine at a time. Readers never block on a reload and
// always see a single consistent dataset.
type Holder struct {
	loader  backend.Loader
	opts    allocation.Options
	current atomic.Pointer[state]
	reloads singleflight.Group
	version atomic.Int64
	failed  atomic.Int64

	// requests numbers Reload calls; a load covers every request numbered at or below
	// the value it read when it started.
	requests atomic.Int64
}

type loadResult struct {
	version int64
	covers  int64
}

func New(loader backend.Loader, opts allocation.Options) *Holder {
	return &Holder{loader: loader, opts: opts}
}

// Reload loads a fresh dataset and swaps it in. Concurrent calls share one load, but a
// call never settles for a load that started before it did. On failure the previous
// snapshot stays in place.
func (h *Holder) Reload(ctx context.Context) (int64, error) {
	seq := h.requests.Add(1)
	for {
		ch := h.reloads.DoChan("reload", func() (any, error) {
			return h.load(context.WithoutCancel(ctx))
		})

		var res singleflight.Result
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case res = <-ch:
		}

		lr := res.Val.(loadResult)
		if lr.covers < seq {
			slog.DebugContext(ctx, "Snapshot reload predates request, loading again")
			continue
		}
		if res.Err != nil {
			return 0, res.Err
		}
		return lr.version, nil
	}
}

func (h *Holder) load(ctx context.Context) (loadResult, error) {
	covers := h.requests.Load()
	start := time.Now()
	ds, err := h.loader.Load(ctx)
	if err != nil {
		h.failed.Add(1)
		return loadResult{covers: covers}, fmt.Errorf("reload snapshot: %w", err)
	}
	next := &state{
		engine:   allocation.New(ds, h.opts),
		version:  h.version.Add(1),
		loadedAt: time.Now().UTC(),
	}
	h.current.Store(next)

	slog.InfoContext(ctx, "Snapshot loaded",
		"version", next.version,
		"zip_codes", len(ds.Crosswalk),
		"counties", len(ds.Spending.Jurisdictions),
		"statewide_per_capita", ds.StatewidePerCapita,
		"cap_threshold", next.engine.CapThreshold(),
		"duration_ms", time.Since(start).Milliseconds())
	return loadResult{version: next.version, covers: covers}, nil
}

// GetAllocation answers from the current snapshot. Every call computes a fresh result.
func (h *Holder) GetAllocation(zip string) (core.ZipAllocationResult, error) {
	s := h.current.Load()
	if s == nil {
		return core.ZipAllocationResult{}, core.ErrNotReady
	}
	return s.engine.GetAllocation(zip)
}

func (h *Holder) Ready() bool { return h.current.Load() != nil }

// Version is 0 until the first successful load.
func (h *Holder) Version() int64 {
	if s := h.current.Load(); s != nil {
		return s.version
	}
	return 0
}

func (h *Holder) LoadedAt() time.Time {
	if s := h.current.Load(); s != nil {
		return s.loadedAt
	}
	return time.Time{}
}

// FailedReloads counts reloads that left the previous snapshot in place.
func (h *Holder) FailedReloads() int64 { return h.failed.Load() }
