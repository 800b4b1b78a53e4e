package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"txtax/internal/core"
	"txtax/internal/log"
)

// CacheControl is sent with every successful estimate; results only change on refresh.
const CacheControl = "public, s-maxage=86400, stale-while-revalidate=604800"

type appMetrics struct {
	uptime      time.Time
	estimates   int64
	notFound    int64
	badRequests int64
	notReady    int64
}

func newAppMetrics() *appMetrics {
	return &appMetrics{uptime: time.Now()}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusForError maps domain errors onto HTTP statuses and public messages.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrInvalidInput):
		return http.StatusBadRequest, "Invalid ZIP code format. Must be 5 digits."
	case errors.Is(err, core.ErrOutOfRegion):
		return http.StatusNotFound, "ZIP code is not in Texas."
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, "No spending data found for this ZIP code."
	case errors.Is(err, core.ErrNotReady):
		return http.StatusServiceUnavailable, "Spending data is loading. Please try again shortly."
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// handleSpending returns the allocation estimate for one ZIP code.
func (s *Server) handleSpending(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	zip := r.PathValue("zipcode")

	if err := s.region.ValidateZip(zip); err != nil {
		s.countError(err)
		status, msg := statusForError(err)
		writeError(w, status, msg)
		return
	}

	result, err := s.provider.GetAllocation(zip)
	if err != nil {
		s.countError(err)
		status, msg := statusForError(err)
		logger := log.FromContext(ctx)
		if status >= 500 {
			logger.ErrorContext(ctx, "Allocation failed", log.FieldZipCode, zip, log.FieldError, err)
		} else {
			logger.DebugContext(ctx, "Allocation unavailable", log.FieldZipCode, zip, log.FieldError, err)
		}
		writeError(w, status, msg)
		return
	}

	atomic.AddInt64(&s.appMetrics.estimates, 1)
	w.Header().Set("Cache-Control", CacheControl)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) countError(err error) {
	switch {
	case errors.Is(err, core.ErrInvalidInput):
		atomic.AddInt64(&s.appMetrics.badRequests, 1)
	case errors.Is(err, core.ErrOutOfRegion), errors.Is(err, core.ErrNotFound):
		atomic.AddInt64(&s.appMetrics.notFound, 1)
	case errors.Is(err, core.ErrNotReady):
		atomic.AddInt64(&s.appMetrics.notReady, 1)
	}
}

func (s *Server) handleRateLimited(w http.ResponseWriter, r *http.Request) {
	log.FromContext(r.Context()).WarnContext(r.Context(), "Rate limit exceeded",
		log.FieldClientIP, s.securityDetector.ExtractClientIP(r),
		log.FieldPath, r.URL.Path)
	writeError(w, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.")
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "Not found")
}

// handleHealth performs basic liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.appMetrics.uptime).Round(time.Second).String(),
	})
}

// handleReady reports whether a snapshot is loaded
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]any{"snapshot": "not loaded"}
	if s.history != nil {
		checks["lastRefresh"] = s.lastRefresh(r)
	}
	if !s.provider.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"checks": checks,
		})
		return
	}
	checks["snapshot"] = map[string]any{
		"version":  s.provider.Version(),
		"loadedAt": s.provider.LoadedAt().Format(time.RFC3339),
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"checks": checks,
	})
}

// lastRefresh summarizes the newest recorded refresh run. It is informational and
// never affects readiness.
func (s *Server) lastRefresh(r *http.Request) any {
	runs, err := s.history.RecentRuns(r.Context(), 1)
	if err != nil {
		s.logger.WarnContext(r.Context(), "Failed to read refresh history", log.FieldError, err)
		return "unavailable"
	}
	if len(runs) == 0 {
		return "none"
	}
	run := runs[0]
	out := map[string]any{
		"id":        run.ID,
		"dataset":   run.Dataset,
		"status":    run.Status,
		"startedAt": run.StartedAt.Format(time.RFC3339),
	}
	if !run.FinishedAt.IsZero() {
		out["finishedAt"] = run.FinishedAt.Format(time.RFC3339)
	}
	if run.Error != "" {
		out["error"] = run.Error
	}
	return out
}

// handleMetrics provides application and security metrics in plain text format
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	traceMetrics := s.traceMiddleware.GetMetrics()
	rateLimitMetrics := s.rateLimiter.GetMetrics()
	securityMetrics := s.securityDetector.GetMetrics()

	ready := 0
	if s.provider.Ready() {
		ready = 1
	}

	w.WriteHeader(http.StatusOK)

	counter := func(name, help string, v int64) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s counter\n", name)
		fmt.Fprintf(w, "%s %d\n\n", name, v)
	}
	gauge := func(name, help string, v int64) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s gauge\n", name)
		fmt.Fprintf(w, "%s %d\n\n", name, v)
	}

	counter("http_requests_total", "Total number of HTTP requests", traceMetrics.TotalRequests)
	counter("http_server_errors_total", "Responses with a 5xx status", traceMetrics.ServerErrors)
	counter("allocation_estimates_total", "Estimates served", atomic.LoadInt64(&s.appMetrics.estimates))
	counter("allocation_not_found_total", "Lookups for ZIP codes without data or outside the region", atomic.LoadInt64(&s.appMetrics.notFound))
	counter("allocation_bad_requests_total", "Malformed ZIP codes", atomic.LoadInt64(&s.appMetrics.badRequests))
	counter("allocation_not_ready_total", "Requests rejected before a snapshot was loaded", atomic.LoadInt64(&s.appMetrics.notReady))
	counter("rate_limit_hits_total", "Requests rejected by the rate limiter", rateLimitMetrics.TotalHits)
	gauge("rate_limit_active_clients", "Clients tracked by the rate limiter", rateLimitMetrics.ClientCount)
	counter("suspicious_requests_total", "Requests matching probe patterns", securityMetrics.SuspiciousRequests)
	gauge("snapshot_ready", "Whether a snapshot is loaded", int64(ready))
	gauge("snapshot_version", "Snapshot generation currently served", s.provider.Version())
	gauge("uptime_seconds", "Seconds since the server started", int64(time.Since(s.appMetrics.uptime).Seconds()))
}
