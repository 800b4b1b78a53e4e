// Package http serves allocation estimates over a JSON API.
package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"txtax/internal/core"
	"txtax/internal/log"
	"txtax/internal/middleware/ratelimit"
	"txtax/internal/middleware/security"
	"txtax/internal/middleware/trace"
	"txtax/internal/storage"
)

// AllocationProvider answers allocation queries from the current snapshot.
type AllocationProvider interface {
	GetAllocation(zip string) (core.ZipAllocationResult, error)
	Ready() bool
	Version() int64
	LoadedAt() time.Time
}

// RunHistory lists recorded refresh runs, newest first.
type RunHistory interface {
	RecentRuns(ctx context.Context, limit int) ([]storage.RefreshRun, error)
}

type Options struct {
	Region             core.Region
	RateLimitPerMinute int
	Logger             *log.Logger
	// RunHistory adds the latest refresh run to /readyz when set.
	RunHistory RunHistory
}

type Server struct {
	http.Server
	provider AllocationProvider
	history  RunHistory
	region   core.Region
	logger   *log.Logger

	rateLimiter      *ratelimit.Limiter
	securityDetector *security.Detector
	traceMiddleware  *trace.Middleware
	appMetrics       *appMetrics

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(addr string, provider AllocationProvider, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}

	detector := security.NewDetector()
	s := &Server{
		provider:         provider,
		history:          opts.RunHistory,
		region:           opts.Region,
		logger:           logger.WithComponent(log.ComponentHTTP),
		rateLimiter:      ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: opts.RateLimitPerMinute}),
		securityDetector: detector,
		traceMiddleware:  trace.NewMiddleware(logger, detector.ExtractClientIP),
		appMetrics:       newAppMetrics(),
	}

	limited := s.rateLimiter.Middleware(detector.ExtractClientIP, s.handleRateLimited)

	mux := http.NewServeMux()
	mux.Handle("GET /api/spending/{zipcode}", limited(http.HandlerFunc(s.handleSpending)))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("/", s.handleNotFound)

	headers := security.NewHeadersMiddleware(security.DefaultHeadersConfig())

	s.Server = http.Server{
		Addr:              addr,
		Handler:           s.traceMiddleware.Middleware(headers.Middleware(detector.Middleware(mux))),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Shutdown stops the rate limiter and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.rateLimiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}
