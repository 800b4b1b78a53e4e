package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"txtax/internal/core"
	"txtax/internal/log"
	"txtax/internal/storage"
)

type fakeProvider struct {
	ready   bool
	results map[string]core.ZipAllocationResult
}

func (f *fakeProvider) GetAllocation(zip string) (core.ZipAllocationResult, error) {
	if !f.ready {
		return core.ZipAllocationResult{}, core.ErrNotReady
	}
	r, ok := f.results[zip]
	if !ok {
		return core.ZipAllocationResult{}, core.ErrNotFound
	}
	return r, nil
}

func (f *fakeProvider) Ready() bool         { return f.ready }
func (f *fakeProvider) Version() int64      { return 3 }
func (f *fakeProvider) LoadedAt() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }

func newTestServer(t *testing.T, p *fakeProvider, perMinute int) *Server {
	t.Helper()
	s := NewServer(":0", p, Options{
		Region:             core.NewRegion(nil),
		RateLimitPerMinute: perMinute,
		Logger:             log.New(log.Config{Output: io.Discard}),
	})
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func readyProvider() *fakeProvider {
	return &fakeProvider{
		ready: true,
		results: map[string]core.ZipAllocationResult{
			"78701": {ZipCode: "78701", JurisdictionName: "Travis County", JurisdictionFips: "48453", EstimatedPerCapita: 1234.56},
		},
	}
}

func do(s *Server, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler.ServeHTTP(rec, req)
	return rec
}

func TestSpendingEndpoint(t *testing.T) {
	s := newTestServer(t, readyProvider(), 1000)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantError  string
	}{
		{"found", "/api/spending/78701", http.StatusOK, ""},
		{"malformed", "/api/spending/7870", http.StatusBadRequest, "Invalid ZIP code format. Must be 5 digits."},
		{"letters", "/api/spending/7870a", http.StatusBadRequest, "Invalid ZIP code format. Must be 5 digits."},
		{"outside texas", "/api/spending/10001", http.StatusNotFound, "ZIP code is not in Texas."},
		{"no data", "/api/spending/78702", http.StatusNotFound, "No spending data found for this ZIP code."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(s, tt.path)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			if tt.wantError != "" {
				var body errorResponse
				if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if body.Error != tt.wantError {
					t.Errorf("error = %q, want %q", body.Error, tt.wantError)
				}
				if rec.Header().Get("Cache-Control") == CacheControl {
					t.Error("error responses must not be cached")
				}
				return
			}
			if got := rec.Header().Get("Cache-Control"); got != CacheControl {
				t.Errorf("Cache-Control = %q", got)
			}
			var res core.ZipAllocationResult
			if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if res.ZipCode != "78701" || res.JurisdictionFips != "48453" {
				t.Errorf("unexpected result %+v", res)
			}
		})
	}
}

func TestSpendingNotReady(t *testing.T) {
	s := newTestServer(t, &fakeProvider{}, 1000)
	rec := do(s, "/api/spending/78701")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{core.ErrInvalidInput, http.StatusBadRequest},
		{core.ErrOutOfRegion, http.StatusNotFound},
		{core.ErrNotFound, http.StatusNotFound},
		{core.ErrNotReady, http.StatusServiceUnavailable},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := statusForError(tt.err); got != tt.want {
			t.Errorf("statusForError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestHealthAndReady(t *testing.T) {
	p := &fakeProvider{}
	s := newTestServer(t, p, 1000)

	if rec := do(s, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	if rec := do(s, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before load = %d, want 503", rec.Code)
	}

	p.ready = true
	rec := do(s, "/readyz")
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz after load = %d", rec.Code)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ready" {
		t.Errorf("status = %q", body.Status)
	}
}

type fakeHistory struct {
	runs []storage.RefreshRun
	err  error
}

func (f fakeHistory) RecentRuns(_ context.Context, limit int) ([]storage.RefreshRun, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.runs[:min(limit, len(f.runs))], nil
}

func TestReadyReportsLastRefresh(t *testing.T) {
	started := time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		history fakeHistory
		want    any
	}{
		{
			name: "latest run",
			history: fakeHistory{runs: []storage.RefreshRun{
				{ID: "run-2", Dataset: "all", Status: "failed", Error: "fetch census: 503", StartedAt: started, FinishedAt: started.Add(time.Minute)},
				{ID: "run-1", Dataset: "all", Status: "succeeded", StartedAt: started.Add(-time.Hour)},
			}},
			want: map[string]any{
				"id":         "run-2",
				"dataset":    "all",
				"status":     "failed",
				"error":      "fetch census: 503",
				"startedAt":  "2025-03-01T06:00:00Z",
				"finishedAt": "2025-03-01T06:01:00Z",
			},
		},
		{name: "no runs", history: fakeHistory{}, want: "none"},
		{name: "history error", history: fakeHistory{err: errors.New("database is locked")}, want: "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(":0", readyProvider(), Options{
				Region:     core.NewRegion(nil),
				Logger:     log.New(log.Config{Output: io.Discard}),
				RunHistory: tt.history,
			})
			t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

			rec := do(s, "/readyz")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, history must not affect readiness", rec.Code)
			}
			var body struct {
				Checks map[string]any `json:"checks"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got := body.Checks["lastRefresh"]; !reflect.DeepEqual(got, tt.want) {
				t.Errorf("lastRefresh = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, readyProvider(), 2)

	for i := 0; i < 2; i++ {
		if rec := do(s, "/api/spending/78701"); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	rec := do(s, "/api/spending/78701")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}

	// health checks are not rate limited
	if rec := do(s, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t, readyProvider(), 1000)
	do(s, "/api/spending/78701")
	do(s, "/api/spending/abc12")

	rec := do(s, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"allocation_estimates_total 1",
		"allocation_bad_requests_total 1",
		"snapshot_ready 1",
		"snapshot_version 3",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestRequestIDAndSecurityHeaders(t *testing.T) {
	s := newTestServer(t, readyProvider(), 1000)
	rec := do(s, "/healthz")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing nosniff header")
	}
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t, readyProvider(), 1000)
	if rec := do(s, "/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
