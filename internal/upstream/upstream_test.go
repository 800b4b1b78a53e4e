package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"txtax/internal/core"
)

func testClient(retries int) *Client {
	return NewClient(Options{
		Timeout:   5 * time.Second,
		Retries:   retries,
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	})
}

func TestBackoff(t *testing.T) {
	c := NewClient(Options{BaseDelay: time.Second, MaxDelay: 30 * time.Second})
	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{12, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			if got := c.backoff(tt.attempt); got != tt.expected {
				t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.expected)
			}
		})
	}
}

func TestGetRetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	body, err := testClient(3).get(context.Background(), SourceSpending, srv.URL, nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(body) != "ok" || atomic.LoadInt32(&calls) != 3 {
		t.Errorf("body %q after %d calls", body, calls)
	}
}

func TestGetStopsOnClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "no such dataset", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(3).get(context.Background(), SourceCensus, srv.URL, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("404 should not be retried, got %d calls", calls)
	}

	var fe *FetchError
	if !errors.As(err, &fe) || fe.Source != SourceCensus {
		t.Fatalf("expected census FetchError, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Errorf("expected wrapped 404, got %v", err)
	}
	if !errors.Is(err, core.ErrUpstreamUnavailable) {
		t.Error("FetchError should match ErrUpstreamUnavailable")
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"server error", &StatusError{Code: http.StatusServiceUnavailable}, true},
		{"rate limited", &StatusError{Code: http.StatusTooManyRequests}, true},
		{"not found", &StatusError{Code: http.StatusNotFound}, false},
		{"invalid request", fmt.Errorf("%w: parse \"::\": missing protocol scheme", errInvalidRequest), false},
		{"canceled", context.Canceled, false},
		{"dial refused", &url.Error{Op: "Get", URL: "http://x", Err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}}, true},
		{"unsupported scheme", &url.Error{Op: "Get", URL: "ftp://x", Err: errors.New(`unsupported protocol scheme "ftp"`)}, false},
		{"truncated body", fmt.Errorf("read body: %w", io.ErrUnexpectedEOF), true},
		{"connection reset", syscall.ECONNRESET, true},
		{"unknown", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryable(tt.err); got != tt.want {
				t.Errorf("retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestGetDoesNotRetryBadURL(t *testing.T) {
	c := NewClient(Options{Timeout: time.Second, Retries: 3, BaseDelay: time.Minute, MaxDelay: time.Minute})
	for _, raw := range []string{"://no-scheme", "ftp://example.invalid/data"} {
		t.Run(raw, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			_, err := c.get(ctx, SourceSpending, raw, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("bad URL was retried until the deadline: %v", err)
			}
			if !errors.Is(err, core.ErrUpstreamUnavailable) {
				t.Errorf("err = %v, want FetchError", err)
			}
		})
	}
}

func TestGetExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient(2).get(context.Background(), SourceRelationship, srv.URL, nil)
	if !errors.Is(err, core.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected 1 attempt + 2 retries, got %d", calls)
	}
}

func TestSpendingClientFetchPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("$limit") != "2" || q.Get("$offset") != "4" {
			t.Errorf("unexpected paging params %v", q)
		}
		if q.Get("$where") != "county IS NOT NULL" || q.Get("$order") != ":id" {
			t.Errorf("unexpected filter params %v", q)
		}
		if r.Header.Get("X-App-Token") != "token" {
			t.Errorf("missing app token header")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"fiscal_year":"2022","agency_number":"701","agency_name":"Texas Education Agency","county":"TRAVIS","major_spending_category":"Grants","amount":"1250.50"},
			{"fiscal_year":"2022","agency_number":"405","agency_name":"Department of Public Safety","county":"HARRIS","amount":99}
		]`))
	}))
	defer srv.Close()

	sc := NewSpendingClient(testClient(0), srv.URL, "token")
	records, err := sc.FetchPage(context.Background(), 4, 2)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Amount != "1250.50" || records[1].Amount != "99" {
		t.Errorf("unexpected amounts %q %q", records[0].Amount, records[1].Amount)
	}
}

func TestSpendingClientBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":true}`))
	}))
	defer srv.Close()

	_, err := NewSpendingClient(testClient(0), srv.URL, "").FetchPage(context.Background(), 0, 10)
	if !errors.Is(err, core.ErrUpstreamUnavailable) {
		t.Errorf("expected upstream error, got %v", err)
	}
}

func TestCensusClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("key") != "k" {
			t.Errorf("missing key: %v", q)
		}
		switch q.Get("for") {
		case "county:*":
			if q.Get("in") != "state:48" || q.Get("get") != "NAME,B01003_001E,B19013_001E" {
				t.Errorf("unexpected county query %v", q)
			}
			w.Write([]byte(`[["NAME","B01003_001E","B19013_001E","state","county"],["Travis County, Texas","1290188","85043","48","453"]]`))
		case "state:48":
			w.Write([]byte(`[["B19013_001E","B01003_001E","state"],["67321","28862581","48"]]`))
		default:
			http.Error(w, "bad for", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	cc := NewCensusClient(testClient(0), srv.URL, "k", "48")
	counties, err := cc.FetchCounties(context.Background())
	if err != nil {
		t.Fatalf("FetchCounties: %v", err)
	}
	if len(counties) != 2 || counties[1][0] != "Travis County, Texas" {
		t.Errorf("unexpected county rows %v", counties)
	}
	state, err := cc.FetchState(context.Background())
	if err != nil {
		t.Fatalf("FetchState: %v", err)
	}
	if len(state) != 2 || state[1][0] != "67321" {
		t.Errorf("unexpected state rows %v", state)
	}
}

func TestCensusClientRequiresKey(t *testing.T) {
	cc := NewCensusClient(testClient(0), "http://127.0.0.1:1", " ", "48")
	if _, err := cc.FetchCounties(context.Background()); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestRelationshipClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OID_ZCTA5_20|GEOID_ZCTA5_20|AREALAND_ZCTA5_20|GEOID_COUNTY_20|AREALAND_PART\n" +
			"1|78701|4000|48453|4000\n" +
			"2|10001|500|36061|500\n"))
	}))
	defer srv.Close()

	rows, err := NewRelationshipClient(testClient(0), srv.URL, "48").FetchRows(context.Background())
	if err != nil {
		t.Fatalf("FetchRows: %v", err)
	}
	if len(rows) != 1 || rows[0].ZoneID != "78701" || rows[0].JurisdictionID != "48453" {
		t.Errorf("unexpected rows %+v", rows)
	}
}
