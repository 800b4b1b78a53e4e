// Package upstream fetches the public datasets the snapshot is built from.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"syscall"
	"time"

	"txtax/internal/core"
)

// Sources named in FetchError.
const (
	SourceSpending     = "spending"
	SourceCensus       = "census"
	SourceRelationship = "relationship"
)

// FetchError tags an upstream failure with the dataset it happened on. It matches
// core.ErrUpstreamUnavailable with errors.Is.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{core.ErrUpstreamUnavailable, e.Err}
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status code: %d", e.Code)
	}
	return fmt.Sprintf("unexpected status code: %d: %s", e.Code, e.Body)
}

type Options struct {
	Timeout   time.Duration
	Retries   int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	UserAgent string
}

func DefaultOptions() Options {
	return Options{
		Timeout:   2 * time.Minute,
		Retries:   4,
		BaseDelay: time.Second,
		MaxDelay:  30 * time.Second,
		UserAgent: "txtax/1.0",
	}
}

// Client is the HTTP client shared by every upstream collaborator.
type Client struct {
	http *http.Client
	opts Options
}

func NewClient(opts Options) *Client {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = def.BaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = def.MaxDelay
	}
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}
	return &Client{http: newHTTPClientWithPooling(opts.Timeout), opts: opts}
}

func newHTTPClientWithPooling(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:       http.ProxyFromEnvironment,
		DialContext: dialer.DialContext,

		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// backoff returns BaseDelay doubled per attempt, capped at MaxDelay.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.opts.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.opts.MaxDelay {
			return c.opts.MaxDelay
		}
	}
	return d
}

// errInvalidRequest marks requests that could not be built; retrying cannot help.
var errInvalidRequest = errors.New("invalid upstream request")

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	if errors.Is(err, errInvalidRequest) || errors.Is(err, context.Canceled) {
		return false
	}
	// *url.Error satisfies net.Error itself, so judge what it wraps.
	var ue *url.Error
	if errors.As(err, &ue) {
		err = ue.Err
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNRESET)
}

// get performs a GET with retries and returns the full body.
func (c *Client) get(ctx context.Context, source, rawURL string, header http.Header) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.opts.Retries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt - 1)
			var se *StatusError
			if errors.As(lastErr, &se) && se.Code == http.StatusTooManyRequests {
				delay = c.opts.MaxDelay
			}
			slog.WarnContext(ctx, "Retrying upstream request",
				"source", source,
				"attempt", attempt,
				"retry_in", delay,
				"error", lastErr)
			select {
			case <-ctx.Done():
				return nil, &FetchError{Source: source, Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		body, err := c.do(ctx, rawURL, header)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			break
		}
	}
	return nil, &FetchError{Source: source, Err: lastErr}
}

func (c *Client) do(ctx context.Context, rawURL string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(snippet)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body (%s bytes expected): %w", strconv.FormatInt(resp.ContentLength, 10), err)
	}
	return body, nil
}
