// Package fetcher retrieves narinfo and file-listing documents from a Nix
// binary cache over HTTP, with bounded-retry transport handling mirroring
// the resilience patterns the teacher's reconnecting client applies to its
// own binary protocol.
package fetcher

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default transport tunables, matching spec's retry/timeout budget.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultBodyTimeout    = time.Second
	DefaultRetryStart     = 50 * time.Millisecond
	DefaultRetryCap       = 5 * time.Second
	DefaultRetryFloor     = 5 * time.Second
	DefaultMaxAttempts    = 20
)

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	connectTimeout time.Duration
	bodyTimeout    time.Duration
	retryStart     time.Duration
	retryCap       time.Duration
	retryFloor     time.Duration
	maxAttempts    int
	httpClient     *http.Client
}

func defaultClientOptions() clientOptions {
	return clientOptions{
		connectTimeout: DefaultConnectTimeout,
		bodyTimeout:    DefaultBodyTimeout,
		retryStart:     DefaultRetryStart,
		retryCap:       DefaultRetryCap,
		retryFloor:     DefaultRetryFloor,
		maxAttempts:    DefaultMaxAttempts,
	}
}

// WithConnectTimeout overrides the per-attempt connect timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.connectTimeout = d }
}

// WithBodyTimeout overrides the per-attempt response-body read timeout.
func WithBodyTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.bodyTimeout = d }
}

// WithMaxAttempts overrides the retry attempt cap (default 20).
func WithMaxAttempts(n int) Option {
	return func(o *clientOptions) { o.maxAttempts = n }
}

// WithHTTPClient overrides the underlying *http.Client, e.g. for tests
// pointed at an httptest.Server.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = hc }
}

// Client fetches documents from a single binary cache's base URL.
type Client struct {
	baseURL string
	http    *http.Client
	opts    clientOptions
}

// New returns a Client for the given cache base URL (e.g.
// "https://cache.nixos.org").
func New(baseURL string, opts ...Option) *Client {
	options := defaultClientOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if options.httpClient == nil {
		options.httpClient = &http.Client{}
	}
	return &Client{baseURL: baseURL, http: options.httpClient, opts: options}
}

// floorBackoff wraps a backoff.BackOff so every returned delay is at least
// floor, matching the upstream cache's 5s negative-cache window for 5xx.
type floorBackoff struct {
	inner backoff.BackOff
	floor time.Duration
}

func (f *floorBackoff) NextBackOff() time.Duration {
	d := f.inner.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if d < f.floor {
		return f.floor
	}
	return d
}

func (f *floorBackoff) Reset() { f.inner.Reset() }

// get issues a GET against url, retrying transport failures and non-404,
// non-2xx statuses with exponential backoff. A 404 is returned as a normal
// (response, nil) pair with StatusCode == 404 - the caller decides whether
// that means "not found" for this particular document.
func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.opts.retryStart
	eb.MaxInterval = c.opts.retryCap
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.5
	eb.MaxElapsedTime = 0

	bo := backoff.WithMaxRetries(&floorBackoff{inner: eb, floor: c.opts.retryFloor}, uint64(c.opts.maxAttempts-1))
	bo = backoff.WithContext(bo, ctx)

	attempt := 0
	var resp *http.Response
	operation := func() error {
		attempt++

		reqCtx, cancel := context.WithTimeout(ctx, c.opts.connectTimeout+c.opts.bodyTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept-Encoding", "br, gzip, deflate")

		r, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		if r.StatusCode == http.StatusNotFound {
			resp = r
			return nil
		}
		if r.StatusCode < 200 || r.StatusCode >= 300 {
			r.Body.Close()
			return &HTTPError{URL: url, Status: r.StatusCode}
		}

		// The body is read while reqCtx is still live: cancelling reqCtx
		// when this attempt returns aborts any later read of r.Body.
		body, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			return err
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		resp = r
		return nil
	}

	notify := func(err error, d time.Duration) {
		slog.Warn("[nix-index] fetch attempt failed, retrying",
			"url", url, "attempt", attempt, "delay", d, "error", err)
	}

	if err := backoff.RetryNotify(operation, bo, notify); err != nil {
		return nil, err
	}
	return resp, nil
}
