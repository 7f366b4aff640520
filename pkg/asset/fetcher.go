// Package asset relays the protected asset from its upstream location to callers
// that passed authorization.
package asset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/polisai/assetgate/internal/governance"
	"github.com/polisai/assetgate/pkg/domain"
)

// Fetch statuses reported to the observer.
const (
	StatusOK          = "ok"
	StatusNotModified = "not_modified"
	StatusUpstreamErr = "upstream_error"
	StatusCancelled   = "cancelled"
)

// passthroughHeaders are copied from the upstream response.
var passthroughHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Cache-Control",
	"ETag",
	"Last-Modified",
}

// conditionalHeaders are forwarded so the upstream can answer 304.
var conditionalHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
}

// Config describes the upstream asset.
type Config struct {
	UpstreamURL string
	// FetchRate caps upstream fetches per second; 0 disables pacing.
	FetchRate float64
	Burst     int
	Timeout   time.Duration
}

// FetchObserver records the result of each fetch.
type FetchObserver interface {
	RecordAssetFetch(status string)
}

// Fetcher streams the asset from upstream.
type Fetcher struct {
	upstream string
	client   *http.Client
	limiter  *rate.Limiter
	timeouts *governance.TimeoutManager
	logger   *slog.Logger
	observer FetchObserver
}

// Option customises a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithObserver registers a fetch observer.
func WithObserver(obs FetchObserver) Option {
	return func(f *Fetcher) { f.observer = obs }
}

// NewFetcher validates cfg and builds a Fetcher.
func NewFetcher(cfg Config, logger *slog.Logger, opts ...Option) (*Fetcher, error) {
	u, err := url.Parse(cfg.UpstreamURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: asset upstream %q is not an http(s) URL", domain.ErrConfigInvalid, cfg.UpstreamURL)
	}
	if logger == nil {
		logger = slog.Default()
	}

	f := &Fetcher{
		upstream: u.String(),
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		timeouts: governance.NewTimeoutManager(governance.TimeoutConfig{UpstreamTimeout: cfg.Timeout}),
		logger:   logger,
	}
	if cfg.FetchRate > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(cfg.FetchRate), burst)
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Serve fetches the asset and streams it to w. It returns an error wrapping
// domain.ErrUpstreamUnreachable only when nothing has been written yet; failures
// after the status line are logged and the response is cut short.
func (f *Fetcher) Serve(w http.ResponseWriter, r *http.Request) error {
	if f.limiter != nil {
		if err := f.limiter.Wait(r.Context()); err != nil {
			f.record(StatusCancelled)
			return fmt.Errorf("%w: waiting for fetch slot: %w", domain.ErrUpstreamUnreachable, err)
		}
	}

	ctx, cancel := f.timeouts.WithUpstreamTimeout(r.Context())
	defer cancel()

	resp, err := f.get(ctx, r.Header)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			f.record(StatusCancelled)
		} else {
			f.record(StatusUpstreamErr)
		}
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	for _, h := range passthroughHeaders {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}

	if resp.StatusCode == http.StatusNotModified {
		f.record(StatusNotModified)
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	w.WriteHeader(http.StatusOK)
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		f.record(StatusUpstreamErr)
		f.logger.Warn("Asset stream interrupted", "upstream", f.upstream, "bytes", n, "error", err)
		return nil
	}
	f.record(StatusOK)
	return nil
}

func (f *Fetcher) get(ctx context.Context, in http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.upstream, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrUpstreamUnreachable, err)
	}
	for _, h := range conditionalHeaders {
		if v := in.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrUpstreamUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotModified {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: upstream answered %d", domain.ErrUpstreamUnreachable, resp.StatusCode)
	}
	return resp, nil
}

func (f *Fetcher) record(status string) {
	if f.observer != nil {
		f.observer.RecordAssetFetch(status)
	}
}
