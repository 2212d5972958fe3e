// Package netclient is the single entry point for outbound HTTP: per-attempt
// timeouts, retry with exponential backoff, per-key rate limiting, and
// streaming downloads to disk.
package netclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"kisaki/internal/logging"
	"kisaki/internal/metrics"
	"kisaki/internal/ratelimit"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultRetries     = 3
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 10 * time.Second
	defaultUserAgent   = "kisaki/dev"
)

// Config configures a Client.
type Config struct {
	HTTPClient  *http.Client
	Logger      *slog.Logger
	Metrics     *metrics.MetricsCollector
	UserAgent   string
	Timeout     time.Duration // per-attempt default (default: 30s)
	Retries     int           // default retry count; 0 means DefaultRetries, negative disables
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Client issues HTTP requests with uniform timeout, retry, and rate-limit policy.
type Client struct {
	http        *http.Client
	logger      *slog.Logger
	collector   *metrics.MetricsCollector
	userAgent   string
	timeout     time.Duration
	retries     int
	backoffBase time.Duration
	backoffMax  time.Duration

	attempts   *metrics.Counter
	retryCount *metrics.Counter
	timeouts   *metrics.Counter

	mu       sync.RWMutex
	limiters map[string]*ratelimit.Limiter
}

// New creates a Client. The client defines no rate limits of its own.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// Timeouts are applied per attempt, so the transport itself has none.
		httpClient = &http.Client{}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	switch {
	case cfg.Retries == 0:
		cfg.Retries = DefaultRetries
	case cfg.Retries < 0:
		cfg.Retries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	collector := metrics.Or(cfg.Metrics)
	return &Client{
		http:        httpClient,
		logger:      logging.Component(cfg.Logger, "netclient"),
		collector:   collector,
		userAgent:   cfg.UserAgent,
		timeout:     cfg.Timeout,
		retries:     cfg.Retries,
		backoffBase: cfg.BackoffBase,
		backoffMax:  cfg.BackoffMax,
		attempts:    collector.Counter(metrics.FetchAttempts, "Outbound HTTP attempts", ""),
		retryCount:  collector.Counter(metrics.FetchRetries, "Outbound HTTP retries", ""),
		timeouts:    collector.Counter(metrics.FetchTimeouts, "Outbound HTTP attempts aborted by timeout", ""),
		limiters:    make(map[string]*ratelimit.Limiter),
	}
}

// RegisterRateLimit installs (or replaces) the limiter used for key.
func (c *Client) RegisterRateLimit(key string, cfg ratelimit.Config) error {
	if key == "" {
		return errors.New("rate limit key must not be empty")
	}
	l, err := ratelimit.New(cfg,
		ratelimit.WithLogger(c.logger.With("rate_limit_key", key)),
		ratelimit.WithMetrics(c.collector, key))
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.limiters[key] = l
	c.mu.Unlock()
	c.logger.Info("rate limit registered", "key", key, "max_requests", cfg.MaxRequests, "window", cfg.Window)
	return nil
}

// UnregisterRateLimit removes the limiter for key. Unknown keys are ignored.
func (c *Client) UnregisterRateLimit(key string) {
	c.mu.Lock()
	_, ok := c.limiters[key]
	delete(c.limiters, key)
	c.mu.Unlock()
	if ok {
		c.logger.Info("rate limit unregistered", "key", key)
	}
}

// RateLimits returns the registered keys with their current stats, sorted by key.
func (c *Client) RateLimits() []LimitStatus {
	c.mu.RLock()
	out := make([]LimitStatus, 0, len(c.limiters))
	for key, l := range c.limiters {
		out = append(out, LimitStatus{Key: key, Config: l.Config(), Stats: l.Stats()})
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// LimitStatus describes one registered rate limit.
type LimitStatus struct {
	Key    string           `json:"key"`
	Config ratelimit.Config `json:"config"`
	Stats  ratelimit.Stats  `json:"stats"`
}

func (c *Client) limiter(key string) *ratelimit.Limiter {
	if key == "" {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.limiters[key]
}

// Fetch issues a request. Transport failures are retried with exponential
// backoff; a timed-out attempt fails immediately with *TimeoutError. Any
// response, whatever its status, is returned to the caller, who must close
// its body.
func (c *Client) Fetch(ctx context.Context, rawURL string, opts ...FetchOption) (*http.Response, error) {
	return c.fetch(ctx, rawURL, c.options(opts))
}

func (c *Client) fetch(ctx context.Context, rawURL string, o fetchOptions) (*http.Response, error) {
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}

	var lastErr error
	for attempt := 0; attempt <= o.retries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt - 1)
			c.retryCount.Inc()
			c.logger.Warn("request failed, will retry",
				"url", rawURL, "attempt", attempt+1, "backoff", delay, "error", lastErr)
			if err := sleepContext(ctx, delay); err != nil {
				return nil, err
			}
		}

		resp, err := c.attempt(ctx, rawURL, o)
		if err == nil {
			return resp, nil
		}
		if IsTimeout(err) {
			c.logger.Warn("request timed out", "url", rawURL, "timeout", o.timeout)
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	c.logger.Error("request failed after retries", "url", rawURL, "retries", o.retries, "error", lastErr)
	return nil, lastErr
}

// attempt performs one rate-limited request with its own timeout. The timer
// is disarmed once headers arrive so the body stays readable until Close.
func (c *Client) attempt(ctx context.Context, rawURL string, o fetchOptions) (*http.Response, error) {
	if l := c.limiter(o.rateLimitKey); l != nil {
		if err := l.Wait(ctx); err != nil {
			return nil, err
		}
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	var timedOut atomic.Bool
	timer := time.AfterFunc(o.timeout, func() {
		timedOut.Store(true)
		cancel()
	})

	var body io.Reader
	if o.body != nil {
		body = bytes.NewReader(o.body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, o.method, rawURL, body)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vals := range o.header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	c.attempts.Inc()
	resp, err := c.http.Do(req)
	if err != nil {
		timer.Stop()
		cancel()
		if timedOut.Load() {
			c.timeouts.Inc()
			return nil, &TimeoutError{URL: rawURL, Timeout: o.timeout, Err: err}
		}
		return nil, err
	}
	if !timer.Stop() {
		// Fired between headers arriving and disarming; the body is already cancelled.
		resp.Body.Close()
		cancel()
		c.timeouts.Inc()
		return nil, &TimeoutError{URL: rawURL, Timeout: o.timeout, Err: context.Canceled}
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// backoff returns min(base*2^attempt, max).
func (c *Client) backoff(attempt int) time.Duration {
	d := c.backoffBase
	for i := 0; i < attempt && d < c.backoffMax; i++ {
		d *= 2
	}
	if d > c.backoffMax {
		d = c.backoffMax
	}
	return d
}

// DownloadBuffer fetches rawURL, requires a 2xx status, and returns the whole body.
func (c *Client) DownloadBuffer(ctx context.Context, rawURL string, opts ...FetchOption) ([]byte, error) {
	resp, err := c.Fetch(ctx, rawURL, opts...)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if !isSuccess(resp.StatusCode) {
		return nil, newStatusError(rawURL, resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", rawURL, err)
	}
	return data, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
