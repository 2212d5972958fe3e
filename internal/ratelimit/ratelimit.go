// Package ratelimit implements sliding-window admission control with strict
// FIFO ordering of waiting callers.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"kisaki/internal/logging"
	"kisaki/internal/metrics"
)

// safetyMargin is added to every computed sleep so the oldest timestamp has
// definitely left the window when the admission check runs again.
const safetyMargin = time.Millisecond

// Config bounds admissions to MaxRequests within any trailing Window.
// In JSON the window is windowMs, matching the config file.
type Config struct {
	MaxRequests int
	Window      time.Duration
}

type configJSON struct {
	MaxRequests int   `json:"maxRequests"`
	WindowMs    int64 `json:"windowMs"`
}

func (c Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(configJSON{MaxRequests: c.MaxRequests, WindowMs: c.Window.Milliseconds()})
}

func (c *Config) UnmarshalJSON(data []byte) error {
	var v configJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	c.MaxRequests = v.MaxRequests
	c.Window = time.Duration(v.WindowMs) * time.Millisecond
	return nil
}

// Validate reports whether the config can drive a limiter.
func (c Config) Validate() error {
	var errs []error
	if c.MaxRequests <= 0 {
		errs = append(errs, fmt.Errorf("maxRequests must be > 0, got %d", c.MaxRequests))
	}
	if c.Window <= 0 {
		errs = append(errs, fmt.Errorf("window must be > 0, got %s", c.Window))
	}
	return errors.Join(errs...)
}

// Stats is a point-in-time view of a limiter.
type Stats struct {
	InWindow int  `json:"inWindow"`
	Waiting  int  `json:"waiting"`
	Busy     bool `json:"busy"`
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the limiter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithMetrics records wait durations on the given collector, labelled by name.
func WithMetrics(c *metrics.MetricsCollector, name string) Option {
	return func(l *Limiter) {
		labels := ""
		if name != "" {
			labels = "key=" + strconv.Quote(name)
		}
		l.waitHist = metrics.Or(c).Histogram(metrics.RateLimitWait, "Time spent waiting for rate limiter admission", labels, metrics.WaitBuckets)
	}
}

// Limiter admits at most MaxRequests per trailing Window.
//
// Only one admission attempt runs at a time. Everyone else waits in arrival
// order and, on reaching the head, performs a full prune-and-check of its own;
// no slot is ever reserved on a waiter's behalf.
type Limiter struct {
	cfg      Config
	logger   *slog.Logger
	waitHist *metrics.Histogram

	mu     sync.Mutex
	busy   bool
	queue  []chan struct{}
	stamps []time.Time
}

// New creates a limiter for cfg.
func New(cfg Config, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("rate limit config: %w", err)
	}
	l := &Limiter{cfg: cfg}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.Or(l.logger)
	return l, nil
}

// Config returns the limiter configuration.
func (l *Limiter) Config() Config { return l.cfg }

// Wait blocks until the caller is admitted. It fails only when ctx ends first,
// in which case the caller gives up its place in line.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()

	for {
		delay, ok := l.tryAdmit()
		if ok {
			waited := time.Since(start)
			if l.waitHist != nil {
				l.waitHist.Observe(waited.Seconds())
			}
			if waited > l.cfg.Window/10 {
				l.logger.Debug("rate limiter admitted after wait", "waited", waited)
			}
			return nil
		}
		if err := sleepContext(ctx, delay); err != nil {
			return err
		}
	}
}

// Stats returns the current in-window count and queue depth.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-l.cfg.Window)
	n := 0
	for _, ts := range l.stamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return Stats{InWindow: n, Waiting: len(l.queue), Busy: l.busy}
}

// acquire takes the single admission slot, queueing behind earlier callers.
func (l *Limiter) acquire(ctx context.Context) error {
	l.mu.Lock()
	if !l.busy {
		l.busy = true
		l.mu.Unlock()
		return nil
	}
	ticket := make(chan struct{})
	l.queue = append(l.queue, ticket)
	l.mu.Unlock()

	select {
	case <-ticket:
		return nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	for i, t := range l.queue {
		if t == ticket {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			l.mu.Unlock()
			return ctx.Err()
		}
	}
	l.mu.Unlock()
	// The slot was handed to us while we were giving up; pass it on.
	l.release()
	return ctx.Err()
}

// release hands the admission slot to the next queued caller, if any.
func (l *Limiter) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		l.busy = false
		return
	}
	next := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	close(next)
}

// tryAdmit prunes expired timestamps and either records an admission or
// reports how long to sleep before the oldest timestamp leaves the window.
func (l *Limiter) tryAdmit() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.cfg.Window)
	keep := 0
	for keep < len(l.stamps) && !l.stamps[keep].After(cutoff) {
		keep++
	}
	l.stamps = l.stamps[keep:]

	if len(l.stamps) < l.cfg.MaxRequests {
		l.stamps = append(l.stamps, now)
		return 0, true
	}
	return l.stamps[0].Add(l.cfg.Window).Sub(now) + safetyMargin, false
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
