// Package app wires the host-side services into the handlers surfaces talk to.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"kisaki/internal/config"
	"kisaki/internal/events"
	"kisaki/internal/ipc"
	"kisaki/internal/logging"
	"kisaki/internal/netclient"
	"kisaki/internal/ratelimit"
	"kisaki/internal/settings"
)

// Channels served by the host.
const (
	ChannelSettingsGet = "settings:get"
	ChannelSettingsSet = "settings:set"
	ChannelSettingsAll = "settings:all"
	ChannelStatus      = "app:status"
)

// Config holds the services a Host coordinates.
type Config struct {
	Bus        *ipc.Bus
	Events     *events.Service
	Settings   *settings.Store
	Net        *netclient.Client
	RateLimits map[string]config.RateLimitConfig
	Version    string
	Logger     *slog.Logger
}

// Host registers the request handlers and announces readiness.
type Host struct {
	cfg     Config
	logger  *slog.Logger
	started time.Time
}

// Status is the reply to app:status.
type Status struct {
	Version    string                  `json:"version"`
	Uptime     string                  `json:"uptime"`
	Surfaces   int                     `json:"surfaces"`
	Pending    int                     `json:"pending"`
	Handlers   []string                `json:"handlers"`
	Events     []string                `json:"events"`
	RateLimits []netclient.LimitStatus `json:"rateLimits"`
}

// New creates a host. Call Start to begin serving.
func New(cfg Config) *Host {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &Host{cfg: cfg, logger: logging.Component(cfg.Logger, "app")}
}

// Start registers rate limits and handlers, then emits app:ready. The event is
// queued by the bus until the first surface attaches.
func (h *Host) Start(ctx context.Context) error {
	for key, rl := range h.cfg.RateLimits {
		if err := h.cfg.Net.RegisterRateLimit(key, ratelimit.Config{
			MaxRequests: rl.MaxRequests,
			Window:      rl.Window(),
		}); err != nil {
			return fmt.Errorf("register rate limit %s: %w", key, err)
		}
	}

	h.cfg.Bus.Handle(ChannelSettingsGet, h.handleSettingsGet)
	h.cfg.Bus.Handle(ChannelSettingsSet, h.handleSettingsSet)
	h.cfg.Bus.Handle(ChannelSettingsAll, h.handleSettingsAll)
	h.cfg.Bus.Handle(ChannelStatus, func(context.Context, ipc.Message) (any, error) {
		return h.Status(), nil
	})
	h.cfg.Events.Attach()

	h.started = time.Now()
	if err := h.cfg.Events.Emit(events.AppReady, events.AppReadyPayload{Version: h.cfg.Version}); err != nil {
		return err
	}
	h.logger.Info("host ready", "version", h.cfg.Version, "rate_limits", len(h.cfg.RateLimits))
	return nil
}

// Stop removes the host's handlers and detaches from forwarded events.
func (h *Host) Stop() {
	for _, ch := range []string{ChannelSettingsGet, ChannelSettingsSet, ChannelSettingsAll, ChannelStatus} {
		h.cfg.Bus.RemoveHandler(ch)
	}
	h.cfg.Events.Close()
}

// Status reports the live state of the host.
func (h *Host) Status() Status {
	uptime := time.Duration(0)
	if !h.started.IsZero() {
		uptime = time.Since(h.started).Round(time.Second)
	}
	return Status{
		Version:    h.cfg.Version,
		Uptime:     uptime.String(),
		Surfaces:   h.cfg.Bus.SurfaceCount(),
		Pending:    h.cfg.Bus.PendingCount(),
		Handlers:   h.cfg.Bus.HandlerChannels(),
		Events:     h.cfg.Events.EventNames(),
		RateLimits: h.cfg.Net.RateLimits(),
	}
}

type settingValue struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Exists bool   `json:"exists"`
}

func (h *Host) handleSettingsGet(ctx context.Context, msg ipc.Message) (any, error) {
	var key string
	if err := msg.Args.Decode(0, &key); err != nil {
		return nil, err
	}
	value, ok, err := h.cfg.Settings.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return settingValue{Key: key, Value: value, Exists: ok}, nil
}

func (h *Host) handleSettingsSet(ctx context.Context, msg ipc.Message) (any, error) {
	var key, value string
	if err := msg.Args.Decode(0, &key); err != nil {
		return nil, err
	}
	if err := msg.Args.Decode(1, &value); err != nil {
		return nil, err
	}
	if err := h.SetSetting(ctx, key, value); err != nil {
		return nil, err
	}
	return settingValue{Key: key, Value: value, Exists: true}, nil
}

func (h *Host) handleSettingsAll(ctx context.Context, _ ipc.Message) (any, error) {
	return h.cfg.Settings.All(ctx)
}

// SetSetting persists a setting and announces the change to every surface.
func (h *Host) SetSetting(ctx context.Context, key, value string) error {
	if key == "" {
		return settings.ErrEmptyKey
	}
	if err := h.cfg.Settings.Set(ctx, key, value); err != nil {
		return err
	}
	if err := h.cfg.Events.Emit(events.SettingsChanged, events.SettingsChangedPayload{Key: key, Value: value}); err != nil {
		// The value is already stored; only the notification failed.
		h.logger.Error("settings change not announced", "key", key, "error", err)
	}
	return nil
}

// Download fetches rawURL into dest, emitting download:progress at most every
// interval and once on completion.
func (h *Host) Download(ctx context.Context, rawURL, dest string, interval time.Duration, opts ...netclient.FetchOption) (int64, error) {
	if rawURL == "" || dest == "" {
		return 0, errors.New("download requires a url and a destination")
	}
	var last time.Time
	progress := func(written, total int64) {
		if time.Since(last) < interval {
			return
		}
		last = time.Now()
		h.emitProgress(rawURL, written, total)
	}
	n, err := h.cfg.Net.DownloadToFile(ctx, rawURL, dest, append(opts, netclient.WithProgress(progress))...)
	if err != nil {
		return 0, err
	}
	h.emitProgress(rawURL, n, n)
	return n, nil
}

func (h *Host) emitProgress(rawURL string, written, total int64) {
	payload := events.DownloadProgressPayload{URL: rawURL, Written: written, Total: total}
	if err := h.cfg.Events.Emit(events.DownloadProgress, payload); err != nil {
		h.logger.Warn("progress not emitted", "url", rawURL, "error", err)
	}
}
