// Package container wires the kisaki host services using go.uber.org/dig.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/dig"

	"kisaki/internal/app"
	"kisaki/internal/config"
	"kisaki/internal/events"
	"kisaki/internal/ipc"
	"kisaki/internal/logging"
	"kisaki/internal/metrics"
	"kisaki/internal/netclient"
	"kisaki/internal/settings"
	"kisaki/internal/surface"
)

// Container holds the resolved host singletons.
// Callers use the typed getter methods; they never need to import dig directly.
type Container struct {
	cfg       *config.Config
	logger    *slog.Logger
	collector *metrics.MetricsCollector
	store     *settings.Store
	net       *netclient.Client
	server    *surface.Server
	bus       *ipc.Bus
	events    *events.Service
	host      *app.Host
}

func (c *Container) Config() *config.Config             { return c.cfg }
func (c *Container) Logger() *slog.Logger               { return c.logger }
func (c *Container) Metrics() *metrics.MetricsCollector { return c.collector }
func (c *Container) Settings() *settings.Store          { return c.store }
func (c *Container) Net() *netclient.Client             { return c.net }
func (c *Container) Server() *surface.Server            { return c.server }
func (c *Container) Bus() *ipc.Bus                      { return c.bus }
func (c *Container) Events() *events.Service            { return c.events }
func (c *Container) Host() *app.Host                    { return c.host }

// Version is a named string so dig can tell the build version apart from
// other strings.
type Version string

// New builds and wires every host service from cfg. Nothing listens until the
// caller starts the server.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Container, error) {
	d := dig.New()

	// Resources opened while wiring; released if a later constructor fails.
	var opened []func() error
	release := func() {
		for i := len(opened) - 1; i >= 0; i-- {
			if err := opened[i](); err != nil {
				logging.Or(logger).Warn("release after failed wiring", "error", err)
			}
		}
	}

	providers := []any{
		func() *config.Config { return cfg },
		func() *slog.Logger { return logger },
		func() Version { return Version(version) },
		metrics.NewMetricsCollector,
		func(cfg *config.Config, logger *slog.Logger) (*settings.Store, error) {
			store, err := newSettingsStore(cfg, logger)
			if err == nil {
				opened = append(opened, store.Close)
			}
			return store, err
		},
		NewNetClient,
		newServer,
		newBus,
		newEvents,
		newHost,
	}
	for _, p := range providers {
		if err := d.Provide(p); err != nil {
			return nil, err
		}
	}

	var result *Container
	err := d.Invoke(func(
		collector *metrics.MetricsCollector,
		store *settings.Store,
		nc *netclient.Client,
		server *surface.Server,
		bus *ipc.Bus,
		ev *events.Service,
		host *app.Host,
	) {
		result = &Container{
			cfg:       cfg,
			logger:    logger,
			collector: collector,
			store:     store,
			net:       nc,
			server:    server,
			bus:       bus,
			events:    ev,
			host:      host,
		}
	})
	if err != nil {
		release()
		return nil, fmt.Errorf("wire services: %w", dig.RootCause(err))
	}
	return result, nil
}

// flushTimeout bounds how long Close waits for queued surface messages.
const flushTimeout = 2 * time.Second

// Close stops the host and releases every service, in reverse wiring order.
func (c *Container) Close() error {
	c.host.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	if err := c.bus.Flush(ctx); err != nil {
		logging.Or(c.logger).Warn("surface messages still queued at shutdown", "error", err)
	}
	cancel()
	c.events.RemoveAllListeners()
	c.bus.Dispose()
	c.server.Close()
	return c.store.Close()
}

var openSettings = settings.Open

func newSettingsStore(cfg *config.Config, logger *slog.Logger) (*settings.Store, error) {
	return openSettings(cfg.Settings.DBPath, logger)
}

// NewNetClient builds the outbound HTTP client from the network config. Rate
// limits are registered by the host at start.
func NewNetClient(cfg *config.Config, logger *slog.Logger, m *metrics.MetricsCollector) (*netclient.Client, error) {
	httpClient := &http.Client{}
	if cfg.Network.Proxy != "" {
		proxy, err := url.Parse(cfg.Network.Proxy)
		if err != nil {
			return nil, fmt.Errorf("network.proxy: %w", err)
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.Proxy = http.ProxyURL(proxy)
		httpClient.Transport = transport
	}
	retries := cfg.Network.Retries
	if retries == 0 {
		retries = -1
	}
	return netclient.New(netclient.Config{
		HTTPClient: httpClient,
		Logger:     logger,
		Metrics:    m,
		UserAgent:  cfg.Network.UserAgent,
		Timeout:    cfg.Network.Timeout(),
		Retries:    retries,
	}), nil
}

func newServer(cfg *config.Config, logger *slog.Logger, m *metrics.MetricsCollector) *surface.Server {
	sc := surface.ServerConfig{
		Addr:          cfg.IPC.Addr(),
		Path:          cfg.IPC.Path,
		Logger:        logger,
		Metrics:       m,
		ReadLimit:     cfg.IPC.ReadLimitBytes,
		InvokeTimeout: cfg.IPC.InvokeTimeout(),
	}
	if cfg.Metrics.Enabled {
		sc.MetricsEndpoint = cfg.Metrics.Endpoint
	}
	return surface.NewServer(sc)
}

func newBus(cfg *config.Config, server *surface.Server, logger *slog.Logger, m *metrics.MetricsCollector) (*ipc.Bus, error) {
	return ipc.New(ipc.Config{
		Transport:  server,
		MaxPending: cfg.IPC.MaxPending,
		Logger:     logger,
		Metrics:    m,
	})
}

func newEvents(bus *ipc.Bus, logger *slog.Logger, m *metrics.MetricsCollector) *events.Service {
	return events.New(events.Config{Bridge: bus, Logger: logger, Metrics: m})
}

func newHost(
	cfg *config.Config,
	bus *ipc.Bus,
	ev *events.Service,
	store *settings.Store,
	nc *netclient.Client,
	logger *slog.Logger,
	version Version,
) *app.Host {
	return app.New(app.Config{
		Bus:        bus,
		Events:     ev,
		Settings:   store,
		Net:        nc,
		RateLimits: cfg.Network.RateLimits,
		Version:    string(version),
		Logger:     logger,
	})
}
