// Package starkeeper is the embeddable facade over the fleet orchestrator:
// configuration loading, fleet assembly, the control API server and metrics
// registration.
package starkeeper

import (
	"context"
	"io"
	"net/http"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/starkeeper/starkeeper/internal/assets"
	"github.com/starkeeper/starkeeper/internal/config"
	"github.com/starkeeper/starkeeper/internal/events"
	"github.com/starkeeper/starkeeper/internal/events/factory"
	"github.com/starkeeper/starkeeper/internal/logger"
	"github.com/starkeeper/starkeeper/internal/manager"
	"github.com/starkeeper/starkeeper/internal/metrics"
	"github.com/starkeeper/starkeeper/internal/notify"
	"github.com/starkeeper/starkeeper/internal/player"
	"github.com/starkeeper/starkeeper/internal/registry"
	iapi "github.com/starkeeper/starkeeper/internal/server"
)

// Re-export core types for external consumers.

type Config = config.Config

type ServerConfig = config.Server

type EventSink = events.Sink

// LoadConfig reads, resolves and validates a starter.json file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// SetupLogging installs the default colored slog handler.
func SetupLogging(level string) { logger.Setup(level) }

// Starter owns an assembled fleet and its shared collaborators.
type Starter struct {
	cfg   *Config
	fleet *manager.Fleet
	sinks []events.Sink
}

// New assembles the fleet from a loaded config: registry client, notifier,
// event sink, name cache, asset syncer and one managed server per entry.
func New(cfg *Config) (*Starter, error) {
	reg := registry.New(cfg.RegistryURL, cfg.RegistryWindow)
	notifier := notify.New(cfg.NotifyWebhook)

	var sinks []events.Sink
	if cfg.EventsDSN != "" {
		sink, err := factory.NewSinkFromDSN(cfg.EventsDSN)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	cache, err := player.OpenNameCache(filepath.Join(cfg.DataDir, "playerCache.json"))
	if err != nil {
		return nil, err
	}

	var syncer assets.Syncer
	if cfg.DownloadDir != "" {
		syncer = &assets.DirSyncer{SourceDir: cfg.DownloadDir, Version: cfg.LatestVersion}
	}

	deps := manager.Deps{
		DataDir:  cfg.DataDir,
		Registry: reg,
		Notifier: notifier,
		Sinks:    sinks,
		Syncer:   syncer,
		Cache:    cache,
		GameLog:  cfg.Log,
	}
	servers := make([]*manager.ManagedServer, 0, len(cfg.Servers))
	for _, sc := range cfg.Servers {
		servers = append(servers, manager.NewManagedServer(sc, deps))
	}

	return &Starter{cfg: cfg, fleet: manager.NewFleet(reg, servers), sinks: sinks}, nil
}

// Fleet exposes the managed servers for the control API and embeddings.
func (s *Starter) Fleet() *manager.Fleet { return s.fleet }

// Run starts every configured server and drives the fleet tick loop until
// ctx is cancelled or a fleet-fatal error occurs.
func (s *Starter) Run(ctx context.Context) error {
	s.fleet.StartAll()
	return s.fleet.Run(ctx)
}

// Close releases event sink connections.
func (s *Starter) Close() {
	for _, sink := range s.sinks {
		if c, ok := sink.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

// NewHTTPServer starts the control API on addr. shutdown is invoked by
// POST /api/shutdown.
func NewHTTPServer(addr string, s *Starter, shutdown func()) *http.Server {
	return iapi.NewServer(addr, s.fleet, shutdown)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// MetricsHandler exposes the prometheus handler for custom mounting.
func MetricsHandler() http.Handler { return metrics.Handler() }
