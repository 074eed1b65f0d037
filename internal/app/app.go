// Package app wires the lifecycle engine together from configuration. Both
// the HTTP server and the neodock command build on it.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/neodock/neodock/internal/config"
	"github.com/neodock/neodock/internal/container"
	"github.com/neodock/neodock/internal/events"
	"github.com/neodock/neodock/internal/graphdb"
	"github.com/neodock/neodock/internal/metrics"
	"github.com/neodock/neodock/internal/orchestrator"
	"github.com/neodock/neodock/internal/ports"
	"github.com/neodock/neodock/internal/snapshot"
	"github.com/neodock/neodock/internal/volume"
	"github.com/neodock/neodock/pkg/logging"
)

// App holds the wired components. Close releases them in reverse order.
type App struct {
	Config       *config.Config
	Logger       *logging.Logger
	Metrics      *metrics.Collector
	Engine       *container.DockerRuntime
	Allocator    *ports.Allocator
	Publisher    events.Publisher
	Snapshots    *snapshot.Manager
	Orchestrator *orchestrator.Orchestrator

	closers []func() error
}

// New connects to Docker, opens the port table and the event stream, and
// builds the orchestrator.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*App, error) {
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.NewCollector(),
	}

	if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create home directory: %w", err)
	}

	engine, err := container.NewDockerRuntime(ctx, &cfg.Docker, logger)
	if err != nil {
		return nil, err
	}
	a.Engine = engine
	a.closers = append(a.closers, engine.Close)

	table, err := openTable(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	if vt, ok := table.(*ports.ValkeyTable); ok {
		a.closers = append(a.closers, func() error {
			vt.Close()
			return nil
		})
	}
	a.Allocator = ports.NewAllocator(table, cfg.Ports, logger)

	a.Publisher = events.NopPublisher{}
	if cfg.Events.NATSURL != "" {
		publisher, err := events.NewNATSPublisher(ctx, &cfg.Events)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Publisher = publisher
		a.closers = append(a.closers, publisher.Close)
		logger.Info("Publishing lifecycle events", "url", cfg.Events.NATSURL, "stream", cfg.Events.StreamName)
	}

	prober := graphdb.NewNeo4jProber(cfg.Readiness.QueryTimeout, logger)
	a.Snapshots = snapshot.NewManager(engine, prober, &cfg.Snapshot, a.Metrics, a.Publisher, logger)
	a.Orchestrator = orchestrator.New(
		orchestrator.ConfigFrom(cfg),
		engine,
		volume.NewStore(engine, logger),
		a.Allocator,
		prober,
		a.Snapshots,
		a.Publisher,
		a.Metrics,
		logger,
	)

	return a, nil
}

func openTable(cfg *config.Config) (ports.Table, error) {
	switch cfg.Ports.Backend {
	case "valkey":
		table, err := ports.NewValkeyTable(&cfg.Store)
		if err != nil {
			return nil, err
		}
		return table, nil
	case "file", "":
		table, err := ports.NewFileTable(cfg.Ports.TablePath, cfg.Ports.LockWait)
		if err != nil {
			return nil, err
		}
		return table, nil
	default:
		return nil, fmt.Errorf("unknown port table backend %q", cfg.Ports.Backend)
	}
}

// Close releases every connection opened by New. Errors are logged.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("Failed to close component", "error", err)
		}
	}
	a.closers = nil
}
