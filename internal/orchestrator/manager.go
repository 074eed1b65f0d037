// Package orchestrator decides between reusing, restarting and creating a
// database container for an InstanceConfig, and owns the lifecycle of the
// containers it hands out.
package orchestrator

import (
	"context"
	"time"

	"github.com/neodock/neodock/internal/config"
	"github.com/neodock/neodock/internal/domain"
)

// Manager defines the lifecycle operations exposed to the API and CLI.
type Manager interface {
	// Start returns a ready instance for cfg, reusing a running container
	// with matching credentials when there is one.
	Start(ctx context.Context, cfg domain.InstanceConfig) (*Instance, error)

	// Stop stops a managed container. Test instances are removed together
	// with their volume and ports; other environments keep both.
	Stop(ctx context.Context, containerID string) error

	// StopAll stops every container started by this process.
	StopAll(ctx context.Context) error

	// List returns handles for every managed container, running or not.
	List(ctx context.Context) ([]*Instance, error)

	// Get returns the handle for one managed container.
	Get(ctx context.Context, containerID string) (*Instance, error)

	// Cleanup removes test containers and volumes older than keepDays.
	Cleanup(ctx context.Context, keepDays int) (*CleanupReport, error)

	// StartSweeper runs Cleanup and port reconciliation periodically.
	StartSweeper(ctx context.Context) error

	// StopSweeper stops the background sweep.
	StopSweeper() error
}

// Config holds the orchestrator's tunables.
type Config struct {
	Image         string        // Used when the InstanceConfig names none
	ReadyInterval time.Duration // Pause between readiness probes
	ReadyAttempts int           // Probes before ErrStartupTimeout
	Workers       int           // Parallelism of StopAll and Cleanup

	SweepInterval time.Duration // Zero disables the background sweep
	KeepDays      int           // Retention used by the sweep

	// AllowProductionDestroy must be true, in addition to the caller's
	// ConfirmDestroy, before a production container is recreated.
	AllowProductionDestroy bool
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Image:         domain.DefaultImage,
		ReadyInterval: time.Second,
		ReadyAttempts: 30,
		Workers:       4,
		KeepDays:      7,
	}
}

// ConfigFrom extracts the orchestrator settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Image:                  cfg.Docker.Image,
		ReadyInterval:          cfg.Readiness.Interval,
		ReadyAttempts:          cfg.Readiness.Attempts,
		Workers:                cfg.Cleanup.Workers,
		SweepInterval:          cfg.Cleanup.Interval,
		KeepDays:               cfg.Cleanup.KeepDays,
		AllowProductionDestroy: cfg.Safety.AllowProductionDestroy,
	}
}

// CleanupReport lists what a Cleanup removed.
type CleanupReport struct {
	Containers    []string `json:"containers"`
	Volumes       []string `json:"volumes"`
	PortsReleased int      `json:"ports_released"`
}
