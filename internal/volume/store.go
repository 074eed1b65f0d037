// Package volume names and manages the Docker volumes holding instance data.
package volume

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/neodock/neodock/internal/container"
	"github.com/neodock/neodock/internal/domain"
	"github.com/neodock/neodock/pkg/logging"
)

// Store owns volume naming and existence.
type Store struct {
	engine container.VolumeRuntime
	now    func() time.Time
	logger *logging.Logger
}

// NewStore creates a Store on top of the engine's volume API.
func NewStore(engine container.VolumeRuntime, logger *logging.Logger) *Store {
	return &Store{
		engine: engine,
		now:    time.Now,
		logger: logger.With("component", "volume"),
	}
}

// Name returns {prefix}-{env}-data for development and production and
// {prefix}-{env}-{id}-data for test.
func Name(env domain.Environment, prefix, id string) string {
	return domain.InstanceName(env, prefix, id) + "-data"
}

// Ensure returns the volume for the instance, creating it if needed.
// Development and production volumes are reused as-is; a test volume that
// already exists is wiped by recreating it so every run starts clean.
func (s *Store) Ensure(ctx context.Context, env domain.Environment, prefix, id string) (domain.VolumeRecord, error) {
	name := Name(env, prefix, id)

	existing, err := s.engine.InspectVolume(ctx, name)
	switch {
	case err == nil && env.Persistent():
		return toRecord(existing, env), nil
	case err == nil:
		s.logger.Info("Recreating leftover test volume", "volume", name)
		if err := s.engine.RemoveVolume(ctx, name); err != nil {
			return domain.VolumeRecord{}, fmt.Errorf("failed to remove stale test volume %s: %w", name, err)
		}
	case !errors.Is(err, domain.ErrVolumeNotFound):
		return domain.VolumeRecord{}, fmt.Errorf("failed to inspect volume %s: %w", name, err)
	}

	created := s.now().UTC()
	info, err := s.engine.CreateVolume(ctx, name, map[string]string{
		domain.LabelManaged:     "true",
		domain.LabelEnvironment: string(env),
		domain.LabelInstance:    domain.InstanceName(env, prefix, id),
		domain.LabelCreated:     strconv.FormatInt(created.Unix(), 10),
	})
	if err != nil {
		return domain.VolumeRecord{}, fmt.Errorf("failed to create volume %s: %w", name, err)
	}

	s.logger.Info("Volume created", "volume", name, "environment", env)
	rec := toRecord(info, env)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = created
	}
	return rec, nil
}

// Remove deletes a volume. Removing a missing volume is not an error.
func (s *Store) Remove(ctx context.Context, name string) error {
	if err := s.engine.RemoveVolume(ctx, name); err != nil {
		return fmt.Errorf("failed to remove volume %s: %w", name, err)
	}
	s.logger.Info("Volume removed", "volume", name)
	return nil
}

// List returns the managed volumes of one environment.
func (s *Store) List(ctx context.Context, env domain.Environment) ([]domain.VolumeRecord, error) {
	infos, err := s.engine.ListVolumes(ctx, map[string]string{
		domain.LabelManaged:     "true",
		domain.LabelEnvironment: string(env),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes: %w", err)
	}

	records := make([]domain.VolumeRecord, 0, len(infos))
	for _, info := range infos {
		records = append(records, toRecord(info, env))
	}
	return records, nil
}

// toRecord prefers the creation label over the engine timestamp, which
// some engines leave empty.
func toRecord(info *container.VolumeInfo, env domain.Environment) domain.VolumeRecord {
	rec := domain.VolumeRecord{
		Name:        info.Name,
		Environment: env,
		Instance:    info.Labels[domain.LabelInstance],
		CreatedAt:   info.CreatedAt,
	}
	if ts, err := strconv.ParseInt(info.Labels[domain.LabelCreated], 10, 64); err == nil {
		rec.CreatedAt = time.Unix(ts, 0).UTC()
	}
	return rec
}
