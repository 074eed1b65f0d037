// Package snapshot exports an instance's data directory to a compressed
// archive and imports it back, with version and overwrite guards.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/dustin/go-humanize"

	"github.com/neodock/neodock/internal/config"
	"github.com/neodock/neodock/internal/container"
	"github.com/neodock/neodock/internal/domain"
	"github.com/neodock/neodock/internal/events"
	"github.com/neodock/neodock/internal/graphdb"
	"github.com/neodock/neodock/internal/metrics"
	"github.com/neodock/neodock/pkg/logging"
)

// Target is the instance a snapshot is taken from or restored into.
type Target interface {
	Name() string
	ContainerID() string
	Environment() domain.Environment
	Plugins() []string
	Mount() container.Mount
	Credentials() graphdb.Credentials
	// Restart starts the stopped container and waits until it answers.
	Restart(ctx context.Context) error
}

// Manager runs exports and imports. Callers serialise operations on the
// same instance.
type Manager struct {
	engine    container.Runtime
	prober    graphdb.Prober
	dir       string
	metrics   *metrics.Collector
	publisher events.Publisher
	now       func() time.Time
	logger    *logging.Logger
}

// NewManager creates a snapshot manager. Backups are written below cfg.Dir.
func NewManager(engine container.Runtime, prober graphdb.Prober, cfg *config.SnapshotConfig, collector *metrics.Collector, publisher events.Publisher, logger *logging.Logger) *Manager {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Manager{
		engine:    engine,
		prober:    prober,
		dir:       cfg.Dir,
		metrics:   collector,
		publisher: publisher,
		now:       time.Now,
		logger:    logger.With("component", "snapshot"),
	}
}

// Export writes the target's data to dest and returns the archive path.
// When dest is an existing directory a timestamped file is created inside
// it. A running container is stopped while its files are copied so the
// store is consistent, then restarted. A stopped one is left stopped.
func (m *Manager) Export(ctx context.Context, t Target, dest string) (path string, err error) {
	start := m.now()
	defer func() { m.observe("export", start, err) }()

	meta := m.metadata(ctx, t)

	if info, statErr := os.Stat(dest); statErr == nil && info.IsDir() {
		dest = filepath.Join(dest, fileName(t.Name(), meta.ExportedAt))
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", domain.WrapOp("export", t.Name(), fmt.Errorf("failed to create %s: %w", filepath.Dir(dest), err))
	}

	info, err := m.engine.Inspect(ctx, t.ContainerID())
	if err != nil {
		return "", domain.WrapOp("export", t.Name(), err)
	}
	if info.Running {
		if err := m.engine.Stop(ctx, t.ContainerID()); err != nil {
			return "", domain.WrapOp("export", t.Name(), fmt.Errorf("failed to stop container: %w", err))
		}
	}
	writeErr := m.writeFile(ctx, t, meta, dest)
	if info.Running {
		if err := t.Restart(ctx); err != nil {
			return "", domain.WrapOp("export", t.Name(), errors.Join(writeErr, err))
		}
	}
	if writeErr != nil {
		return "", domain.WrapOp("export", t.Name(), writeErr)
	}

	m.logger.Info("Exported snapshot",
		"instance", t.Name(),
		"path", dest,
		"size", fileSize(dest),
		"nodes", meta.NodeCount,
	)
	m.publish(ctx, t, events.SnapshotExported, dest)
	return dest, nil
}

// Import replaces the target's data with the archive at src.
//
// The header is checked first. With opts.Validate the snapshot must come
// from the same major version and not be newer than the running server.
// A database holding nodes is only overwritten with opts.Force. With
// opts.Backup the current data is archived before it is replaced and put
// back if the import fails.
func (m *Manager) Import(ctx context.Context, t Target, src string, opts domain.ImportOptions) (err error) {
	start := m.now()
	defer func() { m.observe("import", start, err) }()

	f, err := os.Open(src)
	if err != nil {
		return domain.WrapOp("import", t.Name(), fmt.Errorf("failed to open snapshot: %w", err))
	}
	defer f.Close()

	archive, meta, err := openArchive(f)
	if err != nil {
		return domain.WrapOp("import", t.Name(), err)
	}
	defer archive.Close()

	if meta.FormatVersion > domain.SnapshotFormatVersion {
		return domain.WrapOp("import", t.Name(), fmt.Errorf("%w: archive format %d is newer than supported %d",
			domain.ErrIncompatibleSnapshot, meta.FormatVersion, domain.SnapshotFormatVersion))
	}

	creds := t.Credentials()
	if opts.Validate {
		running, err := m.prober.ServerVersion(ctx, creds)
		if err != nil {
			return domain.WrapOp("import", t.Name(), fmt.Errorf("failed to read server version: %w", err))
		}
		if err := Compatible(meta.DatabaseVersion, running); err != nil {
			return domain.WrapOp("import", t.Name(), err)
		}
	}

	if !opts.Force {
		nodes, err := m.prober.NodeCount(ctx, creds)
		if err != nil {
			return domain.WrapOp("import", t.Name(), fmt.Errorf("failed to count existing nodes: %w", err))
		}
		if nodes > 0 {
			return domain.WrapOp("import", t.Name(), fmt.Errorf("%w: %d nodes present", domain.ErrDataConflict, nodes))
		}
	}

	var backup string
	if opts.Backup {
		// Header fields are read while the server still answers.
		backupMeta := m.metadata(ctx, t)
		if err := m.engine.Stop(ctx, t.ContainerID()); err != nil {
			return domain.WrapOp("import", t.Name(), fmt.Errorf("failed to stop container: %w", err))
		}
		backup, err = m.backup(ctx, t, backupMeta)
		if err != nil {
			// Nothing was touched yet; bring the instance back as it was.
			if rerr := t.Restart(ctx); rerr != nil {
				m.logger.Error("Failed to restart after backup failure", "instance", t.Name(), "error", rerr)
			}
			return domain.WrapOp("import", t.Name(), err)
		}
	} else if err := m.engine.Stop(ctx, t.ContainerID()); err != nil {
		return domain.WrapOp("import", t.Name(), fmt.Errorf("failed to stop container: %w", err))
	}

	if err := m.replace(ctx, t, archive); err != nil {
		m.rollback(ctx, t, backup)
		return domain.WrapOp("import", t.Name(), err)
	}
	if err := t.Restart(ctx); err != nil {
		m.rollback(ctx, t, backup)
		return domain.WrapOp("import", t.Name(), err)
	}

	m.logger.Info("Imported snapshot",
		"instance", t.Name(),
		"path", src,
		"sourceInstance", meta.InstanceName,
		"databaseVersion", meta.DatabaseVersion,
		"backup", backup,
	)
	m.publish(ctx, t, events.SnapshotImported, src)
	return nil
}

// Compatible reports whether a snapshot taken on version snap can be loaded
// by a server running version running. An empty snapshot version is
// accepted since older archives did not record it.
func Compatible(snap, running string) error {
	if snap == "" {
		return nil
	}
	sv, err := semver.NewVersion(snap)
	if err != nil {
		return fmt.Errorf("%w: unparseable snapshot version %q", domain.ErrIncompatibleSnapshot, snap)
	}
	rv, err := semver.NewVersion(running)
	if err != nil {
		return fmt.Errorf("%w: unparseable server version %q", domain.ErrIncompatibleSnapshot, running)
	}
	if sv.Major() != rv.Major() {
		return fmt.Errorf("%w: snapshot from %s, server runs %s", domain.ErrIncompatibleSnapshot, sv, rv)
	}
	if sv.GreaterThan(rv) {
		return fmt.Errorf("%w: snapshot from newer %s, server runs %s", domain.ErrIncompatibleSnapshot, sv, rv)
	}
	return nil
}

// metadata builds the archive header. Version and node count are best
// effort: a server that does not answer still gets exported.
func (m *Manager) metadata(ctx context.Context, t Target) domain.SnapshotMetadata {
	meta := domain.SnapshotMetadata{
		FormatVersion: domain.SnapshotFormatVersion,
		ExportedAt:    m.now().UTC(),
		Environment:   t.Environment(),
		InstanceName:  t.Name(),
		Plugins:       t.Plugins(),
	}
	creds := t.Credentials()
	if v, err := m.prober.ServerVersion(ctx, creds); err == nil {
		meta.DatabaseVersion = v
	} else {
		m.logger.Warn("Could not read server version for snapshot", "instance", t.Name(), "error", err)
	}
	if n, err := m.prober.NodeCount(ctx, creds); err == nil {
		meta.NodeCount = n
	}
	return meta
}

// writeFile copies the stopped container's data into dest via dest.tmp.
func (m *Manager) writeFile(ctx context.Context, t Target, meta domain.SnapshotMetadata, dest string) error {
	rc, err := m.engine.CopyFrom(ctx, t.ContainerID(), container.DataDir)
	if err != nil {
		return fmt.Errorf("failed to copy data out of container: %w", err)
	}
	defer rc.Close()

	tmp := dest + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if err := writeArchive(f, meta, rc); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalise snapshot: %w", err)
	}
	return nil
}

func (m *Manager) backup(ctx context.Context, t Target, meta domain.SnapshotMetadata) (string, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup dir: %w", err)
	}
	dest := filepath.Join(m.dir, "backup-"+fileName(t.Name(), meta.ExportedAt))
	if err := m.writeFile(ctx, t, meta, dest); err != nil {
		return "", fmt.Errorf("backup failed: %w", err)
	}
	m.logger.Info("Backed up data before import", "instance", t.Name(), "path", dest, "size", fileSize(dest))
	return dest, nil
}

// replace wipes the data mount and extracts the archive's data tree into it.
func (m *Manager) replace(ctx context.Context, t Target, archive *reader) error {
	if err := m.engine.ResetMount(ctx, t.Mount()); err != nil {
		return fmt.Errorf("failed to clear data directory: %w", err)
	}

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		err := archive.writeData(pw)
		pw.CloseWithError(err)
		done <- err
	}()
	err := m.engine.CopyTo(ctx, t.ContainerID(), container.DataDir, pr)
	// Unblock the writer if CopyTo stopped reading early.
	pr.CloseWithError(io.ErrClosedPipe)
	werr := <-done
	if err != nil {
		return fmt.Errorf("failed to copy data into container: %w", err)
	}
	if werr != nil && !errors.Is(werr, io.ErrClosedPipe) {
		return fmt.Errorf("failed to read snapshot: %w", werr)
	}
	return nil
}

// rollback puts the backup back after a failed import. Errors are logged;
// the caller reports the original failure.
func (m *Manager) rollback(ctx context.Context, t Target, backup string) {
	ctx = context.WithoutCancel(ctx)
	log := m.logger.With("instance", t.Name())

	if backup == "" {
		log.Warn("Import failed without a backup; restarting with whatever data remains")
	} else {
		log.Warn("Import failed, restoring backup", "path", backup)
		if err := m.restore(ctx, t, backup); err != nil {
			log.Error("Failed to restore backup", "path", backup, "error", err)
		}
	}

	if info, err := m.engine.Inspect(ctx, t.ContainerID()); err == nil && info.Running {
		return
	}
	if err := t.Restart(ctx); err != nil {
		log.Error("Failed to restart after rollback", "error", err)
	}
}

func (m *Manager) restore(ctx context.Context, t Target, path string) error {
	if err := m.engine.Stop(ctx, t.ContainerID()); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	archive, _, err := openArchive(f)
	if err != nil {
		return err
	}
	defer archive.Close()

	// The injected failure may still be in place, so this can fail too.
	return m.replace(ctx, t, archive)
}

func (m *Manager) publish(ctx context.Context, t Target, typ events.Type, path string) {
	e := events.New(typ, t.Name())
	e.ContainerID = t.ContainerID()
	e.Environment = t.Environment()
	e.Detail = map[string]string{"path": path}
	if err := m.publisher.Publish(ctx, e); err != nil {
		m.logger.Warn("Failed to publish event", "type", typ, "error", err)
	}
}

func (m *Manager) observe(op string, start time.Time, err error) {
	if m.metrics == nil {
		return
	}
	m.metrics.SnapshotOpsTotal.WithLabelValues(op, metrics.Result(err)).Inc()
	m.metrics.SnapshotDuration.WithLabelValues(op).Observe(m.now().Sub(start).Seconds())
}

func fileSize(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "unknown"
	}
	return humanize.Bytes(uint64(info.Size()))
}
