package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neodock/neodock/internal/config"
	"github.com/neodock/neodock/internal/container"
	"github.com/neodock/neodock/internal/container/containertest"
	"github.com/neodock/neodock/internal/domain"
	"github.com/neodock/neodock/internal/events"
	"github.com/neodock/neodock/internal/graphdb"
	"github.com/neodock/neodock/internal/graphdb/graphdbtest"
	"github.com/neodock/neodock/internal/metrics"
	"github.com/neodock/neodock/pkg/logging"
)

type testTarget struct {
	name   string
	id     string
	mount  container.Mount
	creds  graphdb.Credentials
	engine *containertest.Fake
	prober *graphdbtest.Fake

	// restartErrs are returned by successive Restart calls before the
	// real restart runs.
	restartErrs []error
	restarts    int
}

func (t *testTarget) Name() string                     { return t.name }
func (t *testTarget) ContainerID() string              { return t.id }
func (t *testTarget) Environment() domain.Environment  { return domain.EnvDevelopment }
func (t *testTarget) Plugins() []string                { return []string{"apoc"} }
func (t *testTarget) Mount() container.Mount           { return t.mount }
func (t *testTarget) Credentials() graphdb.Credentials { return t.creds }

func (t *testTarget) Restart(ctx context.Context) error {
	t.restarts++
	if len(t.restartErrs) > 0 {
		err := t.restartErrs[0]
		t.restartErrs = t.restartErrs[1:]
		if err != nil {
			return err
		}
	}
	if err := t.engine.Start(ctx, t.id); err != nil {
		return err
	}
	return t.prober.Probe(ctx, t.creds)
}

type fixture struct {
	engine    *containertest.Fake
	prober    *graphdbtest.Fake
	publisher *events.MemoryPublisher
	manager   *Manager
	dir       string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		engine:    containertest.New(),
		prober:    graphdbtest.New(),
		publisher: &events.MemoryPublisher{},
		dir:       t.TempDir(),
	}
	f.manager = NewManager(f.engine, f.prober,
		&config.SnapshotConfig{Dir: filepath.Join(f.dir, "backups")},
		metrics.NewCollector(), f.publisher, logging.Nop())
	return f
}

// addInstance registers a running container plus a reachable server.
func (f *fixture) addInstance(name string, port int, server graphdbtest.Server) *testTarget {
	mount := container.Mount{VolumeName: name + "-data", Target: container.DataDir}
	f.engine.AddVolume(container.VolumeInfo{Name: mount.VolumeName})
	f.engine.AddContainer(container.ContainerInfo{
		ID:      name + "-id",
		Name:    name,
		State:   "running",
		Running: true,
		Mount:   mount,
	})
	uri := (&domain.ContainerRecord{BoltPort: port}).BoltURI()
	f.prober.Set(uri, server)
	return &testTarget{
		name:   name,
		id:     name + "-id",
		mount:  mount,
		creds:  graphdb.Credentials{URI: uri, Username: domain.DefaultUsername, Password: server.Password},
		engine: f.engine,
		prober: f.prober,
	}
}

func seed(f *fixture, t *testTarget, files map[string]string) {
	for name, data := range files {
		f.engine.WriteFile(t.mount, name, []byte(data))
	}
}

func filesOf(f *fixture, t *testTarget) map[string]string {
	out := map[string]string{}
	for k, v := range f.engine.Files(t.mount) {
		out[k] = string(v)
	}
	return out
}

var sampleFiles = map[string]string{
	"databases/neo4j/neostore":       "store",
	"databases/neo4j/neostore.nodes": "nodes",
	"transactions/neo4j/tx.log":      "log",
}

func TestExport_WritesArchiveWithHeader(t *testing.T) {
	f := newFixture(t)
	src := f.addInstance("neodock-development", 7687, graphdbtest.Server{Password: "password1", Nodes: 42})
	seed(f, src, sampleFiles)

	path, err := f.manager.Export(context.Background(), src, f.dir)
	require.NoError(t, err)

	assert.Equal(t, f.dir, filepath.Dir(path))
	assert.True(t, strings.HasPrefix(filepath.Base(path), "neodock-development-"))
	assert.True(t, strings.HasSuffix(path, ".tar.gz"))
	assert.NoFileExists(t, path+".tmp")

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	archive, meta, err := openArchive(file)
	require.NoError(t, err)
	defer archive.Close()

	assert.Equal(t, domain.SnapshotFormatVersion, meta.FormatVersion)
	assert.Equal(t, "5.26.0", meta.DatabaseVersion)
	assert.Equal(t, int64(42), meta.NodeCount)
	assert.Equal(t, "neodock-development", meta.InstanceName)
	assert.Equal(t, []string{"apoc"}, meta.Plugins)

	// Stopped for the copy, running again afterwards.
	info, ok := f.engine.Container(src.id)
	require.True(t, ok)
	assert.True(t, info.Info.Running)
	assert.Equal(t, 1, src.restarts)
	assert.Equal(t, []events.Type{events.SnapshotExported}, f.publisher.Types())
}

func TestExport_StoppedContainerStaysStopped(t *testing.T) {
	f := newFixture(t)
	src := f.addInstance("neodock-test", 7688, graphdbtest.Server{Password: "password1"})
	seed(f, src, sampleFiles)
	require.NoError(t, f.engine.Stop(context.Background(), src.id))

	path, err := f.manager.Export(context.Background(), src, f.dir)
	require.NoError(t, err)
	assert.FileExists(t, path)

	info, ok := f.engine.Container(src.id)
	require.True(t, ok)
	assert.False(t, info.Info.Running)
	assert.Equal(t, 0, src.restarts)
	assert.Equal(t, 1, f.engine.CallCount("Stop"))
}

func TestExport_MissingContainer(t *testing.T) {
	f := newFixture(t)
	src := f.addInstance("neodock-test", 7688, graphdbtest.Server{Password: "password1"})
	require.NoError(t, f.engine.Remove(context.Background(), src.id))

	_, err := f.manager.Export(context.Background(), src, f.dir)
	require.ErrorIs(t, err, domain.ErrContainerNotFound)
	assert.Equal(t, 0, src.restarts)
}

func TestExport_ExplicitFileName(t *testing.T) {
	f := newFixture(t)
	src := f.addInstance("neodock-development", 7687, graphdbtest.Server{Password: "password1"})
	seed(f, src, sampleFiles)

	dest := filepath.Join(f.dir, "nested", "dump.tar.gz")
	path, err := f.manager.Export(context.Background(), src, dest)
	require.NoError(t, err)
	assert.Equal(t, dest, path)
	assert.FileExists(t, dest)
}

func TestExportImport_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.addInstance("neodock-development", 7687, graphdbtest.Server{Password: "password1", Nodes: 3})
	seed(f, src, sampleFiles)
	dst := f.addInstance("neodock-test-abc", 7697, graphdbtest.Server{Password: "password2"})
	seed(f, dst, map[string]string{"stale": "old"})

	path, err := f.manager.Export(ctx, src, f.dir)
	require.NoError(t, err)

	err = f.manager.Import(ctx, dst, path, domain.ImportOptions{Validate: true})
	require.NoError(t, err)

	assert.Equal(t, sampleFiles, filesOf(f, dst))
	assert.Equal(t, sampleFiles, filesOf(f, src))
	info, _ := f.engine.Container(dst.id)
	assert.True(t, info.Info.Running)
	assert.Equal(t, []events.Type{events.SnapshotExported, events.SnapshotImported}, f.publisher.Types())
}

func TestImport_ExistingDataWithoutForce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.addInstance("neodock-development", 7687, graphdbtest.Server{Password: "password1"})
	seed(f, src, sampleFiles)
	dst := f.addInstance("neodock-production", 7697, graphdbtest.Server{Password: "password2", Nodes: 10})
	seed(f, dst, map[string]string{"precious": "data"})

	path, err := f.manager.Export(ctx, src, f.dir)
	require.NoError(t, err)
	stopsBefore := f.engine.CallCount("Stop")

	err = f.manager.Import(ctx, dst, path, domain.ImportOptions{Validate: true, Backup: true})
	require.ErrorIs(t, err, domain.ErrDataConflict)

	assert.Equal(t, map[string]string{"precious": "data"}, filesOf(f, dst))
	assert.Equal(t, stopsBefore, f.engine.CallCount("Stop"))
	assert.Zero(t, f.engine.CallCount("CopyTo"))
}

func TestImport_ForceOverwritesWithBackup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.addInstance("neodock-development", 7687, graphdbtest.Server{Password: "password1"})
	seed(f, src, sampleFiles)
	dst := f.addInstance("neodock-production", 7697, graphdbtest.Server{Password: "password2", Nodes: 10})
	seed(f, dst, map[string]string{"precious": "data"})

	path, err := f.manager.Export(ctx, src, f.dir)
	require.NoError(t, err)

	err = f.manager.Import(ctx, dst, path, domain.ImportOptions{Backup: true, Force: true})
	require.NoError(t, err)
	assert.Equal(t, sampleFiles, filesOf(f, dst))

	backups, err := filepath.Glob(filepath.Join(f.dir, "backups", "backup-neodock-production-*.tar.gz"))
	require.NoError(t, err)
	require.Len(t, backups, 1)

	// The backup holds the data that was overwritten.
	restoreInto := f.addInstance("neodock-test-restore", 7707, graphdbtest.Server{Password: "password3"})
	require.NoError(t, f.manager.Import(ctx, restoreInto, backups[0], domain.ImportOptions{}))
	assert.Equal(t, map[string]string{"precious": "data"}, filesOf(f, restoreInto))
}

func TestImport_IncompatibleVersion(t *testing.T) {
	tests := []struct {
		name     string
		running  string
		validate bool
		wantErr  bool
	}{
		{"older major", "4.4.30", true, true},
		{"older minor", "5.20.0", true, true},
		{"same version", "5.26.0", true, false},
		{"newer minor", "5.27.0", true, false},
		{"skip validation", "4.4.30", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			src := f.addInstance("neodock-development", 7687, graphdbtest.Server{Password: "password1", Version: "5.26.0"})
			seed(f, src, sampleFiles)
			dst := f.addInstance("neodock-test-v", 7697, graphdbtest.Server{Password: "password2", Version: tt.running})

			path, err := f.manager.Export(ctx, src, f.dir)
			require.NoError(t, err)

			err = f.manager.Import(ctx, dst, path, domain.ImportOptions{Validate: tt.validate})
			if tt.wantErr {
				require.ErrorIs(t, err, domain.ErrIncompatibleSnapshot)
				assert.Empty(t, filesOf(f, dst))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, sampleFiles, filesOf(f, dst))
		})
	}
}

func TestImport_RestoresBackupWhenRestartFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.addInstance("neodock-development", 7687, graphdbtest.Server{Password: "password1"})
	seed(f, src, sampleFiles)
	dst := f.addInstance("neodock-production", 7697, graphdbtest.Server{Password: "password2", Nodes: 1})
	seed(f, dst, map[string]string{"precious": "data"})

	path, err := f.manager.Export(ctx, src, f.dir)
	require.NoError(t, err)

	boom := errors.New("database did not come back")
	dst.restartErrs = []error{boom}

	err = f.manager.Import(ctx, dst, path, domain.ImportOptions{Backup: true, Force: true})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, map[string]string{"precious": "data"}, filesOf(f, dst))
	info, _ := f.engine.Container(dst.id)
	assert.True(t, info.Info.Running)
	assert.Equal(t, 2, dst.restarts)
}

func TestImport_CopyFailureRestartsInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.addInstance("neodock-development", 7687, graphdbtest.Server{Password: "password1"})
	seed(f, src, sampleFiles)
	dst := f.addInstance("neodock-test-x", 7697, graphdbtest.Server{Password: "password2"})

	path, err := f.manager.Export(ctx, src, f.dir)
	require.NoError(t, err)

	copyErr := errors.New("no space left on device")
	f.engine.CopyToErr = copyErr

	err = f.manager.Import(ctx, dst, path, domain.ImportOptions{Backup: true})
	require.ErrorIs(t, err, copyErr)

	var opErr *domain.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "import", opErr.Op)

	info, _ := f.engine.Container(dst.id)
	assert.True(t, info.Info.Running)
}

func TestImport_RejectsNonArchive(t *testing.T) {
	f := newFixture(t)
	dst := f.addInstance("neodock-test-x", 7697, graphdbtest.Server{Password: "password2"})

	bogus := filepath.Join(f.dir, "notes.txt")
	require.NoError(t, os.WriteFile(bogus, []byte("hello"), 0o644))

	err := f.manager.Import(context.Background(), dst, bogus, domain.ImportOptions{Force: true})
	require.Error(t, err)
	assert.Zero(t, f.engine.CallCount("Stop"))
}

func TestCompatible(t *testing.T) {
	tests := []struct {
		snap    string
		running string
		ok      bool
	}{
		{"5.26.0", "5.26.0", true},
		{"5.12.0", "5.26.0", true},
		{"5.26.1", "5.26.0", false},
		{"4.4.0", "5.26.0", false},
		{"", "5.26.0", true},
		{"garbage", "5.26.0", false},
	}

	for _, tt := range tests {
		t.Run(tt.snap+"->"+tt.running, func(t *testing.T) {
			err := Compatible(tt.snap, tt.running)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, domain.ErrIncompatibleSnapshot)
			}
		})
	}
}

func TestDataPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"data/databases/neo4j", "databases/neo4j", true},
		{"data/", "", false},
		{"data/../etc/passwd", "", false},
		{"snapshot.json", "", false},
		{"other/file", "", false},
	}

	for _, tt := range tests {
		got, ok := dataPath(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
