package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neodock/neodock/internal/container"
	"github.com/neodock/neodock/internal/domain"
	"github.com/neodock/neodock/internal/events"
	"github.com/neodock/neodock/internal/graphdb"
	"github.com/neodock/neodock/internal/metrics"
	"github.com/neodock/neodock/internal/ports"
	"github.com/neodock/neodock/internal/snapshot"
	"github.com/neodock/neodock/internal/volume"
	"github.com/neodock/neodock/pkg/logging"
)

// Ports Neo4j listens on inside the container.
const (
	containerHTTPPort = 7474
	containerBoltPort = 7687
)

// ListenFunc reports whether something accepts connections on host:port.
type ListenFunc func(ctx context.Context, host string, port int) bool

// HTTPFunc reports whether url answers.
type HTTPFunc func(ctx context.Context, url string) bool

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHealthChecks replaces the TCP and HTTP checks.
func WithHealthChecks(listen ListenFunc, http HTTPFunc) Option {
	return func(o *Orchestrator) {
		o.listening = listen
		o.answers = http
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDFunc overrides how test instance ids are generated.
func WithIDFunc(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// Orchestrator implements Manager.
type Orchestrator struct {
	cfg       Config
	engine    container.Runtime
	volumes   *volume.Store
	ports     *ports.Allocator
	prober    graphdb.Prober
	snapshots *snapshot.Manager
	publisher events.Publisher
	metrics   *metrics.Collector
	logger    *logging.Logger

	listening ListenFunc
	answers   HTTPFunc
	now       func() time.Time
	newID     func() string

	locks *keyedMutex

	mu      sync.Mutex
	records map[string]*entry // by container ID, only for this process

	sweepMu sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// entry is what the process remembers about a container it started.
type entry struct {
	record domain.ContainerRecord
	creds  graphdb.Credentials
}

// New creates an orchestrator and registers it as the allocator's liveness
// check.
func New(
	cfg Config,
	engine container.Runtime,
	volumes *volume.Store,
	allocator *ports.Allocator,
	prober graphdb.Prober,
	snapshots *snapshot.Manager,
	publisher events.Publisher,
	m *metrics.Collector,
	logger *logging.Logger,
	opts ...Option,
) *Orchestrator {
	if cfg.ReadyAttempts <= 0 {
		cfg.ReadyAttempts = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}

	logger = logger.With("component", "orchestrator")
	health := container.DefaultHealthCheckConfig()
	client := container.NewHealthClient(health)

	o := &Orchestrator{
		cfg:       cfg,
		engine:    engine,
		volumes:   volumes,
		ports:     allocator,
		prober:    prober,
		snapshots: snapshots,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		listening: func(ctx context.Context, host string, port int) bool {
			return container.CheckListening(ctx, host, port, health, logger)
		},
		answers: func(ctx context.Context, url string) bool {
			return container.CheckHTTP(ctx, client, url, logger)
		},
		now:     time.Now,
		newID:   uuid.NewString,
		locks:   newKeyedMutex(),
		records: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(o)
	}

	allocator.SetLiveFunc(o.instanceExists)
	return o
}

// Start implements Manager.
func (o *Orchestrator) Start(ctx context.Context, cfg domain.InstanceConfig) (inst *Instance, err error) {
	began := o.now()
	if cfg.Image == "" {
		cfg.Image = o.cfg.Image
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, domain.WrapOp("start", "", err)
	}

	var id string
	if cfg.Environment == domain.EnvTest {
		id = o.newID()
	}
	name := domain.InstanceName(cfg.Environment, cfg.ContainerPrefix, id)
	log := o.logger.With("instance", name, "environment", cfg.Environment)

	unlock := o.locks.Lock(name)
	defer unlock()

	outcome := metrics.StartFailed
	defer func() {
		if o.metrics != nil {
			o.metrics.StartsTotal.WithLabelValues(string(cfg.Environment), outcome).Inc()
			o.metrics.StartDuration.WithLabelValues(outcome).Observe(o.now().Sub(began).Seconds())
		}
		if err != nil {
			log.Warn("Start failed", "error", err)
		}
	}()

	existing, err := o.engine.FindByName(ctx, name)
	switch {
	case errors.Is(err, domain.ErrContainerNotFound):
		existing = nil
	case err != nil:
		return nil, domain.WrapOp("start", name, err)
	case existing.Labels[domain.LabelManaged] != "true":
		return nil, domain.WrapOp("start", name, fmt.Errorf("name is taken by a container neodock does not manage"))
	}

	recreated := false
	if existing != nil {
		resumed, how, rerr := o.resume(ctx, cfg, existing)
		if rerr == nil {
			outcome = how
			o.emit(ctx, eventFor(how), resumed.record)
			return resumed, nil
		}
		if !errors.Is(rerr, domain.ErrAuthMismatch) {
			return nil, domain.WrapOp("start", name, rerr)
		}

		log.Info("Running database rejected the supplied credentials")
		if err := o.destroyStale(ctx, cfg, existing); err != nil {
			return nil, domain.WrapOp("start", name, err)
		}
		recreated = true
	}

	inst, err = o.create(ctx, cfg, name, id)
	if err != nil {
		return nil, domain.WrapOp("start", name, err)
	}

	outcome = metrics.StartCreated
	if recreated {
		outcome = metrics.StartRecreated
	}
	log.Info("Instance ready", "containerID", shortID(inst.ContainerID()), "outcome", outcome, "uri", inst.URI())
	o.emit(ctx, eventFor(outcome), inst.record)
	return inst, nil
}

// resume brings an existing container back into service. It returns
// domain.ErrAuthMismatch when the database runs with other credentials.
func (o *Orchestrator) resume(ctx context.Context, cfg domain.InstanceConfig, info *container.ContainerInfo) (*Instance, string, error) {
	rec := recordFrom(info)
	creds := credentialsFor(rec, cfg)

	if info.Running {
		err := o.prober.Probe(ctx, creds)
		if err == nil {
			rec.State = domain.StateRunning
			o.logger.Info("Reusing running instance", "instance", rec.Name, "containerID", shortID(rec.ContainerID))
			return o.track(rec, creds), metrics.StartReused, nil
		}
		if errors.Is(err, domain.ErrAuthMismatch) {
			return nil, "", err
		}
		// Not answering yet; it may still be booting.
		if err := o.waitForReady(ctx, rec.Name, creds); err != nil {
			o.track(rec, creds)
			return nil, "", err
		}
		rec.State = domain.StateRunning
		return o.track(rec, creds), metrics.StartReused, nil
	}

	o.logger.Info("Starting stopped instance", "instance", rec.Name, "containerID", shortID(rec.ContainerID))
	if err := o.engine.Start(ctx, rec.ContainerID); err != nil {
		return nil, "", fmt.Errorf("failed to start existing container: %w", err)
	}
	if err := o.waitForReady(ctx, rec.Name, creds); err != nil {
		if !errors.Is(err, domain.ErrAuthMismatch) {
			o.track(rec, creds)
		}
		return nil, "", err
	}
	rec.State = domain.StateRunning
	return o.track(rec, creds), metrics.StartRestarted, nil
}

// destroyStale removes a container whose database rejected the caller's
// credentials, along with its volume and port reservation. Production
// containers are only destroyed with explicit confirmation.
func (o *Orchestrator) destroyStale(ctx context.Context, cfg domain.InstanceConfig, info *container.ContainerInfo) error {
	ctx = context.WithoutCancel(ctx)
	rec := recordFrom(info)

	if rec.Environment == domain.EnvProduction || cfg.Environment == domain.EnvProduction {
		if !cfg.ConfirmDestroy || !o.cfg.AllowProductionDestroy {
			return fmt.Errorf("%w: %v", domain.ErrProductionGuard, domain.ErrAuthMismatch)
		}
		o.logger.Warn("Destroying production instance on confirmed request", "instance", rec.Name)
	}

	if err := o.teardown(ctx, rec, true); err != nil {
		return fmt.Errorf("failed to remove stale container: %w", err)
	}
	return nil
}

// create provisions volume, ports and container for an absent instance.
func (o *Orchestrator) create(ctx context.Context, cfg domain.InstanceConfig, name, id string) (inst *Instance, err error) {
	if err := o.engine.EnsureImage(ctx, cfg.Image); err != nil {
		return nil, err
	}

	var (
		mount       container.Mount
		freshVolume string
	)
	if cfg.DataPath != "" {
		hostPath, err := filepath.Abs(cfg.DataPath)
		if err != nil {
			return nil, fmt.Errorf("%w: data path: %v", domain.ErrInvalidConfig, err)
		}
		mount = container.Mount{HostPath: hostPath, Target: container.DataDir}
	} else {
		vol, err := o.volumes.Ensure(ctx, cfg.Environment, cfg.ContainerPrefix, id)
		if err != nil {
			return nil, err
		}
		mount = container.Mount{VolumeName: vol.Name, Target: container.DataDir}
		if !cfg.Environment.Persistent() {
			freshVolume = vol.Name
		}
	}

	alloc, err := o.ports.Allocate(ctx, cfg.Environment, name)
	if o.metrics != nil {
		o.metrics.PortAllocationsTotal.WithLabelValues(metrics.Result(err)).Inc()
	}
	if err != nil {
		o.rollback(ctx, name, "", freshVolume, false)
		return nil, err
	}

	createdAt := o.now().UTC()
	containerID, err := o.engine.Create(ctx, container.CreateOptions{
		Name:  name,
		Image: cfg.Image,
		Env:   containerEnv(cfg),
		Labels: map[string]string{
			domain.LabelManaged:     "true",
			domain.LabelEnvironment: string(cfg.Environment),
			domain.LabelInstance:    name,
			domain.LabelVolume:      mount.VolumeName,
			domain.LabelPlugins:     strings.Join(cfg.Plugins, ","),
			domain.LabelCreated:     strconv.FormatInt(createdAt.Unix(), 10),
		},
		Ports: map[int]int{
			containerHTTPPort: alloc.HTTPPort,
			containerBoltPort: alloc.BoltPort,
		},
		BindHost:      o.ports.BindHost(),
		Mount:         mount,
		RestartPolicy: restartPolicy(cfg.Environment),
	})
	if err != nil {
		o.rollback(ctx, name, "", freshVolume, true)
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := o.engine.Start(ctx, containerID); err != nil {
		o.rollback(ctx, name, containerID, freshVolume, true)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	rec := domain.ContainerRecord{
		Name:        name,
		ContainerID: containerID,
		State:       domain.StateStarting,
		BoltPort:    alloc.BoltPort,
		HTTPPort:    alloc.HTTPPort,
		VolumeName:  mount.VolumeName,
		DataPath:    mount.HostPath,
		Environment: cfg.Environment,
		Plugins:     cfg.Plugins,
		CreatedAt:   createdAt,
	}
	creds := credentialsFor(rec, cfg)

	o.logger.Info("Container created",
		"instance", name,
		"containerID", shortID(containerID),
		"httpPort", alloc.HTTPPort,
		"boltPort", alloc.BoltPort,
		"volume", mount.VolumeName,
	)

	// A slow database stays up for diagnosis; the caller gets
	// ErrStartupTimeout and the container remains tracked.
	if err := o.waitForReady(ctx, name, creds); err != nil {
		rec.State = domain.StateUnhealthy
		o.track(rec, creds)
		return nil, err
	}

	rec.State = domain.StateRunning
	return o.track(rec, creds), nil
}

// rollback undoes a partial create. Errors are logged; the caller returns
// the original failure.
func (o *Orchestrator) rollback(ctx context.Context, name, containerID, freshVolume string, releasePorts bool) {
	ctx = context.WithoutCancel(ctx)
	if containerID != "" {
		if err := o.engine.Remove(ctx, containerID); err != nil {
			o.logger.Warn("Rollback: failed to remove container", "containerID", shortID(containerID), "error", err)
		}
	}
	if releasePorts {
		if err := o.ports.Release(ctx, name); err != nil {
			o.logger.Warn("Rollback: failed to release ports", "instance", name, "error", err)
		}
	}
	if freshVolume != "" {
		if err := o.volumes.Remove(ctx, freshVolume); err != nil {
			o.logger.Warn("Rollback: failed to remove volume", "volume", freshVolume, "error", err)
		}
	}
}

// Stop implements Manager. It runs to completion even if ctx is cancelled.
func (o *Orchestrator) Stop(ctx context.Context, containerID string) (err error) {
	ctx = context.WithoutCancel(ctx)

	info, err := o.managed(ctx, containerID)
	if err != nil {
		return domain.WrapOp("stop", containerID, err)
	}
	rec := recordFrom(info)

	unlock := o.locks.Lock(rec.Name)
	defer unlock()

	defer func() {
		if o.metrics != nil {
			o.metrics.StopsTotal.WithLabelValues(string(rec.Environment), metrics.Result(err)).Inc()
		}
	}()

	if rec.Environment.Persistent() {
		if err := o.engine.Stop(ctx, rec.ContainerID); err != nil {
			return domain.WrapOp("stop", rec.Name, fmt.Errorf("failed to stop container: %w", err))
		}
	} else if err := o.teardown(ctx, rec, true); err != nil {
		return domain.WrapOp("stop", rec.Name, err)
	}

	o.forget(rec.ContainerID)
	o.logger.Info("Instance stopped", "instance", rec.Name, "environment", rec.Environment)
	o.emit(ctx, events.InstanceStopped, rec)
	return nil
}

// teardown stops and removes a container and, when removeData is set, the
// named volume behind it. The port reservation is always released.
func (o *Orchestrator) teardown(ctx context.Context, rec domain.ContainerRecord, removeData bool) error {
	if err := o.engine.Stop(ctx, rec.ContainerID); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := o.engine.Remove(ctx, rec.ContainerID); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	if removeData && rec.VolumeName != "" {
		if err := o.volumes.Remove(ctx, rec.VolumeName); err != nil {
			return err
		}
	}
	if err := o.ports.Release(ctx, rec.Name); err != nil {
		return fmt.Errorf("failed to release ports: %w", err)
	}
	o.forget(rec.ContainerID)
	return nil
}

// List implements Manager.
func (o *Orchestrator) List(ctx context.Context) ([]*Instance, error) {
	infos, err := o.engine.List(ctx, map[string]string{domain.LabelManaged: "true"})
	if err != nil {
		return nil, domain.WrapOp("list", "", err)
	}

	counts := make(map[domain.Environment]int)
	out := make([]*Instance, 0, len(infos))
	for _, info := range infos {
		inst := o.handleFor(info)
		if info.Running {
			counts[inst.record.Environment]++
		}
		out = append(out, inst)
	}

	if o.metrics != nil {
		for _, env := range domain.Environments {
			o.metrics.ManagedInstances.WithLabelValues(string(env)).Set(float64(counts[env]))
		}
	}
	return out, nil
}

// Get implements Manager.
func (o *Orchestrator) Get(ctx context.Context, containerID string) (*Instance, error) {
	info, err := o.managed(ctx, containerID)
	if err != nil {
		return nil, domain.WrapOp("get", containerID, err)
	}
	return o.handleFor(info), nil
}

// managed inspects containerID and rejects containers without the
// managed label.
func (o *Orchestrator) managed(ctx context.Context, containerID string) (*container.ContainerInfo, error) {
	info, err := o.engine.Inspect(ctx, containerID)
	if errors.Is(err, domain.ErrContainerNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrInstanceNotFound, containerID)
	}
	if err != nil {
		return nil, err
	}
	if info.Labels[domain.LabelManaged] != "true" {
		return nil, fmt.Errorf("%w: %s is not managed by neodock", domain.ErrInstanceNotFound, containerID)
	}
	return info, nil
}

// handleFor builds a handle from live engine state, reusing credentials
// this process already knows.
func (o *Orchestrator) handleFor(info *container.ContainerInfo) *Instance {
	rec := recordFrom(info)
	o.mu.Lock()
	known, ok := o.records[info.ID]
	o.mu.Unlock()

	creds := graphdb.Credentials{URI: rec.BoltURI(), Username: domain.DefaultUsername}
	if ok {
		creds = known.creds
		if info.Running && rec.State == domain.StateRunning {
			rec.State = known.record.State
		}
	}
	return &Instance{orch: o, record: rec, creds: creds, mount: info.Mount}
}

// track remembers a container started through this process.
func (o *Orchestrator) track(rec domain.ContainerRecord, creds graphdb.Credentials) *Instance {
	o.mu.Lock()
	o.records[rec.ContainerID] = &entry{record: rec, creds: creds}
	o.mu.Unlock()

	mount := container.Mount{VolumeName: rec.VolumeName, HostPath: rec.DataPath, Target: container.DataDir}
	return &Instance{orch: o, record: rec, creds: creds, mount: mount}
}

func (o *Orchestrator) forget(containerID string) {
	o.mu.Lock()
	delete(o.records, containerID)
	o.mu.Unlock()
}

// instanceExists tells the allocator which reservations are still in use:
// those with a container of the same name, and those whose Start or Stop
// is in flight in this process (the container may not be created yet).
func (o *Orchestrator) instanceExists(ctx context.Context, alloc domain.PortAllocation) (bool, error) {
	if o.locks.Busy(alloc.InstanceName) {
		return true, nil
	}
	_, err := o.engine.FindByName(ctx, alloc.InstanceName)
	if errors.Is(err, domain.ErrContainerNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// restart starts a stopped container and waits for it.
func (o *Orchestrator) restart(ctx context.Context, name, containerID string, creds graphdb.Credentials) error {
	if err := o.engine.Start(ctx, containerID); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return o.waitForReady(ctx, name, creds)
}

func (o *Orchestrator) emit(ctx context.Context, typ events.Type, rec domain.ContainerRecord) {
	e := events.New(typ, rec.Name)
	e.ContainerID = rec.ContainerID
	e.Environment = rec.Environment
	if rec.BoltPort != 0 {
		e.Detail = map[string]string{"uri": rec.BoltURI()}
	}
	if err := o.publisher.Publish(ctx, e); err != nil {
		o.logger.Warn("Failed to publish event", "type", typ, "error", err)
	}
}

func eventFor(outcome string) events.Type {
	switch outcome {
	case metrics.StartReused:
		return events.InstanceReused
	case metrics.StartRecreated:
		return events.InstanceRecreated
	default:
		return events.InstanceStarted
	}
}

// recordFrom maps engine state to a ContainerRecord.
func recordFrom(info *container.ContainerInfo) domain.ContainerRecord {
	rec := domain.ContainerRecord{
		Name:        info.Name,
		ContainerID: info.ID,
		State:       domain.StateStopped,
		BoltPort:    info.HostPort(containerBoltPort),
		HTTPPort:    info.HostPort(containerHTTPPort),
		VolumeName:  info.Mount.VolumeName,
		DataPath:    info.Mount.HostPath,
		Environment: domain.Environment(info.Labels[domain.LabelEnvironment]),
		CreatedAt:   info.CreatedAt,
	}
	if info.Running {
		rec.State = domain.StateRunning
	}
	if rec.VolumeName == "" {
		rec.VolumeName = info.Labels[domain.LabelVolume]
	}
	if p := info.Labels[domain.LabelPlugins]; p != "" {
		rec.Plugins = strings.Split(p, ",")
	}
	if ts, err := strconv.ParseInt(info.Labels[domain.LabelCreated], 10, 64); err == nil {
		rec.CreatedAt = time.Unix(ts, 0).UTC()
	}
	return rec
}

func credentialsFor(rec domain.ContainerRecord, cfg domain.InstanceConfig) graphdb.Credentials {
	return graphdb.Credentials{
		URI:      rec.BoltURI(),
		Username: cfg.Username,
		Password: cfg.Password,
	}
}

// containerEnv translates the instance config into the image's
// NEO4J_* settings. The result holds the password; never log it.
func containerEnv(cfg domain.InstanceConfig) []string {
	env := []string{"NEO4J_AUTH=" + cfg.Username + "/" + cfg.Password}
	if len(cfg.Plugins) > 0 {
		plugins, _ := json.Marshal(cfg.Plugins)
		env = append(env, "NEO4J_PLUGINS="+string(plugins))
	}
	if cfg.Memory != "" {
		env = append(env,
			"NEO4J_server_memory_heap_max__size="+cfg.Memory,
			"NEO4J_server_memory_pagecache_size="+cfg.Memory,
		)
	}
	if cfg.Debug {
		env = append(env, "NEO4J_dbms_logs_debug_level=DEBUG")
	}
	return env
}

func restartPolicy(env domain.Environment) string {
	if env.Persistent() {
		return container.RestartUnlessStopped
	}
	return container.RestartNo
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

var (
	_ Manager         = (*Orchestrator)(nil)
	_ snapshot.Target = (*Instance)(nil)
)
