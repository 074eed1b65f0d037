package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/neodock/neodock/internal/config"
	"github.com/neodock/neodock/internal/domain"
	"github.com/neodock/neodock/pkg/logging"
)

// DataDir is where Neo4j keeps its store inside the container.
const DataDir = "/data"

// DockerRuntime implements Runtime using the Docker SDK.
type DockerRuntime struct {
	client *client.Client
	cfg    *config.DockerConfig
	logger *logging.Logger
}

// NewDockerRuntime connects to the engine described by DOCKER_HOST and the
// other standard Docker environment variables, and pings it.
func NewDockerRuntime(ctx context.Context, cfg *config.DockerConfig, logger *logging.Logger) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create docker client: %v", domain.ErrEngineUnavailable, err)
	}

	r := &DockerRuntime{
		client: cli,
		cfg:    cfg,
		logger: logger.With("component", "docker"),
	}
	if err := r.Ping(ctx); err != nil {
		cli.Close()
		return nil, err
	}
	return r, nil
}

// Close closes the Docker client connection.
func (r *DockerRuntime) Close() error {
	return r.client.Close()
}

// Ping verifies the daemon answers.
func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.client.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrEngineUnavailable, err)
	}
	return nil
}

// EnsureImage pulls an image if not present locally.
func (r *DockerRuntime) EnsureImage(ctx context.Context, ref string) error {
	if _, err := r.client.ImageInspect(ctx, ref); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return r.wrap("failed to inspect image", err)
	}

	if r.cfg.PullTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.PullTimeout)
		defer cancel()
	}

	r.logger.Info("Pulling image", "image", ref)
	reader, err := r.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return r.wrap("failed to pull image "+ref, err)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// FindByName returns the container named exactly name.
func (r *DockerRuntime) FindByName(ctx context.Context, name string) (*ContainerInfo, error) {
	containers, err := r.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return nil, r.wrap("failed to list containers", err)
	}

	// The name filter is a substring match, so compare exactly.
	for _, c := range containers {
		for _, n := range c.Names {
			if n == "/"+name {
				return r.Inspect(ctx, c.ID)
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrContainerNotFound, name)
}

// Create creates a container without starting it.
func (r *DockerRuntime) Create(ctx context.Context, opts CreateOptions) (string, error) {
	exposedPorts := nat.PortSet{}
	portBindings := nat.PortMap{}
	for containerPort, hostPort := range opts.Ports {
		p := nat.Port(strconv.Itoa(containerPort) + "/tcp")
		exposedPorts[p] = struct{}{}
		portBindings[p] = []nat.PortBinding{{
			HostIP:   opts.BindHost,
			HostPort: strconv.Itoa(hostPort),
		}}
	}

	containerCfg := &container.Config{
		Image:        opts.Image,
		Env:          opts.Env,
		ExposedPorts: exposedPorts,
		Labels:       opts.Labels,
	}

	restart := container.RestartPolicyDisabled
	if opts.RestartPolicy == RestartUnlessStopped {
		restart = container.RestartPolicyUnlessStopped
	}
	hostCfg := &container.HostConfig{
		PortBindings:  portBindings,
		RestartPolicy: container.RestartPolicy{Name: restart},
	}
	if !opts.Mount.IsZero() {
		hostCfg.Mounts = []mount.Mount{toDockerMount(opts.Mount)}
	}

	resp, err := r.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, opts.Name)
	if err != nil {
		return "", r.wrap("failed to create container", err)
	}
	for _, w := range resp.Warnings {
		r.logger.Warn("Container create warning", "name", opts.Name, "warning", w)
	}
	return resp.ID, nil
}

// Start starts a created or stopped container.
func (r *DockerRuntime) Start(ctx context.Context, containerID string) error {
	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("%w: %s", domain.ErrContainerNotFound, shortID(containerID))
		}
		return r.wrap("failed to start container", err)
	}
	return nil
}

// Stop stops a container, leaving it in place.
func (r *DockerRuntime) Stop(ctx context.Context, containerID string) error {
	timeout := r.cfg.StopTimeout
	if err := r.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		// Ignore "not found" errors - container might already be removed
		if !client.IsErrNotFound(err) {
			return r.wrap("failed to stop container", err)
		}
	}
	return nil
}

// Remove force-removes a container.
func (r *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	if err := r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if !client.IsErrNotFound(err) {
			return r.wrap("failed to remove container", err)
		}
	}
	return nil
}

// Inspect returns information about a container.
func (r *DockerRuntime) Inspect(ctx context.Context, containerID string) (*ContainerInfo, error) {
	inspect, err := r.client.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrContainerNotFound, shortID(containerID))
		}
		return nil, r.wrap("failed to inspect container", err)
	}

	info := &ContainerInfo{
		ID:    inspect.ID,
		Name:  strings.TrimPrefix(inspect.Name, "/"),
		Ports: make(map[int]int),
	}
	if inspect.State != nil {
		info.State = inspect.State.Status
		info.Running = inspect.State.Running
	}
	if inspect.Config != nil {
		info.Labels = inspect.Config.Labels
	}
	if created, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
		info.CreatedAt = created
	}

	// Published ports are only reported while running; fall back to the
	// requested bindings for stopped containers.
	if inspect.NetworkSettings != nil {
		addPorts(info.Ports, inspect.NetworkSettings.Ports)
	}
	if len(info.Ports) == 0 && inspect.HostConfig != nil {
		addPorts(info.Ports, inspect.HostConfig.PortBindings)
	}

	for _, m := range inspect.Mounts {
		if m.Destination != DataDir {
			continue
		}
		if m.Type == mount.TypeVolume {
			info.Mount = Mount{VolumeName: m.Name, Target: m.Destination}
		} else {
			info.Mount = Mount{HostPath: m.Source, Target: m.Destination}
		}
	}

	return info, nil
}

// List returns containers carrying all the given labels.
func (r *DockerRuntime) List(ctx context.Context, labels map[string]string) ([]*ContainerInfo, error) {
	containers, err := r.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: labelFilters(labels),
	})
	if err != nil {
		return nil, r.wrap("failed to list containers", err)
	}

	infos := make([]*ContainerInfo, 0, len(containers))
	for _, c := range containers {
		info := &ContainerInfo{
			ID:        c.ID,
			State:     c.State,
			Running:   c.State == "running",
			Labels:    c.Labels,
			Ports:     make(map[int]int),
			CreatedAt: time.Unix(c.Created, 0),
		}
		if len(c.Names) > 0 {
			info.Name = strings.TrimPrefix(c.Names[0], "/")
		}
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				info.Ports[int(p.PrivatePort)] = int(p.PublicPort)
			}
		}
		for _, m := range c.Mounts {
			if m.Destination != DataDir {
				continue
			}
			if m.Type == mount.TypeVolume {
				info.Mount = Mount{VolumeName: m.Name, Target: m.Destination}
			} else {
				info.Mount = Mount{HostPath: m.Source, Target: m.Destination}
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Logs returns the last tail lines of stdout and stderr.
func (r *DockerRuntime) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	reader, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", r.wrap("failed to read container logs", err)
	}
	defer reader.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, reader); err != nil {
		return "", fmt.Errorf("failed to demultiplex logs: %w", err)
	}
	return out.String(), nil
}

// CopyFrom streams srcPath out of the container as tar.
func (r *DockerRuntime) CopyFrom(ctx context.Context, containerID, srcPath string) (io.ReadCloser, error) {
	rc, _, err := r.client.CopyFromContainer(ctx, containerID, srcPath)
	if err != nil {
		return nil, r.wrap("failed to copy from container", err)
	}
	return rc, nil
}

// CopyTo extracts a tar stream into dstDir.
func (r *DockerRuntime) CopyTo(ctx context.Context, containerID, dstDir string, content io.Reader) error {
	err := r.client.CopyToContainer(ctx, containerID, dstDir, content, container.CopyToContainerOptions{
		CopyUIDGID: true,
	})
	if err != nil {
		return r.wrap("failed to copy into container", err)
	}
	return nil
}

// ResetMount runs a throwaway helper container that deletes everything
// under the mount. The database container must be stopped.
func (r *DockerRuntime) ResetMount(ctx context.Context, m Mount) error {
	if m.IsZero() {
		return fmt.Errorf("reset mount: no volume or host path given")
	}
	if err := r.EnsureImage(ctx, r.cfg.HelperImage); err != nil {
		return err
	}

	target := "/reset"
	m.Target = target
	resp, err := r.client.ContainerCreate(ctx,
		&container.Config{
			Image: r.cfg.HelperImage,
			Cmd:   []string{"sh", "-c", "find " + target + " -mindepth 1 -delete"},
		},
		&container.HostConfig{Mounts: []mount.Mount{toDockerMount(m)}},
		nil, nil, "")
	if err != nil {
		return r.wrap("failed to create reset helper", err)
	}
	defer func() {
		// Detached so the helper is removed even if ctx was cancelled.
		_ = r.Remove(context.WithoutCancel(ctx), resp.ID)
	}()

	statusCh, errCh := r.client.ContainerWait(ctx, resp.ID, container.WaitConditionNextExit)
	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return r.wrap("failed to start reset helper", err)
	}

	select {
	case err := <-errCh:
		return r.wrap("failed waiting for reset helper", err)
	case status := <-statusCh:
		if status.StatusCode != 0 {
			logs, _ := r.Logs(ctx, resp.ID, 20)
			return fmt.Errorf("reset helper exited with %d: %s", status.StatusCode, strings.TrimSpace(logs))
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// CreateVolume creates a labelled volume.
func (r *DockerRuntime) CreateVolume(ctx context.Context, name string, labels map[string]string) (*VolumeInfo, error) {
	v, err := r.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Labels: labels,
	})
	if err != nil {
		return nil, r.wrap("failed to create volume", err)
	}
	r.logger.Debug("Volume created", "volume", name)
	return toVolumeInfo(v), nil
}

// InspectVolume returns a volume by name.
func (r *DockerRuntime) InspectVolume(ctx context.Context, name string) (*VolumeInfo, error) {
	v, err := r.client.VolumeInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrVolumeNotFound, name)
		}
		return nil, r.wrap("failed to inspect volume", err)
	}
	return toVolumeInfo(v), nil
}

// RemoveVolume removes a volume, ignoring not-found.
func (r *DockerRuntime) RemoveVolume(ctx context.Context, name string) error {
	if err := r.client.VolumeRemove(ctx, name, true); err != nil {
		if client.IsErrNotFound(err) {
			r.logger.Debug("Volume not found, already removed", "volume", name)
			return nil
		}
		return r.wrap("failed to remove volume", err)
	}
	r.logger.Debug("Volume removed", "volume", name)
	return nil
}

// ListVolumes returns volumes carrying all the given labels.
func (r *DockerRuntime) ListVolumes(ctx context.Context, labels map[string]string) ([]*VolumeInfo, error) {
	resp, err := r.client.VolumeList(ctx, volume.ListOptions{Filters: labelFilters(labels)})
	if err != nil {
		return nil, r.wrap("failed to list volumes", err)
	}

	infos := make([]*VolumeInfo, 0, len(resp.Volumes))
	for _, v := range resp.Volumes {
		if v != nil {
			infos = append(infos, toVolumeInfo(*v))
		}
	}
	return infos, nil
}

// wrap annotates err and maps daemon connection failures to ErrEngineUnavailable.
func (r *DockerRuntime) wrap(msg string, err error) error {
	if client.IsErrConnectionFailed(err) {
		return fmt.Errorf("%s: %w: %v", msg, domain.ErrEngineUnavailable, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func toDockerMount(m Mount) mount.Mount {
	if m.VolumeName != "" {
		return mount.Mount{Type: mount.TypeVolume, Source: m.VolumeName, Target: m.Target}
	}
	return mount.Mount{Type: mount.TypeBind, Source: m.HostPath, Target: m.Target}
}

func toVolumeInfo(v volume.Volume) *VolumeInfo {
	info := &VolumeInfo{Name: v.Name, Labels: v.Labels}
	if created, err := time.Parse(time.RFC3339, v.CreatedAt); err == nil {
		info.CreatedAt = created
	}
	return info
}

func labelFilters(labels map[string]string) filters.Args {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	return args
}

func addPorts(dst map[int]int, ports nat.PortMap) {
	for containerPort, bindings := range ports {
		if len(bindings) == 0 {
			continue
		}
		hostPort, err := strconv.Atoi(bindings[0].HostPort)
		if err != nil || hostPort == 0 {
			continue
		}
		dst[containerPort.Int()] = hostPort
	}
}

// shortID truncates a container ID the way the docker CLI does.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Compile-time check that DockerRuntime implements Runtime
var _ Runtime = (*DockerRuntime)(nil)
