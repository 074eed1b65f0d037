package container

import (
	"context"
	"io"
	"time"
)

// Runtime defines the container engine operations the lifecycle engine needs.
// DockerRuntime is the only production implementation; tests use
// containertest.Fake.
type Runtime interface {
	// Ping verifies the engine is reachable. Failures wrap domain.ErrEngineUnavailable.
	Ping(ctx context.Context) error

	// EnsureImage pulls the image if it is not present locally.
	EnsureImage(ctx context.Context, ref string) error

	// FindByName returns the container with exactly this name, running or not.
	// Returns domain.ErrContainerNotFound if there is none.
	FindByName(ctx context.Context, name string) (*ContainerInfo, error)

	// Create creates (but does not start) a container and returns its ID.
	Create(ctx context.Context, opts CreateOptions) (string, error)

	// Start starts an existing container.
	Start(ctx context.Context, containerID string) error

	// Stop stops a container without removing it. Not-found is not an error.
	Stop(ctx context.Context, containerID string) error

	// Remove force-removes a container. Not-found is not an error.
	Remove(ctx context.Context, containerID string) error

	// Inspect returns information about a container.
	Inspect(ctx context.Context, containerID string) (*ContainerInfo, error)

	// List returns all containers carrying every given label.
	List(ctx context.Context, labels map[string]string) ([]*ContainerInfo, error)

	// Logs returns the last tail lines of combined output.
	Logs(ctx context.Context, containerID string, tail int) (string, error)

	// CopyFrom streams srcPath out of the container as a tar archive.
	CopyFrom(ctx context.Context, containerID, srcPath string) (io.ReadCloser, error)

	// CopyTo extracts a tar archive into dstDir inside the container,
	// preserving the archive's uid/gid.
	CopyTo(ctx context.Context, containerID, dstDir string, content io.Reader) error

	// ResetMount empties a data mount using a short-lived helper container.
	ResetMount(ctx context.Context, m Mount) error

	VolumeRuntime
}

// VolumeRuntime is the subset of the engine used for named volumes.
type VolumeRuntime interface {
	// CreateVolume creates a named volume. Creating an existing volume
	// returns it unchanged.
	CreateVolume(ctx context.Context, name string, labels map[string]string) (*VolumeInfo, error)

	// InspectVolume returns domain.ErrVolumeNotFound if the volume is absent.
	InspectVolume(ctx context.Context, name string) (*VolumeInfo, error)

	// RemoveVolume removes a volume. Not-found is not an error.
	RemoveVolume(ctx context.Context, name string) error

	// ListVolumes returns the volumes carrying every given label.
	ListVolumes(ctx context.Context, labels map[string]string) ([]*VolumeInfo, error)
}

// Mount attaches either a named volume or a host directory at Target.
type Mount struct {
	VolumeName string
	HostPath   string
	Target     string
}

// IsZero reports whether no source is set.
func (m Mount) IsZero() bool {
	return m.VolumeName == "" && m.HostPath == ""
}

// Restart policies accepted by CreateOptions.
const (
	RestartNo            = "no"
	RestartUnlessStopped = "unless-stopped"
)

// CreateOptions configures a new container.
type CreateOptions struct {
	Name          string
	Image         string
	Env           []string          // KEY=value; may hold secrets, never log
	Labels        map[string]string // Container labels
	Ports         map[int]int       // container port -> host port
	BindHost      string            // host address ports are published on
	Mount         Mount
	RestartPolicy string
}

// ContainerInfo holds information about a container.
type ContainerInfo struct {
	ID        string
	Name      string
	State     string // created, running, exited, ...
	Running   bool
	Labels    map[string]string
	Ports     map[int]int // container port -> host port
	Mount     Mount       // mount found at the data directory, if any
	CreatedAt time.Time
}

// HostPort returns the host port published for containerPort, or 0.
func (c *ContainerInfo) HostPort(containerPort int) int {
	return c.Ports[containerPort]
}

// VolumeInfo describes a named volume.
type VolumeInfo struct {
	Name      string
	Labels    map[string]string
	CreatedAt time.Time
}
