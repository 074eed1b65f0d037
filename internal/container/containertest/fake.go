// Package containertest provides an in-memory container.Runtime for tests.
package containertest

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neodock/neodock/internal/container"
	"github.com/neodock/neodock/internal/domain"
)

// Container is the fake's view of one container.
type Container struct {
	Info container.ContainerInfo
	Env  []string
}

// Fake is a thread-safe in-memory engine. Each mount source owns a flat
// file map keyed by path relative to the mount.
type Fake struct {
	mu         sync.Mutex
	containers map[string]*Container
	volumes    map[string]*container.VolumeInfo
	files      map[string]map[string][]byte
	images     map[string]bool
	now        func() time.Time

	// Error injection. Set before use.
	PingErr   error
	CreateErr error
	StartErr  error
	CopyToErr error

	// Calls counts invocations by method name.
	Calls map[string]int
}

// New returns an empty fake engine.
func New() *Fake {
	return &Fake{
		containers: make(map[string]*Container),
		volumes:    make(map[string]*container.VolumeInfo),
		files:      make(map[string]map[string][]byte),
		images:     make(map[string]bool),
		now:        time.Now,
		Calls:      make(map[string]int),
	}
}

// SetClock overrides the time source used for creation timestamps.
func (f *Fake) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

func (f *Fake) called(name string) {
	f.Calls[name]++
}

// CallCount returns how often a method was invoked.
func (f *Fake) CallCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[name]
}

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called("Ping")
	return f.PingErr
}

func (f *Fake) EnsureImage(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called("EnsureImage")
	if f.PingErr != nil {
		return f.PingErr
	}
	f.images[ref] = true
	return nil
}

func (f *Fake) FindByName(ctx context.Context, name string) (*container.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called("FindByName")
	if f.PingErr != nil {
		return nil, f.PingErr
	}
	for _, c := range f.containers {
		if c.Info.Name == name {
			info := c.Info
			return &info, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrContainerNotFound, name)
}

func (f *Fake) Create(ctx context.Context, opts container.CreateOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called("Create")
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	for _, c := range f.containers {
		if c.Info.Name == opts.Name {
			return "", fmt.Errorf("container name %s already in use", opts.Name)
		}
	}
	for _, c := range f.containers {
		for _, hp := range c.Info.Ports {
			for _, want := range opts.Ports {
				if hp == want && c.Info.Running {
					return "", fmt.Errorf("port %d is already allocated", want)
				}
			}
		}
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	ports := make(map[int]int, len(opts.Ports))
	for k, v := range opts.Ports {
		ports[k] = v
	}
	labels := make(map[string]string, len(opts.Labels))
	for k, v := range opts.Labels {
		labels[k] = v
	}
	m := opts.Mount
	if !m.IsZero() && m.VolumeName != "" {
		if _, ok := f.volumes[m.VolumeName]; !ok {
			// Docker creates missing named volumes on demand.
			f.volumes[m.VolumeName] = &container.VolumeInfo{Name: m.VolumeName, CreatedAt: f.now()}
		}
	}
	f.containers[id] = &Container{
		Info: container.ContainerInfo{
			ID:        id,
			Name:      opts.Name,
			State:     "created",
			Labels:    labels,
			Ports:     ports,
			Mount:     m,
			CreatedAt: f.now(),
		},
		Env: append([]string(nil), opts.Env...),
	}
	return id, nil
}

func (f *Fake) Start(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called("Start")
	if f.StartErr != nil {
		return f.StartErr
	}
	c, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrContainerNotFound, containerID)
	}
	c.Info.State = "running"
	c.Info.Running = true
	return nil
}

func (f *Fake) Stop(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called("Stop")
	if c, ok := f.containers[containerID]; ok {
		c.Info.State = "exited"
		c.Info.Running = false
	}
	return nil
}

func (f *Fake) Remove(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called("Remove")
	delete(f.containers, containerID)
	return nil
}

func (f *Fake) Inspect(ctx context.Context, containerID string) (*container.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called("Inspect")
	if f.PingErr != nil {
		return nil, f.PingErr
	}
	c, ok := f.containers[containerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrContainerNotFound, containerID)
	}
	info := c.Info
	return &info, nil
}

func (f *Fake) List(ctx context.Context, labels map[string]string) ([]*container.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called("List")
	if f.PingErr != nil {
		return nil, f.PingErr
	}
	var out []*container.ContainerInfo
	for _, c := range f.containers {
		if matches(c.Info.Labels, labels) {
			info := c.Info
			out = append(out, &info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *Fake) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	return "", nil
}

func (f *Fake) CopyFrom(ctx context.Context, containerID, srcPath string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called("CopyFrom")
	c, ok := f.containers[containerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrContainerNotFound, containerID)
	}
	m := c.Info.Mount
	if m.IsZero() || strings.TrimSuffix(srcPath, "/") != m.Target {
		return nil, fmt.Errorf("fake: can only copy the mount root %s", m.Target)
	}

	// Docker names entries after the base of the source path.
	base := path.Base(m.Target)
	files := f.files[mountKey(m)]
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Name: base + "/", Typeflag: tar.TypeDir, Mode: 0o755}); err != nil {
		return nil, err
	}
	for _, name := range names {
		data := files[name]
		hdr := &tar.Header{Name: base + "/" + name, Mode: 0o644, Size: int64(len(data)), Uid: 7474, Gid: 7474}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

func (f *Fake) CopyTo(ctx context.Context, containerID, dstDir string, content io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called("CopyTo")
	if f.CopyToErr != nil {
		return f.CopyToErr
	}
	c, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrContainerNotFound, containerID)
	}
	m := c.Info.Mount
	if m.IsZero() {
		return fmt.Errorf("fake: container has no mount")
	}
	key := mountKey(m)
	if f.files[key] == nil {
		f.files[key] = make(map[string][]byte)
	}

	tr := tar.NewReader(content)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}
		full := path.Join(dstDir, hdr.Name)
		rel := strings.TrimPrefix(full, m.Target+"/")
		if rel == full {
			return fmt.Errorf("fake: %s is outside mount %s", full, m.Target)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		f.files[key][rel] = data
	}
}

func (f *Fake) ResetMount(ctx context.Context, m container.Mount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called("ResetMount")
	delete(f.files, mountKey(m))
	return nil
}

func (f *Fake) CreateVolume(ctx context.Context, name string, labels map[string]string) (*container.VolumeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called("CreateVolume")
	if f.PingErr != nil {
		return nil, f.PingErr
	}
	if v, ok := f.volumes[name]; ok {
		info := *v
		return &info, nil
	}
	l := make(map[string]string, len(labels))
	for k, v := range labels {
		l[k] = v
	}
	v := &container.VolumeInfo{Name: name, Labels: l, CreatedAt: f.now()}
	f.volumes[name] = v
	info := *v
	return &info, nil
}

func (f *Fake) InspectVolume(ctx context.Context, name string) (*container.VolumeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called("InspectVolume")
	v, ok := f.volumes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrVolumeNotFound, name)
	}
	info := *v
	return &info, nil
}

func (f *Fake) RemoveVolume(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called("RemoveVolume")
	delete(f.volumes, name)
	delete(f.files, mountKey(container.Mount{VolumeName: name}))
	return nil
}

func (f *Fake) ListVolumes(ctx context.Context, labels map[string]string) ([]*container.VolumeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called("ListVolumes")
	var out []*container.VolumeInfo
	for _, v := range f.volumes {
		if matches(v.Labels, labels) {
			info := *v
			out = append(out, &info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Container returns a copy of the fake container with the given ID.
func (f *Fake) Container(id string) (Container, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return Container{}, false
	}
	return *c, true
}

// Containers returns the number of containers.
func (f *Fake) Containers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// HasVolume reports whether a volume exists.
func (f *Fake) HasVolume(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.volumes[name]
	return ok
}

// AddContainer inserts a container directly, bypassing Create.
func (f *Fake) AddContainer(info container.ContainerInfo, env ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info.Ports == nil {
		info.Ports = map[int]int{}
	}
	f.containers[info.ID] = &Container{Info: info, Env: env}
}

// AddVolume inserts a volume directly.
func (f *Fake) AddVolume(v container.VolumeInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[v.Name] = &v
}

// WriteFile puts a file into the store behind m.
func (f *Fake) WriteFile(m container.Mount, rel string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := mountKey(m)
	if f.files[key] == nil {
		f.files[key] = make(map[string][]byte)
	}
	f.files[key][rel] = append([]byte(nil), data...)
}

// Files returns a copy of the store behind m.
func (f *Fake) Files(m container.Mount) map[string][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]byte)
	for k, v := range f.files[mountKey(m)] {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

func mountKey(m container.Mount) string {
	if m.VolumeName != "" {
		return "volume:" + m.VolumeName
	}
	return "bind:" + m.HostPath
}

func matches(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

var _ container.Runtime = (*Fake)(nil)
