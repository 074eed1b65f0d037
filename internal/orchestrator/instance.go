package orchestrator

import (
	"context"
	"sync"

	"github.com/neodock/neodock/internal/container"
	"github.com/neodock/neodock/internal/domain"
	"github.com/neodock/neodock/internal/graphdb"
)

// Instance is the handle returned by Start, List and Get. The container may
// outlive the handle: development and production containers keep running
// after the process exits.
type Instance struct {
	orch   *Orchestrator
	record domain.ContainerRecord
	creds  graphdb.Credentials
	mount  container.Mount

	mu     sync.Mutex
	closed bool
}

// URI returns the bolt:// address.
func (i *Instance) URI() string { return i.record.BoltURI() }

// HTTPURI returns the address of the HTTP endpoint.
func (i *Instance) HTTPURI() string { return i.record.HTTPURI() }

func (i *Instance) ContainerID() string              { return i.record.ContainerID }
func (i *Instance) Volume() string                   { return i.record.VolumeName }
func (i *Instance) Name() string                     { return i.record.Name }
func (i *Instance) Environment() domain.Environment  { return i.record.Environment }
func (i *Instance) Plugins() []string                { return i.record.Plugins }
func (i *Instance) Mount() container.Mount           { return i.mount }
func (i *Instance) Credentials() graphdb.Credentials { return i.creds }

// Record returns a snapshot of the container state known to the handle.
func (i *Instance) Record() domain.ContainerRecord { return i.record }

// WithPassword returns a handle on the same container that authenticates
// with password. Handles from List only know the password of instances
// this process started.
func (i *Instance) WithPassword(password string) *Instance {
	creds := i.creds
	creds.Password = password
	return &Instance{orch: i.orch, record: i.record, creds: creds, mount: i.mount}
}

// Stop stops the container and invalidates the handle.
func (i *Instance) Stop(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return domain.WrapOp("stop", i.record.Name, domain.ErrHandleClosed)
	}
	if err := i.orch.Stop(ctx, i.record.ContainerID); err != nil {
		return err
	}
	i.closed = true
	return nil
}

// IsRunning reports whether the container runs and its HTTP endpoint
// answers.
func (i *Instance) IsRunning(ctx context.Context) (bool, error) {
	if err := i.check("status"); err != nil {
		return false, err
	}
	info, err := i.orch.engine.Inspect(ctx, i.record.ContainerID)
	if err != nil {
		return false, domain.WrapOp("status", i.record.Name, err)
	}
	if !info.Running {
		return false, nil
	}
	return i.orch.answers(ctx, i.HTTPURI()), nil
}

// ExportData writes the instance's data to path and returns the archive
// location.
func (i *Instance) ExportData(ctx context.Context, path string) (string, error) {
	if err := i.check("export"); err != nil {
		return "", err
	}
	unlock := i.orch.locks.Lock(i.record.Name)
	defer unlock()
	return i.orch.snapshots.Export(ctx, i, path)
}

// ImportData replaces the instance's data with the archive at path.
func (i *Instance) ImportData(ctx context.Context, path string, opts domain.ImportOptions) error {
	if err := i.check("import"); err != nil {
		return err
	}
	unlock := i.orch.locks.Lock(i.record.Name)
	defer unlock()
	return i.orch.snapshots.Import(ctx, i, path, opts)
}

// Restart starts the stopped container and waits until it answers.
func (i *Instance) Restart(ctx context.Context) error {
	return i.orch.restart(ctx, i.record.Name, i.record.ContainerID, i.creds)
}

func (i *Instance) check(op string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return domain.WrapOp(op, i.record.Name, domain.ErrHandleClosed)
	}
	return nil
}
