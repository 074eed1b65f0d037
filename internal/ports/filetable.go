package ports

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
)

const (
	fileFormatVersion = 1
	lockRetryDelay    = 50 * time.Millisecond
)

type fileContents struct {
	Version     int     `json:"version"`
	Allocations Entries `json:"allocations"`
}

// FileTable stores the table as JSON on local disk. A sibling .lock file
// serialises writers across processes and the file is replaced atomically,
// so readers never see a partial write.
type FileTable struct {
	path     string
	lock     *flock.Flock
	lockWait time.Duration
	mu       sync.Mutex
}

// NewFileTable creates the parent directory if needed.
func NewFileTable(path string, lockWait time.Duration) (*FileTable, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create port table directory: %w", err)
	}
	return &FileTable{
		path:     path,
		lock:     flock.New(path + ".lock"),
		lockWait: lockWait,
	}, nil
}

// Path returns the table file location.
func (t *FileTable) Path() string {
	return t.path
}

// Load reads the table under a shared lock.
func (t *FileTable) Load(ctx context.Context) (Entries, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, cancel := t.lockContext(ctx)
	defer cancel()

	ok, err := t.lock.TryRLockContext(ctx, lockRetryDelay)
	if err != nil || !ok {
		return nil, fmt.Errorf("failed to lock port table %s: %w", t.path, lockErr(err))
	}
	defer t.lock.Unlock()

	return t.read()
}

// Update applies fn under an exclusive lock and rewrites the file if fn
// reports a change.
func (t *FileTable) Update(ctx context.Context, fn UpdateFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	lockCtx, cancel := t.lockContext(ctx)
	defer cancel()

	ok, err := t.lock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil || !ok {
		return fmt.Errorf("failed to lock port table %s: %w", t.path, lockErr(err))
	}
	defer t.lock.Unlock()

	entries, err := t.read()
	if err != nil {
		return err
	}
	changed, err := fn(entries)
	if err != nil || !changed {
		return err
	}
	return t.write(entries)
}

func (t *FileTable) lockContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.lockWait <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, t.lockWait)
}

func (t *FileTable) read() (Entries, error) {
	data, err := os.ReadFile(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(Entries), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read port table: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return make(Entries), nil
	}

	var contents fileContents
	if err := json.Unmarshal(data, &contents); err != nil {
		return nil, fmt.Errorf("failed to parse port table %s: %w", t.path, err)
	}
	if contents.Version > fileFormatVersion {
		return nil, fmt.Errorf("port table %s has unsupported version %d", t.path, contents.Version)
	}
	if contents.Allocations == nil {
		contents.Allocations = make(Entries)
	}
	return contents.Allocations, nil
}

func (t *FileTable) write(entries Entries) error {
	data, err := json.MarshalIndent(fileContents{
		Version:     fileFormatVersion,
		Allocations: entries,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode port table: %w", err)
	}
	if err := atomic.WriteFile(t.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write port table: %w", err)
	}
	return nil
}

func lockErr(err error) error {
	if err != nil {
		return err
	}
	return errors.New("timed out waiting for lock")
}

var _ Table = (*FileTable)(nil)
