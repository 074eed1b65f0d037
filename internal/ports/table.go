// Package ports hands out non-conflicting (HTTP, Bolt) host port pairs and
// keeps the reservations in a table shared by every process on the host.
package ports

import (
	"context"
	"sync"

	"github.com/neodock/neodock/internal/domain"
)

// Entries maps instance names to their reservation.
type Entries map[string]domain.PortAllocation

// Clone returns a copy safe to mutate.
func (e Entries) Clone() Entries {
	out := make(Entries, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// UpdateFunc mutates entries in place and reports whether anything changed.
// Returning an error aborts the update without writing.
type UpdateFunc func(entries Entries) (changed bool, err error)

// Table persists the allocation table. Update must be atomic with respect to
// every other Update on the same table, across goroutines and processes.
type Table interface {
	Load(ctx context.Context) (Entries, error)
	Update(ctx context.Context, fn UpdateFunc) error
}

// MemoryTable keeps entries in process memory. Reservations do not survive
// a restart and are not seen by other processes.
type MemoryTable struct {
	mu      sync.Mutex
	entries Entries
}

// NewMemoryTable returns an empty in-memory table.
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{entries: make(Entries)}
}

func (t *MemoryTable) Load(ctx context.Context) (Entries, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries.Clone(), nil
}

func (t *MemoryTable) Update(ctx context.Context, fn UpdateFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := t.entries.Clone()
	changed, err := fn(next)
	if err != nil {
		return err
	}
	if changed {
		t.entries = next
	}
	return nil
}

var _ Table = (*MemoryTable)(nil)
