// Package events publishes instance lifecycle events for other tools
// (editor extensions, dashboards) to follow.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neodock/neodock/internal/domain"
)

// Type names a lifecycle event.
type Type string

const (
	InstanceStarted   Type = "instance.started"
	InstanceReused    Type = "instance.reused"
	InstanceRecreated Type = "instance.recreated"
	InstanceStopped   Type = "instance.stopped"
	InstanceCleaned   Type = "instance.cleaned"
	SnapshotExported  Type = "snapshot.exported"
	SnapshotImported  Type = "snapshot.imported"
)

// Event is one lifecycle transition.
type Event struct {
	ID          string             `json:"id"`
	Type        Type               `json:"type"`
	Instance    string             `json:"instance"`
	ContainerID string             `json:"container_id,omitempty"`
	Environment domain.Environment `json:"environment,omitempty"`
	Time        time.Time          `json:"time"`
	Detail      map[string]string  `json:"detail,omitempty"`
}

// New returns an event with a fresh ID and timestamp.
func New(t Type, instance string) Event {
	return Event{
		ID:       uuid.NewString(),
		Type:     t,
		Instance: instance,
		Time:     time.Now().UTC(),
	}
}

// Publisher delivers events. Publishing is best effort: callers log
// failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// MemoryPublisher records events in order. Useful for tests and for
// embedding callers that poll.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *MemoryPublisher) Publish(_ context.Context, e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *MemoryPublisher) Close() error { return nil }

// Events returns a copy of everything published so far.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// Types returns the published event types in order.
func (p *MemoryPublisher) Types() []Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Type, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

var (
	_ Publisher = NopPublisher{}
	_ Publisher = (*MemoryPublisher)(nil)
)
