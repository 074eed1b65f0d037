// Package graphdbtest provides an in-memory graphdb.Prober for tests.
package graphdbtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/neodock/neodock/internal/domain"
	"github.com/neodock/neodock/internal/graphdb"
)

// ErrNotReady is returned by probes against a server that is still starting.
var ErrNotReady = errors.New("connection refused")

// Server is the fake state behind one bolt URI.
type Server struct {
	Password string
	Version  string
	Nodes    int64
	// NotReadyFor makes the next n probes fail with ErrNotReady.
	NotReadyFor int
	// NeverReady makes every probe fail with ErrNotReady.
	NeverReady bool
}

// Fake maps bolt URIs to fake servers. Unknown URIs are unreachable.
type Fake struct {
	mu      sync.Mutex
	servers map[string]*Server
	probes  map[string]int
}

// New returns a fake with no servers.
func New() *Fake {
	return &Fake{
		servers: make(map[string]*Server),
		probes:  make(map[string]int),
	}
}

// Set installs or replaces the server behind uri.
func (f *Fake) Set(uri string, s Server) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.Version == "" {
		s.Version = "5.26.0"
	}
	f.servers[uri] = &s
}

// Remove makes uri unreachable.
func (f *Fake) Remove(uri string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.servers, uri)
}

// Update mutates the server behind uri, if any.
func (f *Fake) Update(uri string, fn func(s *Server)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.servers[uri]; ok {
		fn(s)
	}
}

// Probes returns how many probes uri has received.
func (f *Fake) Probes(uri string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes[uri]
}

func (f *Fake) connect(creds graphdb.Credentials) (*Server, error) {
	f.probes[creds.URI]++
	s, ok := f.servers[creds.URI]
	if !ok || s.NeverReady {
		return nil, fmt.Errorf("%s: %w", creds.URI, ErrNotReady)
	}
	if s.NotReadyFor > 0 {
		s.NotReadyFor--
		return nil, fmt.Errorf("%s: %w", creds.URI, ErrNotReady)
	}
	if s.Password != creds.Password {
		return nil, fmt.Errorf("%w: Neo.ClientError.Security.Unauthorized", domain.ErrAuthMismatch)
	}
	return s, nil
}

func (f *Fake) Probe(ctx context.Context, creds graphdb.Credentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.connect(creds)
	return err
}

func (f *Fake) ServerVersion(ctx context.Context, creds graphdb.Credentials) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.connect(creds)
	if err != nil {
		return "", err
	}
	return s.Version, nil
}

func (f *Fake) NodeCount(ctx context.Context, creds graphdb.Credentials) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.connect(creds)
	if err != nil {
		return 0, err
	}
	return s.Nodes, nil
}

var _ graphdb.Prober = (*Fake)(nil)
