package graphdbtest

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/neodock/neodock/internal/container/containertest"
	"github.com/neodock/neodock/internal/domain"
	"github.com/neodock/neodock/internal/graphdb"
)

// boltPort is the port Neo4j listens on inside its container.
const boltPort = 7687

// EngineBacked answers probes for whichever running fake container
// publishes the probed bolt port, checking the password against the
// container's NEO4J_AUTH. Use it when the code under test creates the
// containers itself.
type EngineBacked struct {
	engine *containertest.Fake

	mu          sync.Mutex
	notReady    int
	rateLimited int
	nodes       int64
	version     string
}

// NewEngineBacked returns a prober bound to engine.
func NewEngineBacked(engine *containertest.Fake) *EngineBacked {
	return &EngineBacked{engine: engine, version: "5.26.0"}
}

// SetNotReady makes the next n probes fail as if the server were booting.
func (p *EngineBacked) SetNotReady(n int) {
	p.mu.Lock()
	p.notReady = n
	p.mu.Unlock()
}

// SetRateLimited makes the next n probes fail with Neo4j's login rate
// limit, as after another client's failed login.
func (p *EngineBacked) SetRateLimited(n int) {
	p.mu.Lock()
	p.rateLimited = n
	p.mu.Unlock()
}

// SetNodes sets the node count every server reports.
func (p *EngineBacked) SetNodes(n int64) {
	p.mu.Lock()
	p.nodes = n
	p.mu.Unlock()
}

func (p *EngineBacked) connect(ctx context.Context, creds graphdb.Credentials) error {
	p.mu.Lock()
	if p.notReady > 0 {
		p.notReady--
		p.mu.Unlock()
		return fmt.Errorf("%s: %w", creds.URI, ErrNotReady)
	}
	if p.rateLimited > 0 {
		p.rateLimited--
		p.mu.Unlock()
		return fmt.Errorf("login rate limited, retry shortly: %w",
			&neo4j.Neo4jError{Code: "Neo.ClientError.Security.AuthenticationRateLimit"})
	}
	p.mu.Unlock()

	u, err := url.Parse(creds.URI)
	if err != nil {
		return err
	}
	port, _ := strconv.Atoi(u.Port())

	infos, err := p.engine.List(ctx, nil)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if !info.Running || info.HostPort(boltPort) != port {
			continue
		}
		c, _ := p.engine.Container(info.ID)
		for _, kv := range c.Env {
			if kv == "NEO4J_AUTH="+creds.Username+"/"+creds.Password {
				return nil
			}
		}
		return fmt.Errorf("%w: Neo.ClientError.Security.Unauthorized", domain.ErrAuthMismatch)
	}
	return fmt.Errorf("%s: %w", creds.URI, ErrNotReady)
}

func (p *EngineBacked) Probe(ctx context.Context, creds graphdb.Credentials) error {
	return p.connect(ctx, creds)
}

func (p *EngineBacked) ServerVersion(ctx context.Context, creds graphdb.Credentials) (string, error) {
	if err := p.connect(ctx, creds); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version, nil
}

func (p *EngineBacked) NodeCount(ctx context.Context, creds graphdb.Credentials) (int64, error) {
	if err := p.connect(ctx, creds); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodes, nil
}

var _ graphdb.Prober = (*EngineBacked)(nil)
