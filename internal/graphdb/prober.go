// Package graphdb talks to a Neo4j server just enough to tell whether it is
// ready, who it accepts, which version it runs and whether it holds data.
package graphdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/neodock/neodock/internal/domain"
	"github.com/neodock/neodock/pkg/logging"
)

// Credentials address one database server.
type Credentials struct {
	URI      string
	Username string
	Password string
}

// Prober runs the few queries the lifecycle engine needs.
type Prober interface {
	// Probe runs RETURN 1. A rejected login wraps domain.ErrAuthMismatch;
	// any other failure means the server is not ready yet.
	Probe(ctx context.Context, creds Credentials) error

	// ServerVersion returns the kernel version from dbms.components().
	ServerVersion(ctx context.Context, creds Credentials) (string, error)

	// NodeCount returns the number of nodes in the default database.
	NodeCount(ctx context.Context, creds Credentials) (int64, error)
}

const (
	probeQuery   = "RETURN 1 AS ok"
	versionQuery = "CALL dbms.components() YIELD name, versions WHERE name = 'Neo4j Kernel' RETURN versions[0] AS version"
	countQuery   = "MATCH (n) RETURN count(n) AS nodes"
)

// Neo4jProber implements Prober with the official driver. Every call opens
// and closes its own driver so a recreated container is never reached
// through a stale pooled connection.
type Neo4jProber struct {
	timeout time.Duration
	logger  *logging.Logger
}

// NewNeo4jProber creates a prober whose calls are bounded by timeout.
func NewNeo4jProber(timeout time.Duration, logger *logging.Logger) *Neo4jProber {
	return &Neo4jProber{
		timeout: timeout,
		logger:  logger.With("component", "graphdb"),
	}
}

// Probe verifies the server answers a trivial query with these credentials.
func (p *Neo4jProber) Probe(ctx context.Context, creds Credentials) error {
	_, err := p.query(ctx, creds, probeQuery, "ok")
	return err
}

// ServerVersion returns e.g. "5.26.0".
func (p *Neo4jProber) ServerVersion(ctx context.Context, creds Credentials) (string, error) {
	v, err := p.query(ctx, creds, versionQuery, "version")
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("unexpected version value %T", v)
	}
	return s, nil
}

// NodeCount returns the number of nodes.
func (p *Neo4jProber) NodeCount(ctx context.Context, creds Credentials) (int64, error) {
	v, err := p.query(ctx, creds, countQuery, "nodes")
	if err != nil {
		return 0, err
	}
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected count value %T", v)
	}
	return n, nil
}

// query runs cypher and returns column key of the single result row.
func (p *Neo4jProber) query(ctx context.Context, creds Credentials, cypher, key string) (any, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	driver, err := neo4j.NewDriverWithContext(creds.URI, neo4j.BasicAuth(creds.Username, creds.Password, ""),
		func(cfg *neo4j.Config) {
			cfg.MaxConnectionPoolSize = 1
			cfg.ConnectionAcquisitionTimeout = p.timeout
			cfg.SocketConnectTimeout = p.timeout
			cfg.MaxTransactionRetryTime = 0
		})
	if err != nil {
		return nil, fmt.Errorf("failed to create driver: %w", err)
	}
	defer driver.Close(context.WithoutCancel(ctx))

	result, err := neo4j.ExecuteQuery(ctx, driver, cypher, nil, neo4j.EagerResultTransformer)
	if err != nil {
		return nil, classify(err)
	}
	if len(result.Records) == 0 {
		return nil, fmt.Errorf("query returned no rows")
	}
	v, ok := result.Records[0].Get(key)
	if !ok {
		return nil, fmt.Errorf("query result has no column %q", key)
	}
	return v, nil
}

// Security codes that mean the credentials are wrong rather than the
// server being unavailable.
var authErrorCodes = map[string]bool{
	"Neo.ClientError.Security.Unauthorized":       true,
	"Neo.ClientError.Security.CredentialsExpired": true,
}

// rateLimitCode is sent for a few seconds after any client fails to log in,
// whatever the credentials of the current attempt. It is retried, never
// taken as a mismatch.
const rateLimitCode = "Neo.ClientError.Security.AuthenticationRateLimit"

// IsAuthError reports whether err is a rejected login.
func IsAuthError(err error) bool {
	var neoErr *neo4j.Neo4jError
	if errors.As(err, &neoErr) {
		return authErrorCodes[neoErr.Code]
	}
	return false
}

// IsRateLimited reports whether err is Neo4j's login rate limit.
func IsRateLimited(err error) bool {
	var neoErr *neo4j.Neo4jError
	return errors.As(err, &neoErr) && neoErr.Code == rateLimitCode
}

func classify(err error) error {
	switch {
	case IsAuthError(err):
		return fmt.Errorf("%w: %v", domain.ErrAuthMismatch, err)
	case IsRateLimited(err):
		return fmt.Errorf("login rate limited, retry shortly: %w", err)
	}
	return err
}

// Compile-time check that Neo4jProber implements Prober
var _ Prober = (*Neo4jProber)(nil)
