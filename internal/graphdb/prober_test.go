package graphdb

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/neodock/neodock/internal/domain"
	"github.com/neodock/neodock/pkg/logging"
)

func TestIsAuthError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unauthorized", &neo4j.Neo4jError{Code: "Neo.ClientError.Security.Unauthorized", Msg: "bad"}, true},
		{"rate limited", &neo4j.Neo4jError{Code: "Neo.ClientError.Security.AuthenticationRateLimit"}, false},
		{"credentials expired", &neo4j.Neo4jError{Code: "Neo.ClientError.Security.CredentialsExpired"}, true},
		{"wrapped", fmt.Errorf("connect: %w", &neo4j.Neo4jError{Code: "Neo.ClientError.Security.Unauthorized"}), true},
		{"other neo4j error", &neo4j.Neo4jError{Code: "Neo.TransientError.General.DatabaseUnavailable"}, false},
		{"plain error", errors.New("connection refused"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAuthError(tt.err); got != tt.want {
				t.Errorf("IsAuthError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	authErr := classify(&neo4j.Neo4jError{Code: "Neo.ClientError.Security.Unauthorized"})
	if !errors.Is(authErr, domain.ErrAuthMismatch) {
		t.Errorf("classify(unauthorized) = %v, want ErrAuthMismatch", authErr)
	}

	limited := classify(&neo4j.Neo4jError{Code: "Neo.ClientError.Security.AuthenticationRateLimit"})
	if errors.Is(limited, domain.ErrAuthMismatch) {
		t.Errorf("classify(rate limit) = %v, must not be ErrAuthMismatch", limited)
	}
	if !IsRateLimited(limited) {
		t.Errorf("classify(rate limit) = %v, want the driver error preserved", limited)
	}

	other := errors.New("connection refused")
	if got := classify(other); got != other {
		t.Errorf("classify(other) = %v, want it unchanged", got)
	}
}

func TestNeo4jProber_Unreachable(t *testing.T) {
	p := NewNeo4jProber(500*time.Millisecond, logging.Nop())

	err := p.Probe(context.Background(), Credentials{
		URI:      "bolt://127.0.0.1:1",
		Username: "neo4j",
		Password: "password1",
	})
	if err == nil {
		t.Fatal("Probe() against a closed port should fail")
	}
	if errors.Is(err, domain.ErrAuthMismatch) {
		t.Errorf("unreachable server must not be reported as auth mismatch: %v", err)
	}
}
