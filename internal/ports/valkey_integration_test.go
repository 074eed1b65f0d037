//go:build integration

package ports

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/neodock/neodock/internal/config"
	"github.com/neodock/neodock/internal/domain"
)

func startValkey(t *testing.T) *config.StoreConfig {
	t.Helper()
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "valkey/valkey:8-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Terminate(context.Background())
	})

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return &config.StoreConfig{
		ValkeyAddr: fmt.Sprintf("%s:%s", host, port.Port()),
		Key:        "neodock:test:ports",
	}
}

func TestValkeyTable_Integration(t *testing.T) {
	cfg := startValkey(t)
	ctx := context.Background()

	table, err := NewValkeyTable(cfg)
	require.NoError(t, err)
	defer table.Close()
	require.NoError(t, table.Ping(ctx))

	entries, err := table.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Two tables on separate connections act as two hosts.
	other, err := NewValkeyTable(cfg)
	require.NoError(t, err)
	defer other.Close()

	allocators := []*Allocator{
		newTestAllocator(t, table),
		newTestAllocator(t, other),
	}

	const n = 30
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = allocators[i%2].Allocate(ctx, domain.EnvTest, fmt.Sprintf("neodock-test-%d", i))
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	list, err := allocators[0].List(ctx)
	require.NoError(t, err)
	require.Len(t, list, n)

	seen := make(map[int]bool)
	for _, alloc := range list {
		assert.False(t, seen[alloc.HTTPPort], "duplicate http port %d", alloc.HTTPPort)
		assert.False(t, seen[alloc.BoltPort], "duplicate bolt port %d", alloc.BoltPort)
		seen[alloc.HTTPPort] = true
		seen[alloc.BoltPort] = true
	}

	require.NoError(t, allocators[1].Release(ctx, "neodock-test-0"))
	_, ok, err := allocators[0].Lookup(ctx, "neodock-test-0")
	require.NoError(t, err)
	assert.False(t, ok)
}
