package ports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/valkey-io/valkey-go"

	"github.com/neodock/neodock/internal/config"
	"github.com/neodock/neodock/internal/domain"
)

// Lua scripts for atomic table access
var (
	// readTableScript returns the version counter and the whole hash in one round trip.
	// KEYS[1] = allocation hash key
	// KEYS[2] = version counter key
	// Returns: {version, {field, value, ...}}
	readTableScript = valkey.NewLuaScript(`
local version = redis.call('GET', KEYS[2]) or '0'
return {version, redis.call('HGETALL', KEYS[1])}
`)

	// replaceTableScript swaps in a new hash only if nobody wrote since it was read.
	// KEYS[1] = allocation hash key
	// KEYS[2] = version counter key
	// ARGV[1] = expected version
	// ARGV[2..] = field, value pairs
	// Returns: 1 on success, 0 on version conflict
	replaceTableScript = valkey.NewLuaScript(`
local current = redis.call('GET', KEYS[2]) or '0'
if current ~= ARGV[1] then
    return 0
end
redis.call('DEL', KEYS[1])
for i = 2, #ARGV, 2 do
    redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('INCR', KEYS[2])
return 1
`)
)

var errVersionConflict = errors.New("port table changed concurrently")

const maxCASAttempts = 50

// ValkeyTable keeps the table in a Valkey hash so several hosts driving the
// same Docker engine share one set of reservations. Writes use optimistic
// compare-and-set on a version counter.
type ValkeyTable struct {
	client     valkey.Client
	key        string
	versionKey string
}

// NewValkeyTable connects to the configured Valkey server.
func NewValkeyTable(cfg *config.StoreConfig) (*ValkeyTable, error) {
	opts := valkey.ClientOption{
		InitAddress: []string{cfg.ValkeyAddr},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	client, err := valkey.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}
	return NewValkeyTableWithClient(client, cfg.Key), nil
}

// NewValkeyTableWithClient wraps an existing client.
func NewValkeyTableWithClient(client valkey.Client, key string) *ValkeyTable {
	return &ValkeyTable{
		client:     client,
		key:        key,
		versionKey: key + ":version",
	}
}

// Close closes the Valkey connection.
func (t *ValkeyTable) Close() {
	t.client.Close()
}

// Ping checks the server is reachable.
func (t *ValkeyTable) Ping(ctx context.Context) error {
	return t.client.Do(ctx, t.client.B().Ping().Build()).Error()
}

// Load returns the current entries.
func (t *ValkeyTable) Load(ctx context.Context) (Entries, error) {
	entries, _, err := t.read(ctx)
	return entries, err
}

// Update retries fn on concurrent modification until its write lands.
func (t *ValkeyTable) Update(ctx context.Context, fn UpdateFunc) error {
	op := func() error {
		entries, version, err := t.read(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		changed, err := fn(entries)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !changed {
			return nil
		}
		if err := t.replace(ctx, entries, version); err != nil {
			if errors.Is(err, errVersionConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(b, maxCASAttempts), ctx)

	return backoff.Retry(op, policy)
}

func (t *ValkeyTable) read(ctx context.Context) (Entries, string, error) {
	result := readTableScript.Exec(ctx, t.client, []string{t.key, t.versionKey}, nil)
	parts, err := result.ToArray()
	if err != nil {
		return nil, "", fmt.Errorf("failed to read port table: %w", err)
	}
	if len(parts) != 2 {
		return nil, "", fmt.Errorf("failed to read port table: unexpected reply of %d parts", len(parts))
	}

	version, err := parts[0].ToString()
	if err != nil {
		// Numeric replies arrive as integers after INCR.
		n, intErr := parts[0].AsInt64()
		if intErr != nil {
			return nil, "", fmt.Errorf("failed to read port table version: %w", err)
		}
		version = strconv.FormatInt(n, 10)
	}

	fields, err := parts[1].AsStrMap()
	if err != nil {
		return nil, "", fmt.Errorf("failed to read port table entries: %w", err)
	}

	entries := make(Entries, len(fields))
	for name, raw := range fields {
		var alloc domain.PortAllocation
		if err := json.Unmarshal([]byte(raw), &alloc); err != nil {
			return nil, "", fmt.Errorf("failed to decode allocation %s: %w", name, err)
		}
		entries[name] = alloc
	}
	return entries, version, nil
}

func (t *ValkeyTable) replace(ctx context.Context, entries Entries, version string) error {
	args := make([]string, 0, 1+2*len(entries))
	args = append(args, version)
	for name, alloc := range entries {
		data, err := json.Marshal(alloc)
		if err != nil {
			return fmt.Errorf("failed to encode allocation %s: %w", name, err)
		}
		args = append(args, name, string(data))
	}

	ok, err := replaceTableScript.Exec(ctx, t.client, []string{t.key, t.versionKey}, args).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to write port table: %w", err)
	}
	if ok != 1 {
		return errVersionConflict
	}
	return nil
}

var _ Table = (*ValkeyTable)(nil)
