package ports

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/neodock/neodock/internal/config"
	"github.com/neodock/neodock/internal/domain"
	"github.com/neodock/neodock/pkg/logging"
)

const maxPort = 65535

// BindFunc reports whether host:port can currently be bound.
type BindFunc func(host string, port int) bool

// LiveFunc reports whether the instance behind an allocation still exists.
// Live entries are never dropped.
type LiveFunc func(ctx context.Context, alloc domain.PortAllocation) (bool, error)

// Allocator assigns port pairs from a fixed probe sequence: the i-th
// candidate is (HTTPBase + i*Stride, BoltBase + i*Stride).
type Allocator struct {
	table    Table
	cfg      config.PortsConfig
	bindable BindFunc
	isLive   LiveFunc
	now      func() time.Time
	logger   *logging.Logger
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithBindFunc replaces the OS bindability probe.
func WithBindFunc(fn BindFunc) Option {
	return func(a *Allocator) { a.bindable = fn }
}

// WithLiveFunc sets the liveness check used to find stale reservations.
func WithLiveFunc(fn LiveFunc) Option {
	return func(a *Allocator) { a.isLive = fn }
}

// WithClock overrides the time source for AllocatedAt.
func WithClock(now func() time.Time) Option {
	return func(a *Allocator) { a.now = now }
}

// NewAllocator creates an allocator over table.
func NewAllocator(table Table, cfg config.PortsConfig, logger *logging.Logger, opts ...Option) *Allocator {
	if cfg.Stride <= 0 {
		cfg.Stride = 1
	}
	if cfg.MaxProbes <= 0 {
		cfg.MaxProbes = 1
	}
	if cfg.BindHost == "" {
		cfg.BindHost = "127.0.0.1"
	}
	a := &Allocator{
		table:    table,
		cfg:      cfg,
		bindable: CanBind,
		now:      time.Now,
		logger:   logger.With("component", "ports"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetLiveFunc sets the liveness check after construction. The orchestrator
// wires itself in here because it is built after the allocator.
func (a *Allocator) SetLiveFunc(fn LiveFunc) {
	a.isLive = fn
}

// BindHost returns the address ports are probed and published on.
func (a *Allocator) BindHost() string {
	return a.cfg.BindHost
}

// Allocate returns the pair reserved for instanceName, reserving a new one
// if needed. The reservation is persisted before Allocate returns.
func (a *Allocator) Allocate(ctx context.Context, env domain.Environment, instanceName string) (domain.PortAllocation, error) {
	var result domain.PortAllocation

	err := a.table.Update(ctx, func(entries Entries) (bool, error) {
		if existing, ok := entries[instanceName]; ok {
			result = existing
			return false, nil
		}

		owners := make(map[int]string, 2*len(entries))
		for name, e := range entries {
			owners[e.HTTPPort] = name
			owners[e.BoltPort] = name
		}

		for i := 0; i < a.cfg.MaxProbes; i++ {
			httpPort := a.cfg.HTTPBase + i*a.cfg.Stride
			boltPort := a.cfg.BoltBase + i*a.cfg.Stride
			if httpPort > maxPort || boltPort > maxPort {
				break
			}
			if httpPort == boltPort {
				continue
			}
			if !a.reclaim(ctx, entries, owners, httpPort, boltPort) {
				continue
			}
			if !a.bindable(a.cfg.BindHost, httpPort) || !a.bindable(a.cfg.BindHost, boltPort) {
				a.logger.Debug("Port pair busy", "httpPort", httpPort, "boltPort", boltPort)
				continue
			}

			result = domain.PortAllocation{
				Environment:  env,
				InstanceName: instanceName,
				HTTPPort:     httpPort,
				BoltPort:     boltPort,
				AllocatedAt:  a.now().UTC(),
			}
			entries[instanceName] = result
			return true, nil
		}

		return false, fmt.Errorf("%w: probed %d pairs from %d/%d", domain.ErrPortExhaustion,
			a.cfg.MaxProbes, a.cfg.HTTPBase, a.cfg.BoltBase)
	})
	if err != nil {
		return domain.PortAllocation{}, err
	}

	a.logger.Debug("Ports allocated",
		"instance", instanceName,
		"httpPort", result.HTTPPort,
		"boltPort", result.BoltPort,
	)
	return result, nil
}

// reclaim reports whether the pair is free of reservations, dropping the
// reservations that hold it when all of them are stale.
func (a *Allocator) reclaim(ctx context.Context, entries Entries, owners map[int]string, ports ...int) bool {
	holders := make(map[string]bool)
	for _, p := range ports {
		if name, ok := owners[p]; ok {
			holders[name] = true
		}
	}
	if len(holders) == 0 {
		return true
	}
	// Without a liveness check a quiet port proves nothing: the instance
	// may be stopped and want its pair back.
	if a.isLive == nil {
		return false
	}
	for name := range holders {
		if !a.stale(ctx, entries[name]) {
			return false
		}
	}
	for name := range holders {
		alloc := entries[name]
		delete(owners, alloc.HTTPPort)
		delete(owners, alloc.BoltPort)
		delete(entries, name)
		a.logger.Info("Reclaimed stale port reservation",
			"instance", name,
			"httpPort", alloc.HTTPPort,
			"boltPort", alloc.BoltPort,
		)
	}
	return true
}

// stale reports whether a reservation was left behind: it is older than
// the grace window, its instance is gone and nothing listens on its ports.
// A failed liveness check keeps the reservation.
func (a *Allocator) stale(ctx context.Context, alloc domain.PortAllocation) bool {
	if a.cfg.StaleAfter > 0 && a.now().Sub(alloc.AllocatedAt) < a.cfg.StaleAfter {
		return false
	}
	if a.isLive != nil {
		live, err := a.isLive(ctx, alloc)
		if err != nil {
			a.logger.Warn("Keeping reservation, liveness unknown", "instance", alloc.InstanceName, "error", err)
			return false
		}
		if live {
			return false
		}
	}
	return a.bindable(a.cfg.BindHost, alloc.HTTPPort) && a.bindable(a.cfg.BindHost, alloc.BoltPort)
}

// Release drops the reservation for instanceName. Releasing an unknown
// name is a no-op.
func (a *Allocator) Release(ctx context.Context, instanceName string) error {
	return a.table.Update(ctx, func(entries Entries) (bool, error) {
		if _, ok := entries[instanceName]; !ok {
			return false, nil
		}
		delete(entries, instanceName)
		return true, nil
	})
}

// Lookup returns the reservation for instanceName, if any.
func (a *Allocator) Lookup(ctx context.Context, instanceName string) (domain.PortAllocation, bool, error) {
	entries, err := a.table.Load(ctx)
	if err != nil {
		return domain.PortAllocation{}, false, err
	}
	alloc, ok := entries[instanceName]
	return alloc, ok, nil
}

// List returns all reservations ordered by HTTP port.
func (a *Allocator) List(ctx context.Context) ([]domain.PortAllocation, error) {
	entries, err := a.table.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PortAllocation, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HTTPPort < out[j].HTTPPort })
	return out, nil
}

// Reconcile drops reservations left behind by crashed processes: entries
// past the grace window whose instance is not live and whose ports nothing
// is listening on. Allocate reclaims such entries on its own when it needs
// their ports. It returns the number of entries removed.
func (a *Allocator) Reconcile(ctx context.Context) (int, error) {
	entries, err := a.table.Load(ctx)
	if err != nil {
		return 0, err
	}

	stale := make(map[string]domain.PortAllocation)
	for name, alloc := range entries {
		if a.stale(ctx, alloc) {
			stale[name] = alloc
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	removed := 0
	err = a.table.Update(ctx, func(current Entries) (bool, error) {
		removed = 0
		for name, alloc := range stale {
			// Skip entries re-allocated since the scan.
			if cur, ok := current[name]; ok && cur.AllocatedAt.Equal(alloc.AllocatedAt) {
				delete(current, name)
				removed++
			}
		}
		return removed > 0, nil
	})
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		a.logger.Info("Reconciled port table", "removed", removed)
	}
	return removed, nil
}

// CanBind reports whether a TCP listener can be opened on host:port.
func CanBind(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
