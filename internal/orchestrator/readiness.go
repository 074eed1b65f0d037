package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/cenkalti/backoff/v4"

	"github.com/neodock/neodock/internal/domain"
	"github.com/neodock/neodock/internal/graphdb"
)

var errNotListening = errors.New("bolt port not accepting connections")

// waitForReady polls at a fixed interval until the database answers a
// trivial query, up to cfg.ReadyAttempts probes. Each probe opens its own
// connection. A rejected login ends the wait with domain.ErrAuthMismatch.
//
// Without a password only the bolt port is checked; handles built from a
// listing do not know the credentials.
func (o *Orchestrator) waitForReady(ctx context.Context, name string, creds graphdb.Credentials) error {
	began := o.now()
	host, port := boltAddr(creds.URI)

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(o.cfg.ReadyInterval), uint64(o.cfg.ReadyAttempts-1)),
		ctx,
	)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		if !o.listening(ctx, host, port) {
			o.countProbe("not_listening")
			return errNotListening
		}
		if creds.Password == "" {
			o.countProbe("ready")
			return nil
		}

		probeStart := o.now()
		err := o.prober.Probe(ctx, creds)
		if o.metrics != nil {
			o.metrics.ProbeDuration.Observe(o.now().Sub(probeStart).Seconds())
		}
		switch {
		case err == nil:
			o.countProbe("ready")
			return nil
		case errors.Is(err, domain.ErrAuthMismatch):
			o.countProbe("auth_failed")
			return backoff.Permanent(err)
		default:
			o.countProbe("not_ready")
			o.logger.Debug("Database not ready", "instance", name, "attempt", attempts, "error", err)
			return err
		}
	}, policy)

	switch {
	case err == nil:
		if o.metrics != nil {
			o.metrics.WaitForReadyDuration.Observe(o.now().Sub(began).Seconds())
		}
		o.logger.Debug("Database ready", "instance", name, "attempts", attempts)
		return nil
	case errors.Is(err, domain.ErrAuthMismatch):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("%w after %d attempts: %v", domain.ErrStartupTimeout, attempts, err)
	}
}

func (o *Orchestrator) countProbe(result string) {
	if o.metrics != nil {
		o.metrics.ReadinessProbesTotal.WithLabelValues(result).Inc()
	}
}

// boltAddr splits bolt://host:port.
func boltAddr(uri string) (string, int) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", 0
	}
	port, _ := strconv.Atoi(u.Port())
	return u.Hostname(), port
}
