package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/neodock/neodock/internal/domain"
	"github.com/neodock/neodock/internal/events"
)

// Cleanup implements Manager. Only containers and volumes labelled with the
// test environment are considered; development and production resources
// are never removed, whatever their age. It runs to completion even if ctx
// is cancelled.
func (o *Orchestrator) Cleanup(ctx context.Context, keepDays int) (*CleanupReport, error) {
	if keepDays < 0 {
		return nil, domain.WrapOp("cleanup", "", fmt.Errorf("%w: keepDays must not be negative", domain.ErrInvalidConfig))
	}
	ctx = context.WithoutCancel(ctx)
	cutoff := o.now().Add(-time.Duration(keepDays) * 24 * time.Hour)

	infos, err := o.engine.List(ctx, map[string]string{
		domain.LabelManaged:     "true",
		domain.LabelEnvironment: string(domain.EnvTest),
	})
	if err != nil {
		return nil, domain.WrapOp("cleanup", "", err)
	}

	var (
		mu     sync.Mutex
		report = &CleanupReport{Containers: []string{}, Volumes: []string{}}
		errs   *multierror.Error
	)
	fail := func(err error) {
		mu.Lock()
		errs = multierror.Append(errs, err)
		mu.Unlock()
	}

	g := new(errgroup.Group)
	g.SetLimit(o.cfg.Workers)
	for _, info := range infos {
		rec := recordFrom(info)
		if rec.Environment != domain.EnvTest || !rec.CreatedAt.Before(cutoff) {
			continue
		}
		g.Go(func() error {
			unlock := o.locks.Lock(rec.Name)
			defer unlock()

			if err := o.teardown(ctx, rec, true); err != nil {
				fail(fmt.Errorf("%s: %w", rec.Name, err))
				return nil
			}
			mu.Lock()
			report.Containers = append(report.Containers, rec.Name)
			if rec.VolumeName != "" {
				report.Volumes = append(report.Volumes, rec.VolumeName)
			}
			report.PortsReleased++
			mu.Unlock()
			o.countRemoval("container")
			o.emit(ctx, events.InstanceCleaned, rec)
			return nil
		})
	}
	_ = g.Wait()

	// Volumes whose container is already gone.
	vols, err := o.volumes.List(ctx, domain.EnvTest)
	if err != nil {
		fail(err)
	}
	removed := make(map[string]bool, len(report.Volumes))
	for _, v := range report.Volumes {
		removed[v] = true
	}
	for _, v := range vols {
		if v.Environment != domain.EnvTest || removed[v.Name] || !v.CreatedAt.Before(cutoff) {
			continue
		}
		if inUse, err := o.volumeInUse(ctx, v.Name); err != nil || inUse {
			if err != nil {
				fail(err)
			}
			continue
		}
		if err := o.volumes.Remove(ctx, v.Name); err != nil {
			fail(err)
			continue
		}
		report.Volumes = append(report.Volumes, v.Name)
		o.countRemoval("volume")
	}

	o.logger.Info("Cleanup finished",
		"keepDays", keepDays,
		"containers", len(report.Containers),
		"volumes", len(report.Volumes),
	)
	if err := errs.ErrorOrNil(); err != nil {
		return report, domain.WrapOp("cleanup", "", err)
	}
	return report, nil
}

func (o *Orchestrator) volumeInUse(ctx context.Context, name string) (bool, error) {
	infos, err := o.engine.List(ctx, map[string]string{domain.LabelVolume: name})
	if err != nil {
		return false, err
	}
	return len(infos) > 0, nil
}

func (o *Orchestrator) countRemoval(kind string) {
	if o.metrics != nil {
		o.metrics.CleanupRemovalsTotal.WithLabelValues(kind).Inc()
	}
}

// StopAll implements Manager. Containers are stopped in parallel and every
// failure is reported.
func (o *Orchestrator) StopAll(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)

	o.mu.Lock()
	ids := make([]string, 0, len(o.records))
	for id := range o.records {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	var (
		mu   sync.Mutex
		errs *multierror.Error
	)
	g := new(errgroup.Group)
	g.SetLimit(o.cfg.Workers)
	for _, id := range ids {
		g.Go(func() error {
			if err := o.Stop(ctx, id); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	o.logger.Info("Stopped all instances", "count", len(ids))
	return errs.ErrorOrNil()
}

// StartSweeper implements Manager.
func (o *Orchestrator) StartSweeper(ctx context.Context) error {
	if o.cfg.SweepInterval <= 0 {
		return nil
	}

	o.sweepMu.Lock()
	if o.running {
		o.sweepMu.Unlock()
		return fmt.Errorf("sweeper already running")
	}
	o.stopCh = make(chan struct{})
	o.doneCh = make(chan struct{})
	o.running = true
	o.sweepMu.Unlock()

	go o.sweepLoop(ctx)
	return nil
}

// StopSweeper implements Manager.
func (o *Orchestrator) StopSweeper() error {
	o.sweepMu.Lock()
	if !o.running {
		o.sweepMu.Unlock()
		return nil
	}
	close(o.stopCh)
	o.running = false
	o.sweepMu.Unlock()

	<-o.doneCh
	return nil
}

func (o *Orchestrator) sweepLoop(ctx context.Context) {
	defer close(o.doneCh)

	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweep(ctx)
		}
	}
}

func (o *Orchestrator) sweep(ctx context.Context) {
	if _, err := o.Cleanup(ctx, o.cfg.KeepDays); err != nil {
		o.logger.Warn("Periodic cleanup failed", "error", err)
	}
	removed, err := o.ports.Reconcile(ctx)
	if err != nil {
		o.logger.Warn("Port reconcile failed", "error", err)
		return
	}
	if o.metrics != nil && removed > 0 {
		o.metrics.ReconcileRemovedTotal.Add(float64(removed))
	}
}
