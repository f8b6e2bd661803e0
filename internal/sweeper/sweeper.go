// Package sweeper reclaims runners the event paths missed: records past
// the idle timeout, and provider instances nothing tracks anymore.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"Forge/internal/config"
	"Forge/internal/metrics"
	"Forge/internal/provider"
	"Forge/internal/registry"
)

// Reaper runs the cleanup protocol on one record. It is satisfied by
// lifecycle.Manager.
type Reaper interface {
	Cleanup(ctx context.Context, rec registry.Record, reason string)
}

type Sweeper struct {
	cfg    *config.Config
	reg    *registry.Registry
	mgr    Reaper
	prov   provider.InstanceProvisioner
	met    *metrics.Metrics
	logger *slog.Logger
}

func New(cfg *config.Config, reg *registry.Registry, mgr Reaper, prov provider.InstanceProvisioner, met *metrics.Metrics, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		cfg:    cfg,
		reg:    reg,
		mgr:    mgr,
		prov:   prov,
		met:    met,
		logger: logger.With("component", "sweeper"),
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sweeper starting",
		"interval", s.cfg.Runner.CleanupInterval,
		"idle_timeout", s.cfg.Runner.IdleTimeout,
		"orphan_threshold", s.cfg.Runner.OrphanThreshold,
	)

	ticker := time.NewTicker(s.cfg.Runner.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.AgeSweep(ctx, s.cfg.Runner.IdleTimeout)
			s.OrphanSweep(ctx)
		}
	}
}

// AgeSweep evicts every tracked runner older than maxAge, whether or not
// a completion signal ever arrived for its job. A zero maxAge evicts
// everything currently tracked. Returns the number of runners cleaned.
func (s *Sweeper) AgeSweep(ctx context.Context, maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	cleaned := 0
	for _, rec := range s.reg.ListActive() {
		if rec.CreatedAt.After(cutoff) {
			continue
		}
		s.logger.Info("runner exceeded idle timeout",
			"runner", rec.Name,
			"job_id", rec.JobID,
			"age", time.Since(rec.CreatedAt).Round(time.Second),
		)
		s.mgr.Cleanup(ctx, rec, "age")
		cleaned++
	}
	return cleaned
}

// OrphanSweep terminates provider instances that carry the management tag
// but are tracked by nothing, leftovers of a crash or a lost cleanup.
// Young instances are spared: they may still be registering. Returns the
// number of instances reclaimed.
func (s *Sweeper) OrphanSweep(ctx context.Context) int {
	instances, err := s.prov.ListInstances(ctx)
	if err != nil {
		s.logger.Error("orphan sweep instance listing failed", "error", err)
		return 0
	}

	tracked := make(map[string]struct{})
	for _, rec := range s.reg.ListActive() {
		tracked[rec.InstanceID] = struct{}{}
	}

	cutoff := time.Now().Add(-s.cfg.Runner.OrphanThreshold)
	reclaimed := 0
	for _, inst := range instances {
		if _, ok := tracked[inst.ID]; ok {
			continue
		}
		if inst.LaunchTime.After(cutoff) {
			continue
		}

		s.logger.Warn("terminating orphaned instance",
			"instance_id", inst.ID,
			"runner", inst.Name,
			"launched", inst.LaunchTime.Format(time.RFC3339),
		)
		if err := s.prov.TerminateInstance(ctx, inst.ID); err != nil {
			s.logger.Error("orphan termination failed", "instance_id", inst.ID, "error", err)
			continue
		}
		s.met.OrphansReclaimed.Inc()
		reclaimed++
	}

	if reclaimed > 0 {
		s.logger.Info("orphan sweep complete", "reclaimed", reclaimed)
	}
	return reclaimed
}
