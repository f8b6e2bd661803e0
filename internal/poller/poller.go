// Package poller periodically discovers queued workflow jobs and hands the
// eligible ones to the lifecycle manager. It is the catch-up path next to
// the webhook: a lost delivery only delays a runner by one poll interval.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"Forge/internal/config"
	"Forge/internal/github"
	"Forge/internal/labels"
	"Forge/internal/metrics"
	"Forge/internal/models"
)

// JobLister discovers queued workflow jobs. It is satisfied by
// github.Client.
type JobLister interface {
	QueuedJobs(ctx context.Context) ([]models.WorkflowJob, error)
}

// JobDispatcher accepts eligible queued jobs. It is satisfied by
// lifecycle.Manager.
type JobDispatcher interface {
	HandleQueued(ctx context.Context, scope models.Scope, spec labels.LaunchSpec) error
}

type Poller struct {
	cfg    *config.Config
	jobs   JobLister
	mgr    JobDispatcher
	met    *metrics.Metrics
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg *config.Config, jobs JobLister, mgr JobDispatcher, met *metrics.Metrics, logger *slog.Logger) *Poller {
	return &Poller{
		cfg:    cfg,
		jobs:   jobs,
		mgr:    mgr,
		met:    met,
		logger: logger.With("component", "poller"),
	}
}

// Start launches the poll loop. The first cycle runs immediately so a
// restart picks up queued jobs without waiting a full interval.
func (p *Poller) Start(ctx context.Context) error {
	if p.done != nil {
		return fmt.Errorf("poller already started")
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	p.logger.Info("poller starting", "interval", p.cfg.Runner.PollInterval)

	go func() {
		defer close(p.done)

		ticker := time.NewTicker(p.cfg.Runner.PollInterval)
		defer ticker.Stop()

		p.cycle(ctx)
		for {
			select {
			case <-ctx.Done():
				p.logger.Info("poller stopped")
				return
			case <-ticker.C:
				p.cycle(ctx)
			}
		}
	}()

	return nil
}

// Stop cancels the loop and waits for the in-flight cycle, bounded by the
// configured stop timeout.
func (p *Poller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()

	select {
	case <-p.done:
	case <-time.After(p.cfg.Runner.StopTimeout):
		p.logger.Warn("poller did not stop in time", "timeout", p.cfg.Runner.StopTimeout)
	}
}

func (p *Poller) cycle(ctx context.Context) {
	start := time.Now()

	jobs, err := p.jobs.QueuedJobs(ctx)
	if err != nil {
		p.logger.Error("job discovery failed", "error", err)
		p.met.PollCycles.WithLabelValues("error").Inc()
		return
	}

	defaults := p.cfg.LaunchDefaults()
	handled := 0
	for _, job := range jobs {
		spec := labels.Parse(job.Labels, defaults)
		if !spec.Eligible() {
			continue
		}

		if err := p.mgr.HandleQueued(ctx, p.scopeFor(job), spec); err != nil {
			p.logger.Error("provisioning from poll failed",
				"job_id", spec.JobID, "repository", job.Repository, "error", err)
			continue
		}
		handled++
	}

	p.met.PollCycles.WithLabelValues("ok").Inc()
	p.met.PollCycleDuration.Observe(time.Since(start).Seconds())

	if len(jobs) > 0 {
		p.logger.Debug("poll cycle complete",
			"queued", len(jobs),
			"handled", handled,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	}
}

// scopeFor keeps runner registration at the repository the job belongs to
// when the discovery walk found it outside the pinned configuration.
func (p *Poller) scopeFor(job models.WorkflowJob) models.Scope {
	if job.Repository != "" {
		if owner, repo, ok := github.ParseRepositoryURL("https://github.com/" + job.Repository); ok {
			return models.Scope{Owner: owner, Repo: repo}
		}
	}
	return p.cfg.Scope()
}
