// Package lifecycle drives a runner from a queued workflow job to a
// running instance and back to nothing. All slow calls happen outside the
// registry lock; the registry's reservation and terminating claims keep
// concurrent callers from provisioning or tearing down the same runner
// twice.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"Forge/internal/config"
	"Forge/internal/labels"
	"Forge/internal/metrics"
	"Forge/internal/models"
	"Forge/internal/provider"
	"Forge/internal/registry"
	"Forge/internal/store"

	"github.com/google/uuid"
)

// JobSource is the GitHub-facing surface the manager needs. It is
// satisfied by github.Client.
type JobSource interface {
	RegistrationToken(ctx context.Context, scope models.Scope) (string, error)
	RemoveToken(ctx context.Context, scope models.Scope) (string, error)
	ListRunners(ctx context.Context, scope models.Scope) ([]models.RunnerAgent, error)
	DeleteRunner(ctx context.Context, scope models.Scope, runnerID int64) error
	ListGroups(ctx context.Context, entity string) ([]models.RunnerGroup, error)
	CreateGroup(ctx context.Context, entity, name string) (string, error)
	DeleteGroup(ctx context.Context, entity, groupID string) error
	GenerateJITConfig(ctx context.Context, entity, groupID, runnerName, workFolder string) (string, error)
}

type Manager struct {
	cfg    *config.Config
	reg    *registry.Registry
	groups *registry.GroupCache
	source JobSource
	prov   provider.InstanceProvisioner
	store  *store.Store
	met    *metrics.Metrics
	logger *slog.Logger
}

func New(cfg *config.Config, reg *registry.Registry, groups *registry.GroupCache, source JobSource, prov provider.InstanceProvisioner, st *store.Store, met *metrics.Metrics, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		reg:    reg,
		groups: groups,
		source: source,
		prov:   prov,
		store:  st,
		met:    met,
		logger: logger.With("component", "lifecycle"),
	}
}

// HandleQueued provisions a runner for a queued job unless one is already
// tracked or in flight for it. A repeated delivery of the same job is not
// an error.
func (m *Manager) HandleQueued(ctx context.Context, scope models.Scope, spec labels.LaunchSpec) error {
	if !spec.Eligible() {
		return nil
	}

	switch m.reg.TryReserveCapped(spec.JobID, m.cfg.Runner.MaxRunners) {
	case registry.AlreadyTracked:
		m.logger.Debug("job already has a runner", "job_id", spec.JobID)
		return nil
	case registry.CapReached:
		m.logger.Warn("runner cap reached, job deferred",
			"job_id", spec.JobID,
			"max_runners", m.cfg.Runner.MaxRunners,
		)
		m.met.ProvisionAttempts.WithLabelValues("capped").Inc()
		return nil
	}

	return m.provision(ctx, scope, spec)
}

func (m *Manager) provision(ctx context.Context, scope models.Scope, spec labels.LaunchSpec) error {
	start := time.Now()

	groupID, groupName, groupCreated, err := m.resolveGroup(ctx, scope)
	if err != nil {
		// Registration still works against the default group.
		m.logger.Warn("runner group resolution failed", "scope", scope.String(), "error", err)
		groupID, groupName = "", ""
	}

	fail := func(stage string, err error) error {
		m.reg.Abort(spec.JobID)
		m.rollbackGroup(ctx, scope, groupID, groupName, groupCreated)
		m.met.ProvisionAttempts.WithLabelValues("failure").Inc()
		return fmt.Errorf("%s for job %s: %w", stage, spec.JobID, err)
	}

	token, err := m.source.RegistrationToken(ctx, scope)
	if err != nil {
		return fail("registration token", err)
	}

	name := fmt.Sprintf("runner-%s-%s", spec.JobID, uuid.New().String()[:8])

	var jitConfig string
	if groupID != "" {
		jitConfig, err = m.source.GenerateJITConfig(ctx, scope.Entity(), groupID, name, spec.WorkFolder)
		if err != nil {
			m.logger.Debug("JIT config unavailable, falling back to registration token",
				"runner", name, "error", err)
			jitConfig = ""
		}
	}

	m.logger.Info("provisioning runner",
		"runner", name,
		"job_id", spec.JobID,
		"instance_type", spec.InstanceClass,
		"scope", scope.String(),
	)

	instanceID, err := m.prov.CreateInstance(ctx, &provider.CreateInstanceRequest{
		Name:            name,
		InstanceClass:   spec.InstanceClass,
		ImageID:         spec.ImageID,
		MaxPrice:        spec.MaxPrice,
		RunnerLabels:    spec.Labels,
		RunnerGroup:     groupName,
		RegistrationURL: m.registrationURL(scope),
		Token:           token,
		JITConfig:       jitConfig,
		WorkFolder:      spec.WorkFolder,
	})
	if err != nil {
		return fail("instance creation", err)
	}

	if err := m.prov.TagInstance(ctx, instanceID, name); err != nil {
		m.logger.Warn("instance tagging failed", "instance_id", instanceID, "error", err)
	}

	rec := registry.Record{
		Name:       name,
		JobID:      spec.JobID,
		InstanceID: instanceID,
		GroupID:    groupID,
		GroupName:  groupName,
		Scope:      scope,
		CreatedAt:  time.Now(),
		Status:     registry.StatusActive,
		Spec:       spec,
	}
	if err := m.reg.Insert(rec); err != nil {
		// The reservation was lost or reused. Do not leak the instance.
		if terr := m.prov.TerminateInstance(ctx, instanceID); terr != nil {
			m.logger.Error("failed to terminate unregistered instance",
				"instance_id", instanceID, "error", terr)
		}
		return fail("registry insert", err)
	}

	m.met.ProvisionAttempts.WithLabelValues("success").Inc()
	m.met.ProvisionDuration.Observe(time.Since(start).Seconds())
	m.met.RunnersActive.Set(float64(len(m.reg.ListActive())))
	m.met.GroupCacheSize.Set(float64(m.groups.Len()))

	if err := m.store.Record(store.Event{
		Timestamp:  time.Now(),
		Action:     "provision",
		Runner:     name,
		JobID:      spec.JobID,
		InstanceID: instanceID,
	}); err != nil {
		m.logger.Warn("failed to journal provision event", "error", err)
	}

	m.logger.Info("runner provisioned",
		"runner", name,
		"job_id", spec.JobID,
		"instance_id", instanceID,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// Cleanup tears down one runner. The terminating claim makes concurrent
// calls for the same record a no-op, so a completion event racing an age
// sweep terminates the instance exactly once. Deregistration and group
// deletion failures are logged but never block instance termination.
func (m *Manager) Cleanup(ctx context.Context, rec registry.Record, reason string) {
	if !m.reg.MarkTerminating(rec.Name) {
		return
	}

	m.logger.Info("cleaning up runner",
		"runner", rec.Name,
		"job_id", rec.JobID,
		"instance_id", rec.InstanceID,
		"reason", reason,
	)

	m.deregisterAgent(ctx, rec)

	if rec.InstanceID != "" {
		if err := m.prov.TerminateInstance(ctx, rec.InstanceID); err != nil {
			m.logger.Warn("instance termination failed, orphan sweep will retry",
				"instance_id", rec.InstanceID, "error", err)
		}
	}

	if rec.GroupID != "" && m.reg.ActiveInGroup(rec.GroupID) == 0 {
		if err := m.source.DeleteGroup(ctx, rec.Scope.Entity(), rec.GroupID); err != nil {
			m.logger.Warn("runner group deletion failed",
				"group", rec.GroupName, "error", err)
		}
		m.groups.Forget(rec.GroupName)
	}

	m.reg.Remove(rec.Name)

	m.met.CleanupsTotal.WithLabelValues(reason).Inc()
	m.met.RunnersActive.Set(float64(len(m.reg.ListActive())))
	m.met.GroupCacheSize.Set(float64(m.groups.Len()))

	if err := m.store.Record(store.Event{
		Timestamp:  time.Now(),
		Action:     "cleanup",
		Runner:     rec.Name,
		JobID:      rec.JobID,
		InstanceID: rec.InstanceID,
		Reason:     reason,
	}); err != nil {
		m.logger.Warn("failed to journal cleanup event", "error", err)
	}
}

// CleanupByJobID tears down the runner tracking jobID, if any. A missing
// record is normal: the job may have run on foreign infrastructure or the
// runner may already be gone.
func (m *Manager) CleanupByJobID(ctx context.Context, jobID, reason string) bool {
	rec, ok := m.reg.FindByJobID(jobID)
	if !ok {
		return false
	}
	m.Cleanup(ctx, rec, reason)
	return true
}

func (m *Manager) deregisterAgent(ctx context.Context, rec registry.Record) {
	// Invalidate the scope's registration credential first so a half
	// bootstrapped instance cannot re-register while we tear down.
	if _, err := m.source.RemoveToken(ctx, rec.Scope); err != nil {
		m.logger.Warn("remove token unavailable", "runner", rec.Name, "error", err)
	}

	agents, err := m.source.ListRunners(ctx, rec.Scope)
	if err != nil {
		m.logger.Warn("listing registered agents failed", "runner", rec.Name, "error", err)
		return
	}
	for _, agent := range agents {
		if agent.Name != rec.Name {
			continue
		}
		if err := m.source.DeleteRunner(ctx, rec.Scope, agent.ID); err != nil {
			m.logger.Warn("agent deregistration failed",
				"runner", rec.Name, "agent_id", agent.ID, "error", err)
		}
		return
	}
}

// resolveGroup returns the id and name of the runner group for scope,
// creating it when GitHub does not have it yet. The name is stable per
// scope so repeated provisions share one group.
func (m *Manager) resolveGroup(ctx context.Context, scope models.Scope) (id, name string, created bool, err error) {
	name = m.cfg.Runner.GroupPrefix + "-" + strings.ReplaceAll(scope.Entity(), "/", "-")

	if id, ok := m.groups.Get(name); ok {
		return id, name, false, nil
	}

	existing, err := m.source.ListGroups(ctx, scope.Entity())
	if err != nil {
		return "", "", false, err
	}
	for _, g := range existing {
		if g.Name == name {
			m.groups.Put(name, g.ID)
			return g.ID, name, false, nil
		}
	}

	id, err = m.source.CreateGroup(ctx, scope.Entity(), name)
	if err != nil {
		return "", "", false, err
	}
	m.groups.Put(name, id)
	m.logger.Info("runner group created", "group", name, "group_id", id)
	return id, name, true, nil
}

// rollbackGroup deletes a group this provision attempt created, and only
// if no other runner moved into it meanwhile. Pre-existing groups are
// never touched on failure.
func (m *Manager) rollbackGroup(ctx context.Context, scope models.Scope, groupID, groupName string, created bool) {
	if !created || groupID == "" {
		return
	}
	if m.reg.ActiveInGroup(groupID) > 0 {
		return
	}
	if err := m.source.DeleteGroup(ctx, scope.Entity(), groupID); err != nil {
		m.logger.Warn("group rollback failed", "group", groupName, "error", err)
	}
	m.groups.Forget(groupName)
}

func (m *Manager) registrationURL(scope models.Scope) string {
	return m.cfg.GitHub.BaseURL + "/" + scope.Entity()
}
