package poller

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"Forge/internal/config"
	"Forge/internal/labels"
	"Forge/internal/metrics"
	"Forge/internal/models"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeLister struct {
	mu    sync.Mutex
	jobs  []models.WorkflowJob
	err   error
	calls int
}

func (f *fakeLister) QueuedJobs(ctx context.Context) ([]models.WorkflowJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]models.WorkflowJob(nil), f.jobs...), nil
}

func (f *fakeLister) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDispatcher struct {
	mu     sync.Mutex
	specs  []labels.LaunchSpec
	scopes []models.Scope
	err    error
}

func (f *fakeDispatcher) HandleQueued(ctx context.Context, scope models.Scope, spec labels.LaunchSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.specs = append(f.specs, spec)
	f.scopes = append(f.scopes, scope)
	return nil
}

func (f *fakeDispatcher) handled() []labels.LaunchSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]labels.LaunchSpec(nil), f.specs...)
}

func testConfig() *config.Config {
	return &config.Config{
		GitHub: config.GitHubConfig{Organization: "acme"},
		Runner: config.RunnerConfig{
			PollInterval: 10 * time.Millisecond,
			StopTimeout:  time.Second,
			Labels:       []string{"self-hosted"},
			WorkFolder:   "_work",
		},
		Provider: config.ProviderConfig{
			Type: "ec2",
			AWS:  config.AWSConfig{InstanceType: "t3.medium", AMI: "ami-123"},
		},
	}
}

func testPoller(cfg *config.Config, jobs JobLister, mgr JobDispatcher) *Poller {
	met := metrics.NewMetrics(prometheus.NewRegistry())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(cfg, jobs, mgr, met, logger)
}

func TestCycleDispatchesEligibleJobs(t *testing.T) {
	lister := &fakeLister{jobs: []models.WorkflowJob{
		{ID: 1, Status: "queued", Labels: []string{"runs-on=42", "cpu=4"}, Repository: "acme/widgets"},
		{ID: 2, Status: "queued", Labels: []string{"ubuntu-latest"}},
		{ID: 3, Status: "queued", Labels: []string{"runs-on=43"}},
	}}
	mgr := &fakeDispatcher{}
	p := testPoller(testConfig(), lister, mgr)

	p.cycle(context.Background())

	specs := mgr.handled()
	if len(specs) != 2 {
		t.Fatalf("dispatched %d jobs, want 2", len(specs))
	}
	if specs[0].JobID != "42" || specs[0].InstanceClass != "t3.xlarge" {
		t.Errorf("first spec = %+v", specs[0])
	}
	if specs[1].JobID != "43" {
		t.Errorf("second spec job id = %q", specs[1].JobID)
	}
	if mgr.scopes[0] != (models.Scope{Owner: "acme", Repo: "widgets"}) {
		t.Errorf("scope = %+v, want repo scope from job", mgr.scopes[0])
	}
	if mgr.scopes[1] != (models.Scope{Org: "acme"}) {
		t.Errorf("scope without repository = %+v, want config scope", mgr.scopes[1])
	}
}

func TestCycleContinuesPastDispatchErrors(t *testing.T) {
	lister := &fakeLister{jobs: []models.WorkflowJob{
		{ID: 1, Status: "queued", Labels: []string{"runs-on=1"}},
		{ID: 2, Status: "queued", Labels: []string{"runs-on=2"}},
	}}
	mgr := &fakeDispatcher{err: context.DeadlineExceeded}
	p := testPoller(testConfig(), lister, mgr)

	// Must not panic or abort the cycle.
	p.cycle(context.Background())

	if len(mgr.handled()) != 0 {
		t.Errorf("dispatched %d jobs despite errors", len(mgr.handled()))
	}
}

func TestStartRunsImmediatelyAndStops(t *testing.T) {
	lister := &fakeLister{}
	mgr := &fakeDispatcher{}
	p := testPoller(testConfig(), lister, mgr)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(context.Background()); err == nil {
		t.Error("second Start did not fail")
	}

	deadline := time.Now().Add(time.Second)
	for lister.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if lister.callCount() == 0 {
		t.Fatal("no poll cycle ran after Start")
	}

	p.Stop()
	calls := lister.callCount()
	time.Sleep(30 * time.Millisecond)
	if lister.callCount() != calls {
		t.Error("poll cycles continued after Stop")
	}
}
