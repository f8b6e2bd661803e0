package github

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"Forge/internal/config"
	"Forge/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testClient(serverURL string, cfg config.GitHubConfig) *Client {
	cfg.Token = "test-token"
	cfg.APIBaseURL = serverURL
	cfg.BaseURL = "https://github.com"
	cfg.RequestTimeout = 5 * time.Second
	if cfg.RepoPageLimit == 0 {
		cfg.RepoPageLimit = 10
	}
	return NewClient(cfg, testLogger())
}

func TestParseRepositoryURL(t *testing.T) {
	tests := []struct {
		input     string
		wantOwner string
		wantRepo  string
		wantOK    bool
	}{
		{"https://github.com/acme/widgets", "acme", "widgets", true},
		{"acme/widgets", "acme", "widgets", true},
		{"https://github.com/acme/widgets/", "acme", "widgets", true},
		{"https://github.com/acme", "", "", false},
		{"", "", "", false},
	}

	for _, tt := range tests {
		owner, repo, ok := ParseRepositoryURL(tt.input)
		if owner != tt.wantOwner || repo != tt.wantRepo || ok != tt.wantOK {
			t.Errorf("ParseRepositoryURL(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.input, owner, repo, ok, tt.wantOwner, tt.wantRepo, tt.wantOK)
		}
	}
}

func TestRegistrationToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("wrong auth header: %s", r.Header.Get("Authorization"))
		}
		if r.Method != http.MethodPost {
			t.Errorf("wrong method: %s", r.Method)
		}
		if r.URL.Path != "/orgs/acme/actions/runners/registration-token" {
			t.Errorf("wrong path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"token": "REG123"}`))
	}))
	defer server.Close()

	client := testClient(server.URL, config.GitHubConfig{})
	token, err := client.RegistrationToken(context.Background(), models.Scope{Org: "acme"})
	if err != nil {
		t.Fatalf("RegistrationToken: %v", err)
	}
	if token != "REG123" {
		t.Errorf("token = %q, want REG123", token)
	}
}

func TestRegistrationTokenRepoScope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/widgets/actions/runners/registration-token" {
			t.Errorf("wrong path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"token": "REG456"}`))
	}))
	defer server.Close()

	client := testClient(server.URL, config.GitHubConfig{})
	token, err := client.RegistrationToken(context.Background(), models.Scope{Owner: "acme", Repo: "widgets"})
	if err != nil {
		t.Fatalf("RegistrationToken: %v", err)
	}
	if token != "REG456" {
		t.Errorf("token = %q, want REG456", token)
	}
}

func TestRegistrationTokenError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := testClient(server.URL, config.GitHubConfig{})
	if _, err := client.RegistrationToken(context.Background(), models.Scope{Org: "acme"}); err == nil {
		t.Fatal("expected error on 401")
	}
}

func TestQueuedJobsPinnedRepo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/acme/widgets/actions/runs":
			if r.URL.Query().Get("status") != "queued" {
				t.Errorf("missing status filter: %s", r.URL.RawQuery)
			}
			json.NewEncoder(w).Encode(map[string]any{
				"workflow_runs": []map[string]any{{"id": 900}},
			})
		case "/repos/acme/widgets/actions/runs/900/jobs":
			json.NewEncoder(w).Encode(map[string]any{
				"jobs": []map[string]any{
					{"id": 42, "status": "queued", "labels": []string{"runs-on=42", "cpu=4"}},
					{"id": 43, "status": "in_progress", "labels": []string{"runs-on=43"}},
				},
			})
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := testClient(server.URL, config.GitHubConfig{Repository: "acme/widgets"})
	jobs, err := client.QueuedJobs(context.Background())
	if err != nil {
		t.Fatalf("QueuedJobs: %v", err)
	}

	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1 (in_progress filtered out)", len(jobs))
	}
	if jobs[0].ID != 42 || jobs[0].RunID != 900 || jobs[0].Repository != "acme/widgets" {
		t.Errorf("job = %+v", jobs[0])
	}
}

func TestQueuedJobsOrgWalk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/orgs/acme/repos":
			json.NewEncoder(w).Encode([]map[string]any{
				{"full_name": "acme/one"},
				{"full_name": "acme/two"},
			})
		case "/repos/acme/one/actions/runs":
			json.NewEncoder(w).Encode(map[string]any{
				"workflow_runs": []map[string]any{{"id": 1}},
			})
		case "/repos/acme/one/actions/runs/1/jobs":
			json.NewEncoder(w).Encode(map[string]any{
				"jobs": []map[string]any{{"id": 11, "status": "queued"}},
			})
		case "/repos/acme/two/actions/runs":
			// Broken repository must not hide acme/one's jobs.
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := testClient(server.URL, config.GitHubConfig{Organization: "acme"})
	jobs, err := client.QueuedJobs(context.Background())
	if err != nil {
		t.Fatalf("QueuedJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != 11 {
		t.Errorf("jobs = %+v, want one job with id 11", jobs)
	}
}

func TestGroupLifecycle(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/orgs/acme/actions/runners/registration-token":
			w.Write([]byte(`{"token": "REG123"}`))
		case r.URL.Path == "/actions/runner-registration":
			if r.Header.Get("Authorization") != "RemoteAuth REG123" {
				t.Errorf("wrong runner-registration auth: %s", r.Header.Get("Authorization"))
			}
			json.NewEncoder(w).Encode(map[string]string{
				"token": "JWT456",
				"url":   server.URL + "/pipeline",
			})
		case r.URL.Path == "/pipeline/_apis/runtime/runnerscalesets" && r.Method == http.MethodGet:
			if r.Header.Get("Authorization") != "Bearer JWT456" {
				t.Errorf("wrong pipeline auth: %s", r.Header.Get("Authorization"))
			}
			json.NewEncoder(w).Encode(map[string]any{
				"value": []map[string]any{{"id": 7, "name": "existing"}},
			})
		case r.URL.Path == "/pipeline/_apis/runtime/runnerscalesets" && r.Method == http.MethodPost:
			json.NewEncoder(w).Encode(map[string]any{"id": 8})
		case r.URL.Path == "/pipeline/_apis/runtime/runnerscalesets/8" && r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		case r.URL.Path == "/pipeline/_apis/runtime/runnerscalesets/8/generatejitconfig":
			json.NewEncoder(w).Encode(map[string]string{"encodedJITConfig": "JITBLOB"})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := testClient(server.URL, config.GitHubConfig{Organization: "acme"})
	ctx := context.Background()

	groups, err := client.ListGroups(ctx, "acme")
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if len(groups) != 1 || groups[0].ID != "7" || groups[0].Name != "existing" {
		t.Errorf("groups = %+v", groups)
	}

	id, err := client.CreateGroup(ctx, "acme", "forge-acme")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if id != "8" {
		t.Errorf("CreateGroup id = %q, want 8", id)
	}

	jit, err := client.GenerateJITConfig(ctx, "acme", "8", "runner-42-abcd", "/home/runner/_work")
	if err != nil {
		t.Fatalf("GenerateJITConfig: %v", err)
	}
	if jit != "JITBLOB" {
		t.Errorf("jit = %q", jit)
	}

	if err := client.DeleteGroup(ctx, "acme", "8"); err != nil {
		t.Fatalf("DeleteGroup: %v", err)
	}
}

func TestListAndDeleteRunners(t *testing.T) {
	deleted := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/orgs/acme/actions/runners" && r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{
				"runners": []map[string]any{
					{"id": 5, "name": "runner-42-abcd", "status": "online"},
				},
			})
		case r.URL.Path == "/orgs/acme/actions/runners/5" && r.Method == http.MethodDelete:
			deleted = true
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := testClient(server.URL, config.GitHubConfig{Organization: "acme"})
	ctx := context.Background()
	scope := models.Scope{Org: "acme"}

	runners, err := client.ListRunners(ctx, scope)
	if err != nil {
		t.Fatalf("ListRunners: %v", err)
	}
	if len(runners) != 1 || runners[0].Name != "runner-42-abcd" {
		t.Errorf("runners = %+v", runners)
	}

	if err := client.DeleteRunner(ctx, scope, 5); err != nil {
		t.Fatalf("DeleteRunner: %v", err)
	}
	if !deleted {
		t.Error("DELETE was not issued")
	}
}

func TestConcurrentPipelineCallsAcrossRefresh(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/orgs/acme/actions/runners/registration-token":
			w.Write([]byte(`{"token": "REG123"}`))
		case r.URL.Path == "/actions/runner-registration":
			json.NewEncoder(w).Encode(map[string]string{
				"token": "JWT456",
				"url":   server.URL + "/pipeline",
			})
		case r.URL.Path == "/pipeline/_apis/runtime/runnerscalesets":
			if r.Header.Get("Authorization") != "Bearer JWT456" {
				t.Errorf("wrong pipeline auth: %s", r.Header.Get("Authorization"))
			}
			json.NewEncoder(w).Encode(map[string]any{"value": []map[string]any{}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := testClient(server.URL, config.GitHubConfig{Organization: "acme"})

	// Every goroutine invalidates the cached credentials before calling,
	// so refreshes interleave with in-flight pipeline requests. Run under
	// the race detector to verify readers never touch the cache unlocked.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				client.credMu.Lock()
				client.jwtExpires = time.Time{}
				client.credMu.Unlock()
				if _, err := client.ListGroups(context.Background(), "acme"); err != nil {
					t.Errorf("ListGroups: %v", err)
				}
			}
		}()
	}
	wg.Wait()
}
