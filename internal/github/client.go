// Package github adapts the GitHub REST and runner scale set APIs to the
// controller's job source capability: queued job discovery, runner
// registration credentials, and runner group management.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"Forge/internal/config"
	"Forge/internal/models"
)

type Client struct {
	cfg    config.GitHubConfig
	client *http.Client
	logger *slog.Logger

	// Runner-admin credentials for the scale set pipeline API, cached
	// until they expire. credMu guards the three fields below.
	credMu      sync.Mutex
	jwtToken    string
	pipelineURL string
	jwtExpires  time.Time
}

func NewClient(cfg config.GitHubConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger.With("component", "github"),
	}
}

// ParseRepositoryURL extracts owner and repository from a github.com URL or
// an owner/repo string.
func ParseRepositoryURL(repoURL string) (owner, repo string, ok bool) {
	trimmed := strings.TrimPrefix(repoURL, "https://github.com/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (c *Client) do(ctx context.Context, method, url string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: unexpected status %d", method, url, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// RegistrationToken obtains a registration credential for the scope.
func (c *Client) RegistrationToken(ctx context.Context, scope models.Scope) (string, error) {
	url := fmt.Sprintf("%s/%s/actions/runners/registration-token", c.cfg.APIBaseURL, scope.APIPath())

	var result struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, url, nil, &result); err != nil {
		return "", fmt.Errorf("failed to get registration token: %w", err)
	}
	return result.Token, nil
}

// RemoveToken obtains a removal credential for the scope.
func (c *Client) RemoveToken(ctx context.Context, scope models.Scope) (string, error) {
	url := fmt.Sprintf("%s/%s/actions/runners/remove-token", c.cfg.APIBaseURL, scope.APIPath())

	var result struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, url, nil, &result); err != nil {
		return "", fmt.Errorf("failed to get remove token: %w", err)
	}
	return result.Token, nil
}

// ListRunners lists the self-hosted runners registered under the scope.
func (c *Client) ListRunners(ctx context.Context, scope models.Scope) ([]models.RunnerAgent, error) {
	url := fmt.Sprintf("%s/%s/actions/runners", c.cfg.APIBaseURL, scope.APIPath())

	var result struct {
		Runners []models.RunnerAgent `json:"runners"`
	}
	if err := c.do(ctx, http.MethodGet, url, nil, &result); err != nil {
		return nil, fmt.Errorf("failed to list runners: %w", err)
	}
	return result.Runners, nil
}

// DeleteRunner deregisters a runner by its GitHub-side id.
func (c *Client) DeleteRunner(ctx context.Context, scope models.Scope, runnerID int64) error {
	url := fmt.Sprintf("%s/%s/actions/runners/%d", c.cfg.APIBaseURL, scope.APIPath(), runnerID)
	if err := c.do(ctx, http.MethodDelete, url, nil, nil); err != nil {
		return fmt.Errorf("failed to remove runner %d: %w", runnerID, err)
	}
	return nil
}

// QueuedJobs discovers queued workflow jobs in the configured scope. With a
// pinned repository only that repository is inspected; otherwise the
// organization's repositories are walked up to the configured page limit.
func (c *Client) QueuedJobs(ctx context.Context) ([]models.WorkflowJob, error) {
	var repos []string
	if c.cfg.Repository != "" {
		repos = []string{c.cfg.Repository}
	} else {
		var err error
		repos, err = c.listOrgRepos(ctx)
		if err != nil {
			return nil, err
		}
	}

	var jobs []models.WorkflowJob
	for _, fullName := range repos {
		repoJobs, err := c.queuedJobsForRepo(ctx, fullName)
		if err != nil {
			// One unreadable repository must not hide the others.
			c.logger.Debug("skipping repository", "repo", fullName, "error", err)
			continue
		}
		jobs = append(jobs, repoJobs...)
	}
	return jobs, nil
}

func (c *Client) listOrgRepos(ctx context.Context) ([]string, error) {
	url := fmt.Sprintf("%s/orgs/%s/repos?per_page=%d", c.cfg.APIBaseURL, c.cfg.Organization, c.cfg.RepoPageLimit)

	var result []struct {
		FullName string `json:"full_name"`
	}
	if err := c.do(ctx, http.MethodGet, url, nil, &result); err != nil {
		return nil, fmt.Errorf("failed to list org repositories: %w", err)
	}

	names := make([]string, 0, len(result))
	for _, r := range result {
		names = append(names, r.FullName)
	}
	return names, nil
}

func (c *Client) queuedJobsForRepo(ctx context.Context, fullName string) ([]models.WorkflowJob, error) {
	runsURL := fmt.Sprintf("%s/repos/%s/actions/runs?status=queued&per_page=50", c.cfg.APIBaseURL, fullName)

	var runs struct {
		WorkflowRuns []struct {
			ID int64 `json:"id"`
		} `json:"workflow_runs"`
	}
	if err := c.do(ctx, http.MethodGet, runsURL, nil, &runs); err != nil {
		return nil, err
	}

	var jobs []models.WorkflowJob
	for _, run := range runs.WorkflowRuns {
		jobsURL := fmt.Sprintf("%s/repos/%s/actions/runs/%d/jobs", c.cfg.APIBaseURL, fullName, run.ID)

		var result struct {
			Jobs []models.WorkflowJob `json:"jobs"`
		}
		if err := c.do(ctx, http.MethodGet, jobsURL, nil, &result); err != nil {
			return nil, err
		}

		for _, job := range result.Jobs {
			if job.Status != "queued" {
				continue
			}
			job.RunID = run.ID
			job.Repository = fullName
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// ensureCredentials refreshes the cached runner-admin JWT and pipeline URL
// used by the scale set API when they are missing or expired, and returns a
// snapshot of both taken under credMu. Callers must use the returned values
// rather than re-reading the struct fields. entity is an organization name
// or an owner/repo pair.
func (c *Client) ensureCredentials(ctx context.Context, entity string) (string, string, error) {
	c.credMu.Lock()
	defer c.credMu.Unlock()

	if c.jwtToken != "" && c.pipelineURL != "" && time.Now().Before(c.jwtExpires) {
		return c.jwtToken, c.pipelineURL, nil
	}

	scope := models.Scope{Org: entity}
	if owner, repo, ok := strings.Cut(entity, "/"); ok {
		scope = models.Scope{Owner: owner, Repo: repo}
	}

	regToken, err := c.RegistrationToken(ctx, scope)
	if err != nil {
		return "", "", err
	}

	url := c.cfg.APIBaseURL + "/actions/runner-registration"
	payload := map[string]string{
		"url":         c.cfg.BaseURL + "/" + entity,
		"runnerEvent": "register",
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Authorization", "RemoteAuth "+regToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", "", fmt.Errorf("runner-registration: unexpected status %d", resp.StatusCode)
	}

	var result struct {
		Token string `json:"token"`
		URL   string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", "", err
	}

	c.jwtToken = result.Token
	c.pipelineURL = strings.TrimSuffix(result.URL, "/")
	c.jwtExpires = time.Now().Add(time.Hour)
	return c.jwtToken, c.pipelineURL, nil
}

func (c *Client) pipelineDo(ctx context.Context, method, url, token string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: unexpected status %d", method, url, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ListGroups lists the runner scale sets visible to the organization.
func (c *Client) ListGroups(ctx context.Context, entity string) ([]models.RunnerGroup, error) {
	token, pipelineURL, err := c.ensureCredentials(ctx, entity)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain pipeline credentials: %w", err)
	}

	url := pipelineURL + "/_apis/runtime/runnerscalesets?api-version=6.0-preview"

	var result struct {
		Value []struct {
			ID   json.Number `json:"id"`
			Name string      `json:"name"`
		} `json:"value"`
	}
	if err := c.pipelineDo(ctx, http.MethodGet, url, token, nil, &result); err != nil {
		return nil, fmt.Errorf("failed to list runner groups: %w", err)
	}

	groups := make([]models.RunnerGroup, 0, len(result.Value))
	for _, g := range result.Value {
		groups = append(groups, models.RunnerGroup{ID: g.ID.String(), Name: g.Name})
	}
	return groups, nil
}

// CreateGroup creates a runner scale set and returns its id.
func (c *Client) CreateGroup(ctx context.Context, entity, name string) (string, error) {
	token, pipelineURL, err := c.ensureCredentials(ctx, entity)
	if err != nil {
		return "", fmt.Errorf("failed to obtain pipeline credentials: %w", err)
	}

	url := pipelineURL + "/_apis/runtime/runnerscalesets?api-version=6.0-preview"
	payload := map[string]any{
		"name":          name,
		"runnerGroupId": 1,
	}

	var result struct {
		ID json.Number `json:"id"`
	}
	if err := c.pipelineDo(ctx, http.MethodPost, url, token, payload, &result); err != nil {
		return "", fmt.Errorf("failed to create runner group: %w", err)
	}
	return result.ID.String(), nil
}

// DeleteGroup deletes a runner scale set.
func (c *Client) DeleteGroup(ctx context.Context, entity, groupID string) error {
	token, pipelineURL, err := c.ensureCredentials(ctx, entity)
	if err != nil {
		return fmt.Errorf("failed to obtain pipeline credentials: %w", err)
	}

	url := fmt.Sprintf("%s/_apis/runtime/runnerscalesets/%s?api-version=6.0-preview", pipelineURL, groupID)
	if err := c.pipelineDo(ctx, http.MethodDelete, url, token, nil, nil); err != nil {
		return fmt.Errorf("failed to delete runner group: %w", err)
	}
	return nil
}

// GenerateJITConfig asks the pipeline API for a just-in-time runner
// configuration bound to the group.
func (c *Client) GenerateJITConfig(ctx context.Context, entity, groupID, runnerName, workFolder string) (string, error) {
	token, pipelineURL, err := c.ensureCredentials(ctx, entity)
	if err != nil {
		return "", fmt.Errorf("failed to obtain pipeline credentials: %w", err)
	}

	url := fmt.Sprintf("%s/_apis/runtime/runnerscalesets/%s/generatejitconfig?api-version=6.0-preview", pipelineURL, groupID)
	payload := map[string]string{
		"name":       runnerName,
		"workFolder": workFolder,
	}

	var result struct {
		EncodedJITConfig string `json:"encodedJITConfig"`
	}
	if err := c.pipelineDo(ctx, http.MethodPost, url, token, payload, &result); err != nil {
		return "", fmt.Errorf("failed to generate JIT config: %w", err)
	}
	return result.EncodedJITConfig, nil
}
