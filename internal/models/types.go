package models

import "time"

// Scope identifies which GitHub credentials apply to a runner: either a
// whole organization or a single (owner, repository) pair.
type Scope struct {
	Org   string `json:"org,omitempty"`
	Owner string `json:"owner,omitempty"`
	Repo  string `json:"repo,omitempty"`
}

// IsOrg reports whether the scope is organization-wide.
func (s Scope) IsOrg() bool {
	return s.Org != ""
}

// APIPath returns the GitHub REST path segment for the scope, e.g.
// "orgs/acme" or "repos/acme/widgets".
func (s Scope) APIPath() string {
	if s.IsOrg() {
		return "orgs/" + s.Org
	}
	return "repos/" + s.Owner + "/" + s.Repo
}

// Entity returns the scope as it appears in a github.com URL path.
func (s Scope) Entity() string {
	if s.IsOrg() {
		return s.Org
	}
	return s.Owner + "/" + s.Repo
}

func (s Scope) String() string {
	return s.Entity()
}

// WorkflowJob represents a GitHub Actions workflow job as seen by the
// polling path.
type WorkflowJob struct {
	ID         int64     `json:"id"`
	RunID      int64     `json:"run_id"`
	Status     string    `json:"status"` // queued, in_progress, completed
	Name       string    `json:"name"`
	Labels     []string  `json:"labels"`
	Repository string    `json:"repository"` // full name, owner/repo
	CreatedAt  time.Time `json:"created_at"`
}

// WebhookPayload is the subset of a GitHub webhook delivery the controller
// consumes.
type WebhookPayload struct {
	Action      string             `json:"action"`
	WorkflowJob *WebhookJob        `json:"workflow_job"`
	Repository  *WebhookRepository `json:"repository"`
}

// WebhookJob is the job object embedded in a workflow_job delivery.
type WebhookJob struct {
	ID     int64    `json:"id"`
	RunID  int64    `json:"run_id"`
	Name   string   `json:"name"`
	Status string   `json:"status"`
	Labels []string `json:"labels"`
}

// WebhookRepository is the repository reference embedded in a delivery.
type WebhookRepository struct {
	FullName string `json:"full_name"`
	HTMLURL  string `json:"html_url"`
}

// RunnerAgent is a self-hosted runner as reported by the GitHub API.
type RunnerAgent struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"` // online, offline
	Busy   bool   `json:"busy"`
}

// RunnerGroup is a runner scale set as reported by the pipeline API.
type RunnerGroup struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
