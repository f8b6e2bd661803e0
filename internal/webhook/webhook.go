// Package webhook ingests GitHub workflow_job deliveries. Signature
// verification happens on the raw body before any parsing; an invalid
// signature is the only authentication failure the endpoint reports.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"Forge/internal/config"
	"Forge/internal/github"
	"Forge/internal/labels"
	"Forge/internal/metrics"
	"Forge/internal/models"
)

// Dispatcher is the lifecycle surface the webhook needs. It is satisfied
// by lifecycle.Manager.
type Dispatcher interface {
	HandleQueued(ctx context.Context, scope models.Scope, spec labels.LaunchSpec) error
	CleanupByJobID(ctx context.Context, jobID, reason string) bool
}

const signaturePrefix = "sha256="

// VerifySignature checks a hub signature header against the raw request
// body. Comparison is constant time.
func VerifySignature(secret string, body []byte, header string) bool {
	if secret == "" || header == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := signaturePrefix + hex.EncodeToString(mac.Sum(nil))

	return subtle.ConstantTimeCompare([]byte(expected), []byte(header)) == 1
}

type Handler struct {
	cfg    *config.Config
	mgr    Dispatcher
	met    *metrics.Metrics
	logger *slog.Logger
}

func NewHandler(cfg *config.Config, mgr Dispatcher, met *metrics.Metrics, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:    cfg,
		mgr:    mgr,
		met:    met,
		logger: logger.With("component", "webhook"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !VerifySignature(h.cfg.GitHub.WebhookSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		h.met.SignatureFailures.Inc()
		h.logger.Warn("webhook signature verification failed",
			"delivery", r.Header.Get("X-GitHub-Delivery"))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	if event != "workflow_job" {
		h.met.WebhookEvents.WithLabelValues(event, "ignored").Inc()
		h.writeStatus(w, "ignored")
		return
	}

	var payload models.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if payload.WorkflowJob == nil {
		http.Error(w, "missing workflow_job", http.StatusBadRequest)
		return
	}

	h.met.WebhookEvents.WithLabelValues(event, payload.Action).Inc()

	// Provisioning outcomes are advisory to GitHub; the poll loop retries
	// whatever the webhook path could not satisfy, so the delivery is
	// acknowledged either way.
	switch payload.Action {
	case "queued":
		h.handleQueued(r, payload)
		h.writeStatus(w, "accepted")
	case "completed", "cancelled":
		h.handleFinished(r, payload)
		h.writeStatus(w, "processed")
	default:
		h.writeStatus(w, "ignored")
	}
}

// writeStatus acknowledges a delivery with a small JSON status message.
func (h *Handler) writeStatus(w http.ResponseWriter, status string) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"status": status}); err != nil {
		h.logger.Error("failed to encode webhook response", "error", err)
	}
}

func (h *Handler) handleQueued(r *http.Request, payload models.WebhookPayload) {
	spec := labels.Parse(payload.WorkflowJob.Labels, h.cfg.LaunchDefaults())
	if !spec.Eligible() {
		h.logger.Debug("queued job not addressed to this controller",
			"job", payload.WorkflowJob.ID)
		return
	}

	if err := h.mgr.HandleQueued(r.Context(), h.scopeFor(payload), spec); err != nil {
		h.logger.Error("provisioning from webhook failed",
			"job_id", spec.JobID, "error", err)
	}
}

func (h *Handler) handleFinished(r *http.Request, payload models.WebhookPayload) {
	jobID := h.correlationID(payload.WorkflowJob)
	if jobID == "" {
		return
	}

	if !h.mgr.CleanupByJobID(r.Context(), jobID, payload.Action) {
		h.logger.Debug("finished job has no tracked runner", "job_id", jobID)
	}
}

// correlationID recovers the identifier a queued event provisioned under.
// Jobs addressed to this controller carry it in a runs-on label; anything
// else falls back to the numeric job id, which never matches and makes
// the cleanup a no-op.
func (h *Handler) correlationID(job *models.WebhookJob) string {
	spec := labels.Parse(job.Labels, labels.Defaults{})
	if spec.JobID != "" {
		return spec.JobID
	}
	if job.ID != 0 {
		return strconv.FormatInt(job.ID, 10)
	}
	return ""
}

func (h *Handler) scopeFor(payload models.WebhookPayload) models.Scope {
	if payload.Repository != nil {
		if owner, repo, ok := github.ParseRepositoryURL(payload.Repository.HTMLURL); ok {
			return models.Scope{Owner: owner, Repo: repo}
		}
	}
	return h.cfg.Scope()
}
