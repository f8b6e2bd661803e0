package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"Forge/internal/config"
	"Forge/internal/provider"
	"Forge/internal/registry"
	"Forge/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CleanupForcer forces an immediate eviction pass. It is satisfied by
// sweeper.Sweeper.
type CleanupForcer interface {
	AgeSweep(ctx context.Context, maxAge time.Duration) int
}

type Server struct {
	config     *config.Config
	registry   *registry.Registry
	groups     *registry.GroupCache
	provider   provider.InstanceProvisioner
	store      *store.Store
	sweeper    CleanupForcer
	webhook    http.Handler
	promReg    *prometheus.Registry
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates a new API server
func New(
	cfg *config.Config,
	reg *registry.Registry,
	groups *registry.GroupCache,
	prov provider.InstanceProvisioner,
	st *store.Store,
	sw CleanupForcer,
	webhook http.Handler,
	promReg *prometheus.Registry,
	logger *slog.Logger,
) *Server {
	return &Server{
		config:   cfg,
		registry: reg,
		groups:   groups,
		provider: prov,
		store:    st,
		sweeper:  sw,
		webhook:  webhook,
		promReg:  promReg,
		logger:   logger.With("component", "api-server"),
	}
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.Handle("/webhook", s.webhook)
	mux.HandleFunc(s.config.Observability.HealthCheckPath, s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/cleanup", s.handleCleanup)
	mux.HandleFunc("/events", s.handleEvents)

	if s.config.Observability.EnableMetrics {
		mux.Handle(s.config.Observability.MetricsPath, promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	}

	addr := fmt.Sprintf("%s:%d", s.config.Server.Address, s.config.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	s.logger.Info("starting API server", "address", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server shutdown error", "error", err)
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.provider.HealthCheck(ctx); err != nil {
		s.logger.Error("health check failed", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	records := s.registry.ListActive()

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp":     time.Now().Format(time.RFC3339),
		"runner_count":  len(records),
		"occupancy":     s.registry.Count(),
		"max_runners":   s.config.Runner.MaxRunners,
		"provider":      s.provider.Name(),
		"runner_groups": s.groups.Snapshot(),
		"runners":       records,
	})
}

// handleCleanup evicts everything currently tracked, whatever its age.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
		return
	}

	cleaned := s.sweeper.AgeSweep(r.Context(), 0)
	s.logger.Info("forced cleanup complete", "cleaned", cleaned)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"cleaned":   cleaned,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil || !s.config.Store.Enabled {
		s.writeError(w, http.StatusNotFound, "store not enabled", nil)
		return
	}

	events := s.store.GetRecentEvents(100)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"count":     len(events),
		"events":    events,
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	s.writeJSON(w, statusCode, response)
}
