package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"Forge/internal/api"
	"Forge/internal/config"
	"Forge/internal/github"
	"Forge/internal/lifecycle"
	"Forge/internal/metrics"
	"Forge/internal/poller"
	"Forge/internal/provider"
	"Forge/internal/provider/docker"
	"Forge/internal/provider/ec2"
	"Forge/internal/registry"
	"Forge/internal/store"
	"Forge/internal/sweeper"
	"Forge/internal/webhook"

	"github.com/prometheus/client_golang/prometheus"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "Path to configuration file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting Forge",
		"version", version,
		"provider", cfg.Provider.Type,
		"scope", cfg.Scope().String(),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	// Initialize metrics
	promReg := prometheus.NewRegistry()
	met := metrics.NewMetrics(promReg)

	// Initialize GitHub client
	ghClient := github.NewClient(cfg.GitHub, logger)

	// Initialize provider
	prov, err := createProvider(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	defer prov.Close()

	// Initialize store
	st, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	// Initialize the lifecycle core
	reg := registry.New()
	groups := registry.NewGroupCache()
	mgr := lifecycle.New(cfg, reg, groups, ghClient, prov, st, met, logger)

	// Start the sweep loop
	sw := sweeper.New(cfg, reg, mgr, prov, met, logger)
	go sw.Run(ctx)

	// Start the job discovery loop
	pl := poller.New(cfg, ghClient, mgr, met, logger)
	if err := pl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start poller: %w", err)
	}
	defer pl.Stop()

	// Start the API server
	wh := webhook.NewHandler(cfg, mgr, met, logger)
	apiServer := api.New(cfg, reg, groups, prov, st, sw, wh, promReg, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start(ctx)
	}()

	// Wait for shutdown signal or server error
	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
		cancel()
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutdown complete")
	return nil
}

func createProvider(cfg *config.Config, logger *slog.Logger) (provider.InstanceProvisioner, error) {
	switch cfg.Provider.Type {
	case "docker":
		return docker.New(cfg.Provider.Docker, logger)
	case "ec2":
		return ec2.New(cfg.Provider.AWS, logger)
	default:
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Provider.Type)
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}
