package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"Forge/internal/config"
	"Forge/internal/provider"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

const (
	runnerLabelPrefix = "forge.runner"
	labelRunnerName   = runnerLabelPrefix + ".name"
	labelManagedBy    = runnerLabelPrefix + ".managed-by"
)

// DockerProvisioner runs ephemeral runners as local containers. It is
// intended for development and test rather than production fleets.
type DockerProvisioner struct {
	client *client.Client
	config config.DockerConfig
	logger *slog.Logger
}

// New creates a new Docker provisioner
func New(cfg config.DockerConfig, logger *slog.Logger) (*DockerProvisioner, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(cfg.Host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerProvisioner{
		client: cli,
		config: cfg,
		logger: logger.With("provider", "docker"),
	}, nil
}

func (p *DockerProvisioner) Name() string {
	return "docker"
}

func (p *DockerProvisioner) CreateInstance(ctx context.Context, req *provider.CreateInstanceRequest) (string, error) {
	p.logger.Info("creating runner container", "name", req.Name, "image", p.config.Image)

	if p.config.PullPolicy == "always" || p.config.PullPolicy == "if-not-present" {
		if err := p.pullImage(ctx); err != nil {
			return "", fmt.Errorf("failed to pull image: %w", err)
		}
	}

	containerConfig := &container.Config{
		Image:  p.config.Image,
		Env:    p.buildEnv(req),
		Labels: p.buildLabels(req),
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(p.config.Network),
		Resources: container.Resources{
			NanoCPUs: int64(p.config.CPULimit * 1e9),
			Memory:   p.config.MemoryLimit,
		},
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, req.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Clean up container on start failure
		_ = p.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	p.logger.Info("runner container started", "name", req.Name, "container_id", resp.ID)
	return resp.ID, nil
}

// TagInstance is a no-op: container labels are immutable after create
// and are already set by CreateInstance.
func (p *DockerProvisioner) TagInstance(ctx context.Context, instanceID, runnerName string) error {
	return nil
}

func (p *DockerProvisioner) TerminateInstance(ctx context.Context, instanceID string) error {
	p.logger.Info("removing runner container", "container_id", instanceID)

	timeout := 10
	if err := p.client.ContainerStop(ctx, instanceID, container.StopOptions{
		Timeout: &timeout,
	}); err != nil {
		p.logger.Warn("graceful stop failed, forcing removal", "error", err)
	}

	if err := p.client.ContainerRemove(ctx, instanceID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", instanceID, err)
	}
	return nil
}

func (p *DockerProvisioner) ListInstances(ctx context.Context) ([]*provider.Instance, error) {
	containers, err := p.client.ContainerList(ctx, container.ListOptions{
		All: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var instances []*provider.Instance
	for _, c := range containers {
		if c.Labels[labelManagedBy] != "forge" {
			continue
		}
		instances = append(instances, &provider.Instance{
			ID:           c.ID,
			Name:         c.Labels[labelRunnerName],
			State:        c.State,
			InstanceType: c.Image,
			LaunchTime:   time.Unix(c.Created, 0),
		})
	}

	return instances, nil
}

func (p *DockerProvisioner) HealthCheck(ctx context.Context) error {
	_, err := p.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker health check failed: %w", err)
	}
	return nil
}

func (p *DockerProvisioner) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

func (p *DockerProvisioner) pullImage(ctx context.Context) error {
	p.logger.Info("pulling image", "image", p.config.Image)

	reader, err := p.client.ImagePull(ctx, p.config.Image, types.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	// Consume the output to ensure pull completes
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *DockerProvisioner) buildEnv(req *provider.CreateInstanceRequest) []string {
	env := []string{
		fmt.Sprintf("RUNNER_NAME=%s", req.Name),
		fmt.Sprintf("RUNNER_WORKDIR=%s", req.WorkFolder),
		fmt.Sprintf("EPHEMERAL=1"),
	}

	if req.JITConfig != "" {
		env = append(env, fmt.Sprintf("JIT_CONFIG=%s", req.JITConfig))
		return env
	}

	env = append(env, fmt.Sprintf("REPO_URL=%s", req.RegistrationURL))
	env = append(env, fmt.Sprintf("RUNNER_TOKEN=%s", req.Token))
	if req.RunnerGroup != "" {
		env = append(env, fmt.Sprintf("RUNNER_GROUP=%s", req.RunnerGroup))
	}
	if len(req.RunnerLabels) > 0 {
		env = append(env, fmt.Sprintf("LABELS=%s", strings.Join(req.RunnerLabels, ",")))
	}

	return env
}

func (p *DockerProvisioner) buildLabels(req *provider.CreateInstanceRequest) map[string]string {
	labels := map[string]string{
		labelRunnerName: req.Name,
		labelManagedBy:  "forge",
	}

	// Merge custom labels from config
	for k, v := range p.config.Labels {
		labels[k] = v
	}

	return labels
}
