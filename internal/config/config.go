package config

import (
	"fmt"
	"strings"
	"time"

	"Forge/internal/labels"
	"Forge/internal/models"

	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	GitHub        GitHubConfig        `mapstructure:"github"`
	Runner        RunnerConfig        `mapstructure:"runner"`
	Provider      ProviderConfig      `mapstructure:"provider"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Store         StoreConfig         `mapstructure:"store"`
	LogLevel      string              `mapstructure:"log_level"`
}

type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type GitHubConfig struct {
	Token          string        `mapstructure:"token"`
	Organization   string        `mapstructure:"organization"`
	Repository     string        `mapstructure:"repository"` // owner/repo
	WebhookSecret  string        `mapstructure:"webhook_secret"`
	APIBaseURL     string        `mapstructure:"api_base_url"`
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RepoPageLimit  int           `mapstructure:"repo_page_limit"`
}

type RunnerConfig struct {
	Labels          []string      `mapstructure:"labels"`
	MaxRunners      int           `mapstructure:"max_runners"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	OrphanThreshold time.Duration `mapstructure:"orphan_threshold"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	StopTimeout     time.Duration `mapstructure:"stop_timeout"`
	WorkFolder      string        `mapstructure:"work_folder"`
	GroupPrefix     string        `mapstructure:"group_prefix"`
}

type ProviderConfig struct {
	Type   string       `mapstructure:"type"`
	Docker DockerConfig `mapstructure:"docker"`
	AWS    AWSConfig    `mapstructure:"aws"`
}

type DockerConfig struct {
	Host        string            `mapstructure:"host"`
	Image       string            `mapstructure:"image"`
	Network     string            `mapstructure:"network"`
	CPULimit    float64           `mapstructure:"cpu_limit"`
	MemoryLimit int64             `mapstructure:"memory_limit"`
	Labels      map[string]string `mapstructure:"labels"`
	PullPolicy  string            `mapstructure:"pull_policy"`
}

type AWSConfig struct {
	Region                string            `mapstructure:"region"`
	InstanceType          string            `mapstructure:"instance_type"`
	AMI                   string            `mapstructure:"ami"`
	SubnetID              string            `mapstructure:"subnet_id"`
	SecurityGroupIDs      []string          `mapstructure:"security_group_ids"`
	KeyName               string            `mapstructure:"key_name"`
	IAMInstanceProfile    string            `mapstructure:"iam_instance_profile"`
	UseSpot               bool              `mapstructure:"use_spot"`
	SpotMaxPrice          string            `mapstructure:"spot_max_price"`
	Tags                  map[string]string `mapstructure:"tags"`
	UserDataScript        string            `mapstructure:"user_data_script"`
	VolumeSize            int32             `mapstructure:"volume_size"`
	VolumeType            string            `mapstructure:"volume_type"`
	ProvisionTimeout      time.Duration     `mapstructure:"provision_timeout"`
	ProvisionPollInterval time.Duration     `mapstructure:"provision_poll_interval"`
}

type ObservabilityConfig struct {
	EnableMetrics   bool   `mapstructure:"enable_metrics"`
	MetricsPath     string `mapstructure:"metrics_path"`
	HealthCheckPath string `mapstructure:"health_check_path"`
}

type StoreConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	MaxEvents int    `mapstructure:"max_events"`
}

// Load reads configuration from environment variables and optional config file
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("FORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)

	// GitHub defaults
	v.SetDefault("github.api_base_url", "https://api.github.com")
	v.SetDefault("github.base_url", "https://github.com")
	v.SetDefault("github.request_timeout", 30*time.Second)
	v.SetDefault("github.repo_page_limit", 10)

	// Runner defaults
	v.SetDefault("runner.labels", []string{"self-hosted", "linux", "x64"})
	v.SetDefault("runner.max_runners", 10)
	v.SetDefault("runner.idle_timeout", 5*time.Minute)
	v.SetDefault("runner.orphan_threshold", time.Hour)
	v.SetDefault("runner.poll_interval", 30*time.Second)
	v.SetDefault("runner.cleanup_interval", 5*time.Minute)
	v.SetDefault("runner.stop_timeout", 5*time.Second)
	v.SetDefault("runner.work_folder", "/home/runner/_work")
	v.SetDefault("runner.group_prefix", "forge")

	// Provider defaults
	v.SetDefault("provider.type", "ec2")
	v.SetDefault("provider.docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("provider.docker.image", "myoung34/github-runner:latest")
	v.SetDefault("provider.docker.network", "bridge")
	v.SetDefault("provider.docker.cpu_limit", 1.0)
	v.SetDefault("provider.docker.memory_limit", 2147483648) // 2GB
	v.SetDefault("provider.docker.pull_policy", "always")
	v.SetDefault("provider.aws.region", "us-east-1")
	v.SetDefault("provider.aws.instance_type", "t3.medium")
	v.SetDefault("provider.aws.ami", "ami-0c02fb55956c7d316")
	v.SetDefault("provider.aws.use_spot", true)
	v.SetDefault("provider.aws.spot_max_price", labels.DefaultMaxPrice)
	v.SetDefault("provider.aws.volume_size", 30)
	v.SetDefault("provider.aws.volume_type", "gp3")
	v.SetDefault("provider.aws.provision_timeout", 5*time.Minute)
	v.SetDefault("provider.aws.provision_poll_interval", 10*time.Second)

	// Observability defaults
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.metrics_path", "/metrics")
	v.SetDefault("observability.health_check_path", "/health")

	// Store defaults
	v.SetDefault("store.enabled", false)
	v.SetDefault("store.path", "/tmp/forge-events.json")
	v.SetDefault("store.max_events", 1000)

	// General defaults
	v.SetDefault("log_level", "info")
}

func (c *Config) Validate() error {
	// GitHub validation
	if c.GitHub.Token == "" {
		return fmt.Errorf("github.token is required")
	}
	if c.GitHub.Organization == "" && c.GitHub.Repository == "" {
		return fmt.Errorf("either github.organization or github.repository must be set")
	}
	if c.GitHub.Repository != "" && !strings.Contains(c.GitHub.Repository, "/") {
		return fmt.Errorf("github.repository must be in owner/repo form")
	}

	// Runner validation
	if c.Runner.MaxRunners < 0 {
		return fmt.Errorf("runner.max_runners must be >= 0")
	}
	if c.Runner.IdleTimeout <= 0 {
		return fmt.Errorf("runner.idle_timeout must be > 0")
	}
	if c.Runner.OrphanThreshold < c.Runner.IdleTimeout {
		return fmt.Errorf("runner.orphan_threshold must be >= runner.idle_timeout")
	}
	if c.Runner.PollInterval <= 0 {
		return fmt.Errorf("runner.poll_interval must be > 0")
	}
	if c.Runner.CleanupInterval <= 0 {
		return fmt.Errorf("runner.cleanup_interval must be > 0")
	}

	// Provider validation
	if c.Provider.Type != "docker" && c.Provider.Type != "ec2" {
		return fmt.Errorf("provider.type must be either 'docker' or 'ec2'")
	}

	if c.Provider.Type == "docker" {
		if c.Provider.Docker.Image == "" {
			return fmt.Errorf("provider.docker.image is required when using docker provider")
		}
	}

	if c.Provider.Type == "ec2" {
		if c.Provider.AWS.Region == "" {
			return fmt.Errorf("provider.aws.region is required when using ec2 provider")
		}
		if c.Provider.AWS.AMI == "" {
			return fmt.Errorf("provider.aws.ami is required when using ec2 provider")
		}
		if len(c.Provider.AWS.SecurityGroupIDs) == 0 {
			return fmt.Errorf("provider.aws.security_group_ids is required when using ec2 provider")
		}
		if c.Provider.AWS.ProvisionTimeout <= 0 {
			return fmt.Errorf("provider.aws.provision_timeout must be > 0")
		}
		if c.Provider.AWS.ProvisionPollInterval <= 0 {
			return fmt.Errorf("provider.aws.provision_poll_interval must be > 0")
		}
	}

	// Server validation
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	return nil
}

// Scope returns the configured target as a credential scope. The
// organization wins when both are set.
func (c *Config) Scope() models.Scope {
	if c.GitHub.Organization != "" {
		return models.Scope{Org: c.GitHub.Organization}
	}
	owner, repo, _ := strings.Cut(c.GitHub.Repository, "/")
	return models.Scope{Owner: owner, Repo: repo}
}

// LaunchDefaults returns the process-wide defaults the label parser falls
// back on.
func (c *Config) LaunchDefaults() labels.Defaults {
	return labels.Defaults{
		InstanceClass: c.Provider.AWS.InstanceType,
		ImageID:       c.Provider.AWS.AMI,
		Labels:        c.Runner.Labels,
		MaxPrice:      c.Provider.AWS.SpotMaxPrice,
		WorkFolder:    c.Runner.WorkFolder,
	}
}
