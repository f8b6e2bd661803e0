package provider

import (
	"context"
	"time"
)

// Instance is a compute instance as reported by a provisioner.
type Instance struct {
	ID           string
	Name         string // runner name carried in provider tags
	State        string
	InstanceType string
	LaunchTime   time.Time
}

// CreateInstanceRequest contains everything a provisioner needs to launch
// one self-registering ephemeral runner.
type CreateInstanceRequest struct {
	Name            string
	InstanceClass   string
	ImageID         string
	MaxPrice        string
	RunnerLabels    []string
	RunnerGroup     string
	RegistrationURL string // github.com URL of the org or repository
	Token           string // registration token for the scope
	JITConfig       string // optional, preferred over Token when set
	WorkFolder      string
}

// InstanceProvisioner is the capability the lifecycle controller needs from
// a compute backend.
type InstanceProvisioner interface {
	// Name returns the provisioner name
	Name() string

	// CreateInstance launches an instance and blocks, honoring ctx, until
	// the provider confirms it is running. It returns the instance id.
	CreateInstance(ctx context.Context, req *CreateInstanceRequest) (string, error)

	// TagInstance attaches identifying metadata after creation. Callers
	// treat failures as non-fatal.
	TagInstance(ctx context.Context, instanceID, runnerName string) error

	// TerminateInstance requests termination. It does not wait for the
	// provider to confirm shutdown.
	TerminateInstance(ctx context.Context, instanceID string) error

	// ListInstances returns every instance carrying this controller's
	// management tag, for the orphan sweep.
	ListInstances(ctx context.Context) ([]*Instance, error)

	// HealthCheck performs a health check on the provider
	HealthCheck(ctx context.Context) error

	// Close releases any resources held by the provisioner
	Close() error
}
