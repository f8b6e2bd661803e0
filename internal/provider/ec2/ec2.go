package ec2

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"Forge/internal/config"
	"Forge/internal/provider"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

const (
	tagManagedBy  = "forge:managed-by"
	tagRunnerName = "forge:runner-name"
	tagCreatedAt  = "forge:created-at"
)

type EC2Provisioner struct {
	client *ec2.Client
	config config.AWSConfig
	logger *slog.Logger
}

// New creates a new EC2 provisioner
func New(cfg config.AWSConfig, logger *slog.Logger) (*EC2Provisioner, error) {
	ctx := context.Background()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &EC2Provisioner{
		client: ec2.NewFromConfig(awsCfg),
		config: cfg,
		logger: logger.With("provider", "ec2"),
	}, nil
}

func (p *EC2Provisioner) Name() string {
	return "ec2"
}

func (p *EC2Provisioner) CreateInstance(ctx context.Context, req *provider.CreateInstanceRequest) (string, error) {
	p.logger.Info("creating EC2 instance",
		"name", req.Name,
		"instance_type", req.InstanceClass,
		"image", req.ImageID,
		"use_spot", p.config.UseSpot,
	)

	userData := base64.StdEncoding.EncodeToString([]byte(p.buildUserData(req)))

	ctx, cancel := context.WithTimeout(ctx, p.config.ProvisionTimeout)
	defer cancel()

	var instanceID string
	var err error
	if p.config.UseSpot {
		instanceID, err = p.createSpotInstance(ctx, req, userData)
	} else {
		instanceID, err = p.createOnDemandInstance(ctx, req, userData)
	}
	if err != nil {
		return "", err
	}

	if err := p.waitForRunning(ctx, instanceID); err != nil {
		// The instance exists but never became usable. Reclaim it now
		// instead of leaving it for the orphan sweep; the provision
		// deadline may already have fired, so terminate on a fresh one.
		cleanupCtx, cleanupCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cleanupCancel()
		if terr := p.TerminateInstance(cleanupCtx, instanceID); terr != nil {
			p.logger.Warn("failed to terminate unusable instance",
				"instance_id", instanceID, "error", terr)
		}
		return "", err
	}

	p.logger.Info("EC2 instance running", "name", req.Name, "instance_id", instanceID)
	return instanceID, nil
}

func (p *EC2Provisioner) createOnDemandInstance(ctx context.Context, req *provider.CreateInstanceRequest, userData string) (string, error) {
	input := &ec2.RunInstancesInput{
		ImageId:          aws.String(req.ImageID),
		InstanceType:     types.InstanceType(req.InstanceClass),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		UserData:         aws.String(userData),
		SecurityGroupIds: p.config.SecurityGroupIDs,
		BlockDeviceMappings: []types.BlockDeviceMapping{
			{
				DeviceName: aws.String("/dev/sda1"),
				Ebs: &types.EbsBlockDevice{
					VolumeSize:          aws.Int32(p.config.VolumeSize),
					VolumeType:          types.VolumeType(p.config.VolumeType),
					DeleteOnTermination: aws.Bool(true),
				},
			},
		},
		// Tagged at launch so the orphan sweep can see the instance even
		// when provisioning dies before the lifecycle tagging step runs.
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags:         p.managementTags(req.Name),
			},
		},
	}

	if p.config.SubnetID != "" {
		input.SubnetId = aws.String(p.config.SubnetID)
	}
	if p.config.KeyName != "" {
		input.KeyName = aws.String(p.config.KeyName)
	}
	if p.config.IAMInstanceProfile != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{
			Name: aws.String(p.config.IAMInstanceProfile),
		}
	}

	result, err := p.client.RunInstances(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to run on-demand instance: %w", err)
	}
	if len(result.Instances) == 0 {
		return "", fmt.Errorf("no instances created")
	}

	return *result.Instances[0].InstanceId, nil
}

func (p *EC2Provisioner) createSpotInstance(ctx context.Context, req *provider.CreateInstanceRequest, userData string) (string, error) {
	launchSpec := &types.RequestSpotLaunchSpecification{
		ImageId:          aws.String(req.ImageID),
		InstanceType:     types.InstanceType(req.InstanceClass),
		UserData:         aws.String(userData),
		SecurityGroupIds: p.config.SecurityGroupIDs,
	}

	if p.config.SubnetID != "" {
		launchSpec.SubnetId = aws.String(p.config.SubnetID)
	}
	if p.config.KeyName != "" {
		launchSpec.KeyName = aws.String(p.config.KeyName)
	}
	if p.config.IAMInstanceProfile != "" {
		launchSpec.IamInstanceProfile = &types.IamInstanceProfileSpecification{
			Name: aws.String(p.config.IAMInstanceProfile),
		}
	}

	input := &ec2.RequestSpotInstancesInput{
		SpotPrice:           aws.String(req.MaxPrice),
		InstanceCount:       aws.Int32(1),
		Type:                types.SpotInstanceTypeOneTime,
		LaunchSpecification: launchSpec,
	}

	result, err := p.client.RequestSpotInstances(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to request spot instance: %w", err)
	}
	if len(result.SpotInstanceRequests) == 0 {
		return "", fmt.Errorf("no spot requests created")
	}

	requestID := *result.SpotInstanceRequests[0].SpotInstanceRequestId
	p.logger.Info("spot instance requested", "request_id", requestID, "max_price", req.MaxPrice)

	instanceID, err := p.waitForSpotFulfillment(ctx, requestID)
	if err != nil {
		return "", err
	}

	// Spot launch specifications cannot carry tag specifications, so tag
	// the instance the moment the request is fulfilled. An untagged
	// instance is invisible to the orphan sweep.
	if _, err := p.client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{instanceID},
		Tags:      p.managementTags(req.Name),
	}); err != nil {
		p.logger.Warn("failed to tag spot instance", "instance_id", instanceID, "error", err)
	}

	return instanceID, nil
}

// waitForSpotFulfillment polls the spot request until it carries an
// instance id. Explicit cancelled/failed/closed states abort immediately;
// the deadline on ctx bounds the whole wait.
func (p *EC2Provisioner) waitForSpotFulfillment(ctx context.Context, requestID string) (string, error) {
	ticker := time.NewTicker(p.config.ProvisionPollInterval)
	defer ticker.Stop()

	for {
		result, err := p.client.DescribeSpotInstanceRequests(ctx, &ec2.DescribeSpotInstanceRequestsInput{
			SpotInstanceRequestIds: []string{requestID},
		})
		if err != nil {
			return "", fmt.Errorf("failed to describe spot request %s: %w", requestID, err)
		}
		if len(result.SpotInstanceRequests) == 0 {
			return "", fmt.Errorf("spot request %s disappeared", requestID)
		}

		request := result.SpotInstanceRequests[0]
		switch request.State {
		case types.SpotInstanceStateActive:
			if request.InstanceId != nil {
				return *request.InstanceId, nil
			}
		case types.SpotInstanceStateCancelled, types.SpotInstanceStateFailed, types.SpotInstanceStateClosed:
			return "", fmt.Errorf("spot request %s ended in state %s", requestID, request.State)
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("spot request %s not fulfilled: %w", requestID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// waitForRunning polls the instance until the provider reports it running.
func (p *EC2Provisioner) waitForRunning(ctx context.Context, instanceID string) error {
	ticker := time.NewTicker(p.config.ProvisionPollInterval)
	defer ticker.Stop()

	for {
		result, err := p.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{instanceID},
		})
		if err != nil {
			return fmt.Errorf("failed to describe instance %s: %w", instanceID, err)
		}

		if len(result.Reservations) > 0 && len(result.Reservations[0].Instances) > 0 {
			state := result.Reservations[0].Instances[0].State.Name
			switch state {
			case types.InstanceStateNameRunning:
				return nil
			case types.InstanceStateNameShuttingDown, types.InstanceStateNameTerminated, types.InstanceStateNameStopped:
				return fmt.Errorf("instance %s reached state %s before running", instanceID, state)
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("instance %s not running: %w", instanceID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// managementTags is the full tag set every managed instance carries. The
// managed-by tag is the ListInstances filter key.
func (p *EC2Provisioner) managementTags(runnerName string) []types.Tag {
	tags := []types.Tag{
		{Key: aws.String(tagManagedBy), Value: aws.String("forge")},
		{Key: aws.String(tagRunnerName), Value: aws.String(runnerName)},
		{Key: aws.String(tagCreatedAt), Value: aws.String(time.Now().Format(time.RFC3339))},
		{Key: aws.String("Name"), Value: aws.String("github-runner-" + runnerName)},
	}
	for k, v := range p.config.Tags {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return tags
}

func (p *EC2Provisioner) TagInstance(ctx context.Context, instanceID, runnerName string) error {
	_, err := p.client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{instanceID},
		Tags:      p.managementTags(runnerName),
	})
	if err != nil {
		return fmt.Errorf("failed to tag instance %s: %w", instanceID, err)
	}
	return nil
}

func (p *EC2Provisioner) TerminateInstance(ctx context.Context, instanceID string) error {
	p.logger.Info("terminating EC2 instance", "instance_id", instanceID)

	_, err := p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return fmt.Errorf("failed to terminate instance %s: %w", instanceID, err)
	}
	return nil
}

func (p *EC2Provisioner) ListInstances(ctx context.Context) ([]*provider.Instance, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{
				Name:   aws.String("tag:" + tagManagedBy),
				Values: []string{"forge"},
			},
			{
				Name:   aws.String("instance-state-name"),
				Values: []string{"pending", "running"},
			},
		},
	}

	result, err := p.client.DescribeInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to describe instances: %w", err)
	}

	var instances []*provider.Instance
	for _, reservation := range result.Reservations {
		for _, instance := range reservation.Instances {
			inst := &provider.Instance{
				ID:           *instance.InstanceId,
				State:        string(instance.State.Name),
				InstanceType: string(instance.InstanceType),
			}
			if instance.LaunchTime != nil {
				inst.LaunchTime = *instance.LaunchTime
			}
			for _, tag := range instance.Tags {
				if *tag.Key == tagRunnerName {
					inst.Name = *tag.Value
				}
			}
			instances = append(instances, inst)
		}
	}

	return instances, nil
}

func (p *EC2Provisioner) HealthCheck(ctx context.Context) error {
	// Simple check: describe regions to verify API access
	_, err := p.client.DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		return fmt.Errorf("EC2 health check failed: %w", err)
	}
	return nil
}

func (p *EC2Provisioner) Close() error {
	return nil
}

func (p *EC2Provisioner) buildUserData(req *provider.CreateInstanceRequest) string {
	if p.config.UserDataScript != "" {
		script := p.config.UserDataScript
		script = strings.ReplaceAll(script, "{{RUNNER_NAME}}", req.Name)
		script = strings.ReplaceAll(script, "{{RUNNER_TOKEN}}", req.Token)
		script = strings.ReplaceAll(script, "{{RUNNER_URL}}", req.RegistrationURL)
		script = strings.ReplaceAll(script, "{{RUNNER_GROUP}}", req.RunnerGroup)
		script = strings.ReplaceAll(script, "{{LABELS}}", strings.Join(req.RunnerLabels, ","))
		script = strings.ReplaceAll(script, "{{WORK_FOLDER}}", req.WorkFolder)
		return script
	}

	if req.JITConfig != "" {
		return fmt.Sprintf(`#!/bin/bash
cd /actions-runner
RUNNER_ALLOW_RUNASROOT=1 ./run.sh --jitconfig %s
`, req.JITConfig)
	}

	group := req.RunnerGroup
	if group == "" {
		group = "Default"
	}

	return fmt.Sprintf(`#!/bin/bash
cd /actions-runner
RUNNER_ALLOW_RUNASROOT=1 ./config.sh --url %s --token %s --name %s --labels %s --ephemeral --runnergroup %s --work %s --replace
./svc.sh install
./svc.sh start
`,
		req.RegistrationURL,
		req.Token,
		req.Name,
		strings.Join(req.RunnerLabels, ","),
		group,
		req.WorkFolder,
	)
}
