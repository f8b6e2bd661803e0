package ec2

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"Forge/internal/config"
	"Forge/internal/provider"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type ec2Call struct {
	action string
	form   url.Values
}

// fakeEC2 answers the EC2 query protocol with canned responses and records
// every call. instanceState is what DescribeInstances reports.
type fakeEC2 struct {
	mu            sync.Mutex
	calls         []ec2Call
	instanceState string
}

func (f *fakeEC2) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	action := r.PostForm.Get("Action")

	f.mu.Lock()
	f.calls = append(f.calls, ec2Call{action: action, form: r.PostForm})
	state := f.instanceState
	f.mu.Unlock()

	w.Header().Set("Content-Type", "text/xml")
	switch action {
	case "RunInstances":
		fmt.Fprint(w, `<RunInstancesResponse xmlns="http://ec2.amazonaws.com/doc/2016-11-15/">
			<requestId>req-1</requestId><reservationId>r-1</reservationId>
			<instancesSet><item>
				<instanceId>i-0abc</instanceId>
				<instanceState><code>0</code><name>pending</name></instanceState>
			</item></instancesSet>
		</RunInstancesResponse>`)
	case "DescribeInstances":
		fmt.Fprintf(w, `<DescribeInstancesResponse xmlns="http://ec2.amazonaws.com/doc/2016-11-15/">
			<requestId>req-2</requestId>
			<reservationSet><item><instancesSet><item>
				<instanceId>i-0abc</instanceId>
				<instanceState><code>16</code><name>%s</name></instanceState>
			</item></instancesSet></item></reservationSet>
		</DescribeInstancesResponse>`, state)
	case "RequestSpotInstances":
		fmt.Fprint(w, `<RequestSpotInstancesResponse xmlns="http://ec2.amazonaws.com/doc/2016-11-15/">
			<requestId>req-3</requestId>
			<spotInstanceRequestSet><item>
				<spotInstanceRequestId>sir-1</spotInstanceRequestId>
				<state>open</state>
			</item></spotInstanceRequestSet>
		</RequestSpotInstancesResponse>`)
	case "DescribeSpotInstanceRequests":
		fmt.Fprint(w, `<DescribeSpotInstanceRequestsResponse xmlns="http://ec2.amazonaws.com/doc/2016-11-15/">
			<requestId>req-4</requestId>
			<spotInstanceRequestSet><item>
				<spotInstanceRequestId>sir-1</spotInstanceRequestId>
				<state>active</state>
				<instanceId>i-0abc</instanceId>
			</item></spotInstanceRequestSet>
		</DescribeSpotInstanceRequestsResponse>`)
	case "CreateTags":
		fmt.Fprint(w, `<CreateTagsResponse xmlns="http://ec2.amazonaws.com/doc/2016-11-15/">
			<requestId>req-5</requestId><return>true</return>
		</CreateTagsResponse>`)
	case "TerminateInstances":
		fmt.Fprint(w, `<TerminateInstancesResponse xmlns="http://ec2.amazonaws.com/doc/2016-11-15/">
			<requestId>req-6</requestId>
			<instancesSet><item><instanceId>i-0abc</instanceId></item></instancesSet>
		</TerminateInstancesResponse>`)
	default:
		http.Error(w, "unexpected action "+action, http.StatusBadRequest)
	}
}

func (f *fakeEC2) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.action)
	}
	return out
}

func (f *fakeEC2) firstCall(action string) (url.Values, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.action == action {
			return c.form, true
		}
	}
	return nil, false
}

func testProvisioner(serverURL string, cfg config.AWSConfig) *EC2Provisioner {
	cfg.Region = "us-east-1"
	if cfg.VolumeSize == 0 {
		cfg.VolumeSize = 30
	}
	if cfg.VolumeType == "" {
		cfg.VolumeType = "gp3"
	}
	if cfg.ProvisionTimeout == 0 {
		cfg.ProvisionTimeout = 2 * time.Second
	}
	if cfg.ProvisionPollInterval == 0 {
		cfg.ProvisionPollInterval = 5 * time.Millisecond
	}
	client := ec2.New(ec2.Options{
		Region:       cfg.Region,
		BaseEndpoint: aws.String(serverURL),
		Credentials:  aws.AnonymousCredentials{},
		Retryer:      aws.NopRetryer{},
	})
	return &EC2Provisioner{
		client: client,
		config: cfg,
		logger: testLogger(),
	}
}

// hasTag reports whether the query form carries key=value in the numbered
// tag list rooted at prefix, e.g. TagSpecification.1.Tag or Tag.
func hasTag(form url.Values, prefix, key, value string) bool {
	for i := 1; ; i++ {
		k := form.Get(fmt.Sprintf("%s.%d.Key", prefix, i))
		if k == "" {
			return false
		}
		if k == key && form.Get(fmt.Sprintf("%s.%d.Value", prefix, i)) == value {
			return true
		}
	}
}

func TestCreateOnDemandInstanceTagsAtLaunch(t *testing.T) {
	fake := &fakeEC2{instanceState: "running"}
	server := httptest.NewServer(fake)
	defer server.Close()

	p := testProvisioner(server.URL, config.AWSConfig{
		SecurityGroupIDs: []string{"sg-1"},
		Tags:             map[string]string{"team": "infra"},
	})

	id, err := p.CreateInstance(context.Background(), &provider.CreateInstanceRequest{
		Name:          "runner-42-abcd",
		InstanceClass: "t3.medium",
		ImageID:       "ami-123",
		JITConfig:     "JITBLOB",
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if id != "i-0abc" {
		t.Errorf("instance id = %q, want i-0abc", id)
	}

	form, ok := fake.firstCall("RunInstances")
	if !ok {
		t.Fatal("RunInstances was never called")
	}
	if got := form.Get("TagSpecification.1.ResourceType"); got != "instance" {
		t.Errorf("TagSpecification.1.ResourceType = %q, want instance", got)
	}
	if !hasTag(form, "TagSpecification.1.Tag", tagManagedBy, "forge") {
		t.Errorf("launch tags missing %s=forge: %v", tagManagedBy, form)
	}
	if !hasTag(form, "TagSpecification.1.Tag", tagRunnerName, "runner-42-abcd") {
		t.Errorf("launch tags missing %s: %v", tagRunnerName, form)
	}
	if !hasTag(form, "TagSpecification.1.Tag", "team", "infra") {
		t.Errorf("launch tags missing configured team tag: %v", form)
	}

	for _, action := range fake.actions() {
		if action == "TerminateInstances" {
			t.Error("healthy launch terminated its own instance")
		}
	}
}

func TestCreateInstanceTerminatesWhenNeverRunning(t *testing.T) {
	fake := &fakeEC2{instanceState: "terminated"}
	server := httptest.NewServer(fake)
	defer server.Close()

	p := testProvisioner(server.URL, config.AWSConfig{
		SecurityGroupIDs: []string{"sg-1"},
	})

	_, err := p.CreateInstance(context.Background(), &provider.CreateInstanceRequest{
		Name:          "runner-42-abcd",
		InstanceClass: "t3.medium",
		ImageID:       "ami-123",
		JITConfig:     "JITBLOB",
	})
	if err == nil {
		t.Fatal("expected error when the instance never reaches running")
	}

	form, ok := fake.firstCall("TerminateInstances")
	if !ok {
		t.Fatal("instance that never ran was not terminated")
	}
	if got := form.Get("InstanceId.1"); got != "i-0abc" {
		t.Errorf("terminated instance = %q, want i-0abc", got)
	}
}

func TestCreateSpotInstanceTagsAfterFulfillment(t *testing.T) {
	fake := &fakeEC2{instanceState: "running"}
	server := httptest.NewServer(fake)
	defer server.Close()

	p := testProvisioner(server.URL, config.AWSConfig{
		UseSpot:          true,
		SecurityGroupIDs: []string{"sg-1"},
	})

	id, err := p.CreateInstance(context.Background(), &provider.CreateInstanceRequest{
		Name:          "runner-42-abcd",
		InstanceClass: "t3.medium",
		ImageID:       "ami-123",
		MaxPrice:      "0.50",
		JITConfig:     "JITBLOB",
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if id != "i-0abc" {
		t.Errorf("instance id = %q, want i-0abc", id)
	}

	form, ok := fake.firstCall("CreateTags")
	if !ok {
		t.Fatal("fulfilled spot instance was never tagged")
	}
	if got := form.Get("ResourceId.1"); got != "i-0abc" {
		t.Errorf("tagged resource = %q, want i-0abc", got)
	}
	if !hasTag(form, "Tag", tagManagedBy, "forge") {
		t.Errorf("spot tags missing %s=forge: %v", tagManagedBy, form)
	}
}
