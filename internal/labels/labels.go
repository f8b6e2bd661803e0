// Package labels turns the free-form label list of a workflow job into a
// structured launch configuration. Labels are either bare tokens or
// key=value pairs; later occurrences of a key override earlier ones and
// unknown keys are ignored, so parsing is total: any input yields a valid
// spec with defaults filling the gaps.
package labels

import (
	"strconv"
	"strings"
)

// DefaultMaxPrice is the spot price ceiling used when neither config nor
// labels supply one.
const DefaultMaxPrice = "0.10"

// Defaults supplies the process-wide fallback values for fields the labels
// do not set.
type Defaults struct {
	InstanceClass string
	ImageID       string
	Labels        []string
	MaxPrice      string
	WorkFolder    string
}

// LaunchSpec is the resolved configuration used to create one instance. It
// is stored verbatim on the runner record for audit.
type LaunchSpec struct {
	JobID         string   `json:"job_id,omitempty"`
	InstanceClass string   `json:"instance_class"`
	ImageID       string   `json:"image_id"`
	MaxPrice      string   `json:"max_price"`
	Labels        []string `json:"labels"`
	WorkFolder    string   `json:"work_folder"`
	Memory        string   `json:"memory,omitempty"`
}

// Eligible reports whether the job carried the runs-on correlation marker.
// Jobs without it are not ours and must not be provisioned for.
func (s LaunchSpec) Eligible() bool {
	return s.JobID != ""
}

// cpuTiers maps vCPU capacity to the smallest instance class that provides
// it. Entries are ordered by capacity.
var cpuTiers = []struct {
	cpus  int
	class string
}{
	{1, "t3.micro"},
	{2, "t3.medium"},
	{4, "t3.xlarge"},
	{8, "t3.2xlarge"},
	{16, "m5.4xlarge"},
	{32, "m5.8xlarge"},
	{64, "m5.16xlarge"},
}

// Parse resolves an ordered label list against the given defaults.
func Parse(raw []string, d Defaults) LaunchSpec {
	spec := LaunchSpec{
		InstanceClass: d.InstanceClass,
		ImageID:       d.ImageID,
		MaxPrice:      d.MaxPrice,
		WorkFolder:    d.WorkFolder,
		Labels:        append([]string(nil), d.Labels...),
	}
	if spec.MaxPrice == "" {
		spec.MaxPrice = DefaultMaxPrice
	}

	for _, label := range raw {
		key, value, ok := strings.Cut(label, "=")
		if !ok || value == "" {
			continue
		}

		switch key {
		case "runs-on":
			spec.JobID = value
		case "instanceType", "family":
			spec.InstanceClass = value
		case "cpu":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				spec.InstanceClass = classForCPUs(n)
			}
		case "memory", "ram":
			spec.Memory = value
		case "image":
			spec.ImageID = value
		case "maxPrice":
			spec.MaxPrice = value
		case "workFolder":
			spec.WorkFolder = value
		case "labels":
			spec.Labels = strings.Split(value, ",")
		}
	}

	return spec
}

// classForCPUs picks the smallest tier whose capacity covers n, or the
// largest tier when n exceeds every entry.
func classForCPUs(n int) string {
	for _, tier := range cpuTiers {
		if tier.cpus >= n {
			return tier.class
		}
	}
	return cpuTiers[len(cpuTiers)-1].class
}
