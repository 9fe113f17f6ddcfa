package types

import (
	"time"
)

const ProgramName = "regiondeploy"

// DefaultMode is the deployment mode used when a resource does not set one.
const DefaultMode = "default"

type Status string

const (
	StatusPending   Status = "pending"
	StatusDeploying Status = "deploying"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCleanedUp Status = "cleaned_up"
)

// Terminal reports whether the status is a final deploy result.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// CleanupScope selects what the executor tears down when a region finishes.
type CleanupScope string

const (
	// CleanupResources tears down each resource the region touched, newest
	// first.
	CleanupResources CleanupScope = "resources"
	// CleanupGroup tears down the whole resource group.
	CleanupGroup CleanupScope = "group"
)

type ResourceDescriptor struct {
	ResourceGroup string `yaml:"resource_group" json:"resource_group"`
	Name          string `yaml:"name" json:"name"`
	// Provider-qualified type, e.g. "Microsoft.Test/testResource" or
	// "AWS::EC2::VPC".
	Type string `yaml:"type" json:"type"`
	Mode string `yaml:"mode" json:"mode"`
	// APIVersion pins the Azure API version used for generic deletes. The
	// provider's latest version is looked up when empty.
	APIVersion string `yaml:"api_version,omitempty" json:"api_version,omitempty"`
	// ID is the provider's own identifier, when known (Azure resource ID,
	// AWS resource ID).
	ID string `yaml:"id,omitempty" json:"id,omitempty"`
}

type Region struct {
	Name          string
	ResourceGroup string
	// Location is the provider location for the region's resource group.
	// Defaults to Name.
	Location  string
	Resources []ResourceDescriptor
	Cleanup   CleanupScope
	Status    Status
}

type Outcome struct {
	Region string
	Status Status
	Start  time.Time
	End    time.Time
	// Err holds the step failure, if any.
	Err error
	// CleanupErr holds the joined cleanup failures, if any. It does not
	// change Status.
	CleanupErr error
}

func (o Outcome) Succeeded() bool {
	return o.Status == StatusSucceeded
}

func (o Outcome) Duration() time.Duration {
	return o.End.Sub(o.Start)
}

// OverallStatus is the aggregate result of a run.
type OverallStatus string

const (
	OverallSuccess        OverallStatus = "success"
	OverallPartialFailure OverallStatus = "partial_failure"
	OverallFailure        OverallStatus = "failure"
)

// Aggregate folds region outcomes into the run's overall status. An empty
// set of outcomes is a failure.
func Aggregate(outcomes []Outcome) OverallStatus {
	var succeeded int
	for _, o := range outcomes {
		if o.Succeeded() {
			succeeded++
		}
	}
	switch {
	case len(outcomes) > 0 && succeeded == len(outcomes):
		return OverallSuccess
	case succeeded > 0:
		return OverallPartialFailure
	default:
		return OverallFailure
	}
}
