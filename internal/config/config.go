// Package config loads and validates the region configuration of a run.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/chainguard-dev/regiondeploy/internal/types"
	"github.com/gosimple/slug"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath = "deploy.yaml"

	ProviderLocal = "local"
	ProviderAzure = "azure"
	ProviderAWS   = "aws"

	defaultLogDir         = "."
	defaultGroupPrefix    = "deploy"
	defaultStepTimeout    = 30 * time.Minute
	defaultCleanupTimeout = 20 * time.Minute
	defaultRetryInterval  = 5 * time.Second
	defaultRetryFactor    = 2.0
	defaultStatePath      = "deploy-state.db"
	defaultAWSGroupTagKey = "regiondeploy:resource-group"
)

// Environment variables overriding the file.
const (
	EnvConfig      = "DEPLOY_CONFIG"
	EnvLogDir      = "DEPLOY_LOG_DIR"
	EnvParallelism = "DEPLOY_PARALLELISM"
	EnvRegions     = "DEPLOY_REGIONS"
)

// Config is the static configuration of a run.
type Config struct {
	// Provider selects the backend used to deploy and clean up: "local",
	// "azure" or "aws".
	// Default: local
	Provider string `yaml:"provider"`
	// Maximum number of regions deployed at once.
	// Default: number of CPUs.
	Parallelism int `yaml:"parallelism"`
	// Directory receiving success_regions.log, failed_regions.log and
	// deployment.log.
	// Default: "."
	LogDir string `yaml:"log_dir"`
	// Prefix of generated resource group names.
	// Default: "deploy"
	GroupPrefix string `yaml:"group_prefix"`
	// Upper bound for a single deployment step.
	// Default: 30m
	StepTimeout time.Duration `yaml:"step_timeout"`
	// Upper bound for a region's whole cleanup phase. Cleanup runs on a
	// context detached from the run's cancellation.
	// Default: 20m
	CleanupTimeout time.Duration `yaml:"cleanup_timeout"`

	Retry   Retry          `yaml:"retry"`
	Deploy  Deploy         `yaml:"deploy"`
	Local   Local          `yaml:"local"`
	Azure   Azure          `yaml:"azure"`
	AWS     AWS            `yaml:"aws"`
	Regions []RegionConfig `yaml:"regions"`

	// regionFilter restricts the run to the named regions.
	regionFilter []string
}

// Retry configures the exponential backoff applied to each step.
type Retry struct {
	// Total attempts per step, 1 disables retries.
	Attempts int           `yaml:"attempts"`
	Interval time.Duration `yaml:"interval"`
	Factor   float64       `yaml:"factor"`
	Jitter   float64       `yaml:"jitter"`
}

// Deploy configures the external command that deploys one resource.
type Deploy struct {
	// Command is split shell-style into argv and run once per resource with
	// the resource described through DEPLOY_* environment variables.
	Command string            `yaml:"command"`
	Env     map[string]string `yaml:"env"`
}

type Local struct {
	// Default: deploy-state.db
	StatePath string `yaml:"state_path"`
}

type Azure struct {
	// Defaults to the "AZURE_SUBSCRIPTION_ID" environment value.
	SubscriptionID string            `yaml:"subscription_id"`
	Tags           map[string]string `yaml:"tags"`
}

type AWS struct {
	// Tag key whose value names the resource group of a resource.
	// Default: regiondeploy:resource-group
	GroupTagKey string `yaml:"group_tag_key"`
}

type RegionConfig struct {
	Name string `yaml:"name"`
	// Default: "<group_prefix>-<name>", slugified.
	ResourceGroup string `yaml:"resource_group"`
	// Default: Name
	Location string `yaml:"location"`
	// "resources" or "group".
	// Default: resources
	Cleanup   string                     `yaml:"cleanup"`
	Resources []types.ResourceDescriptor `yaml:"resources"`
}

// Overrides are applied on top of the file, after the environment.
type Overrides struct {
	LogDir      string
	Parallelism int
	Regions     []string
}

// Load reads the YAML file at path and applies environment and caller
// overrides, defaults and validation. Every returned error is a
// configuration error.
func Load(path string, o Overrides) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, newError("", "reading %s: %v", path, err)
	}
	defer f.Close()
	return Parse(f, o)
}

func Parse(r io.Reader, o Overrides) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, newError("", "reading config: %v", err)
	}

	c := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, newError("", "decoding config: %v", err)
	}

	env, err := overridesFromEnv()
	if err != nil {
		return nil, err
	}
	c.override(env)
	c.override(o)
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func overridesFromEnv() (Overrides, error) {
	var o Overrides
	o.LogDir = os.Getenv(EnvLogDir)
	if v := os.Getenv(EnvParallelism); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return o, newError("parallelism", "%s=%q is not an integer", EnvParallelism, v)
		}
		o.Parallelism = n
	}
	o.Regions = SplitList(os.Getenv(EnvRegions))
	return o, nil
}

// SplitList splits a comma separated list, dropping empty items.
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *Config) override(o Overrides) {
	if o.LogDir != "" {
		c.LogDir = o.LogDir
	}
	if o.Parallelism != 0 {
		c.Parallelism = o.Parallelism
	}
	if len(o.Regions) > 0 {
		c.regionFilter = o.Regions
	}
}

func (c *Config) applyDefaults() {
	if c.Provider == "" {
		c.Provider = ProviderLocal
	}
	if c.Parallelism == 0 {
		c.Parallelism = max(runtime.NumCPU(), 1)
	}
	if c.LogDir == "" {
		c.LogDir = defaultLogDir
	}
	if c.GroupPrefix == "" {
		c.GroupPrefix = defaultGroupPrefix
	}
	if c.StepTimeout == 0 {
		c.StepTimeout = defaultStepTimeout
	}
	if c.CleanupTimeout == 0 {
		c.CleanupTimeout = defaultCleanupTimeout
	}
	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = 1
	}
	if c.Retry.Interval == 0 {
		c.Retry.Interval = defaultRetryInterval
	}
	if c.Retry.Factor == 0 {
		c.Retry.Factor = defaultRetryFactor
	}
	if c.Local.StatePath == "" {
		c.Local.StatePath = defaultStatePath
	}
	if c.AWS.GroupTagKey == "" {
		c.AWS.GroupTagKey = defaultAWSGroupTagKey
	}

	for i := range c.Regions {
		r := &c.Regions[i]
		if r.ResourceGroup == "" && r.Name != "" {
			r.ResourceGroup = slug.Make(c.GroupPrefix + "-" + r.Name)
		}
		if r.Location == "" {
			r.Location = r.Name
		}
		if r.Cleanup == "" {
			r.Cleanup = string(types.CleanupResources)
		}
		for j := range r.Resources {
			res := &r.Resources[j]
			if res.ResourceGroup == "" {
				res.ResourceGroup = r.ResourceGroup
			}
			if res.Mode == "" {
				res.Mode = types.DefaultMode
			}
		}
	}
}

func (c *Config) validate() error {
	switch c.Provider {
	case ProviderLocal, ProviderAzure, ProviderAWS:
	default:
		return newError("provider", "unsupported provider %q, supported providers: %s, %s, %s",
			c.Provider, ProviderLocal, ProviderAzure, ProviderAWS)
	}
	if c.Parallelism < 1 {
		return newError("parallelism", "must be at least 1, got %d", c.Parallelism)
	}
	if c.StepTimeout < 0 || c.CleanupTimeout < 0 {
		return newError("timeout", "timeouts must not be negative")
	}
	if c.Retry.Attempts < 1 {
		return newError("retry.attempts", "must be at least 1, got %d", c.Retry.Attempts)
	}
	if c.Retry.Factor < 1 {
		return newError("retry.factor", "must be at least 1, got %v", c.Retry.Factor)
	}
	if c.Provider != ProviderLocal && c.Deploy.Command == "" {
		return newError("deploy.command", "required for provider %q", c.Provider)
	}
	if len(c.Regions) == 0 {
		return newError("regions", "at least one region is required")
	}

	seen := make(map[string]bool, len(c.Regions))
	// Resource groups are owned by exactly one region; cleanup of one region
	// must never touch another's resources.
	owners := make(map[string]string, len(c.Regions))
	claim := func(field, group, region string) error {
		if owner, ok := owners[group]; ok && owner != region {
			return newError(field, "resource group %q is already used by region %q", group, owner)
		}
		owners[group] = region
		return nil
	}
	for i, r := range c.Regions {
		field := fmt.Sprintf("regions[%d]", i)
		if r.Name == "" {
			return newError(field+".name", "region name is required")
		}
		if seen[r.Name] {
			return newError(field+".name", "duplicate region %q", r.Name)
		}
		seen[r.Name] = true

		if r.ResourceGroup == "" {
			return newError(field+".resource_group", "resource group is required")
		}
		if err := claim(field+".resource_group", r.ResourceGroup, r.Name); err != nil {
			return err
		}
		switch types.CleanupScope(r.Cleanup) {
		case types.CleanupResources, types.CleanupGroup:
		default:
			return newError(field+".cleanup", "invalid cleanup scope %q, supported scopes: %s, %s",
				r.Cleanup, types.CleanupResources, types.CleanupGroup)
		}

		names := make(map[string]bool, len(r.Resources))
		for j, res := range r.Resources {
			rfield := fmt.Sprintf("%s.resources[%d]", field, j)
			if res.Name == "" {
				return newError(rfield+".name", "resource name is required")
			}
			if res.Type == "" {
				return newError(rfield+".type", "resource type is required")
			}
			if err := c.validateType(res.Type); err != nil {
				return newError(rfield+".type", "%v", err)
			}
			if err := claim(rfield+".resource_group", res.ResourceGroup, r.Name); err != nil {
				return err
			}
			key := res.ResourceGroup + "/" + res.Name
			if names[key] {
				return newError(rfield+".name", "duplicate resource %q in resource group %q", res.Name, res.ResourceGroup)
			}
			names[key] = true
		}
	}

	for _, name := range c.regionFilter {
		if !seen[name] {
			return newError("regions", "unknown region %q selected", name)
		}
	}
	return nil
}

func (c *Config) validateType(t string) error {
	switch c.Provider {
	case ProviderAzure:
		// Namespace/type, e.g. Microsoft.ContainerService/managedClusters
		ns, rest, ok := strings.Cut(t, "/")
		if !ok || ns == "" || rest == "" {
			return fmt.Errorf("azure resource type %q must look like Namespace/type", t)
		}
	case ProviderAWS:
		if !strings.HasPrefix(t, "AWS::") {
			return fmt.Errorf("aws resource type %q must look like AWS::Service::Type", t)
		}
	}
	return nil
}

// BuildRegions builds the regions selected for the run, in file order.
func (c *Config) BuildRegions() []*types.Region {
	selected := make(map[string]bool, len(c.regionFilter))
	for _, name := range c.regionFilter {
		selected[name] = true
	}

	regions := make([]*types.Region, 0, len(c.Regions))
	for _, r := range c.Regions {
		if len(selected) > 0 && !selected[r.Name] {
			continue
		}
		regions = append(regions, &types.Region{
			Name:          r.Name,
			ResourceGroup: r.ResourceGroup,
			Location:      r.Location,
			Resources:     append([]types.ResourceDescriptor(nil), r.Resources...),
			Cleanup:       types.CleanupScope(r.Cleanup),
			Status:        types.StatusPending,
		})
	}
	return regions
}
