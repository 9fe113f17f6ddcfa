package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chainguard-dev/regiondeploy/internal/types"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
provider: azure
parallelism: 2
step_timeout: 10m
retry:
  attempts: 3
  interval: 1s
deploy:
  command: ./deploy-resource.sh --verbose
azure:
  subscription_id: 00000000-0000-0000-0000-000000000000
regions:
  - name: eastus
    resources:
      - name: test-resource
        type: Microsoft.Test/testResource
  - name: West Europe
    resource_group: rg-weu
    location: westeurope
    cleanup: group
    resources:
      - name: aks
        type: Microsoft.ContainerService/managedClusters
        mode: premium
`

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvLogDir, EnvParallelism, EnvRegions} {
		t.Setenv(k, "")
	}
}

func TestParse(t *testing.T) {
	clearEnv(t)

	c, err := Parse(strings.NewReader(sample), Overrides{})
	require.NoError(t, err)

	assert.Equal(t, ProviderAzure, c.Provider)
	assert.Equal(t, 2, c.Parallelism)
	assert.Equal(t, ".", c.LogDir)
	assert.Equal(t, 10*time.Minute, c.StepTimeout)
	assert.Equal(t, defaultCleanupTimeout, c.CleanupTimeout)
	assert.Equal(t, Retry{Attempts: 3, Interval: time.Second, Factor: 2}, c.Retry)

	want := []*types.Region{
		{
			Name:          "eastus",
			ResourceGroup: "deploy-eastus",
			Location:      "eastus",
			Cleanup:       types.CleanupResources,
			Status:        types.StatusPending,
			Resources: []types.ResourceDescriptor{{
				ResourceGroup: "deploy-eastus",
				Name:          "test-resource",
				Type:          "Microsoft.Test/testResource",
				Mode:          "default",
			}},
		},
		{
			Name:          "West Europe",
			ResourceGroup: "rg-weu",
			Location:      "westeurope",
			Cleanup:       types.CleanupGroup,
			Status:        types.StatusPending,
			Resources: []types.ResourceDescriptor{{
				ResourceGroup: "rg-weu",
				Name:          "aks",
				Type:          "Microsoft.ContainerService/managedClusters",
				Mode:          "premium",
			}},
		},
	}
	if diff := cmp.Diff(want, c.BuildRegions()); diff != "" {
		t.Errorf("unexpected regions (-want +got):\n%s", diff)
	}
}

func TestOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvParallelism, "7")
	t.Setenv(EnvLogDir, "/env/logs")
	t.Setenv(EnvRegions, "eastus, West Europe")

	c, err := Parse(strings.NewReader(sample), Overrides{LogDir: "/flag/logs", Regions: []string{"eastus"}})
	require.NoError(t, err)

	assert.Equal(t, 7, c.Parallelism)
	assert.Equal(t, "/flag/logs", c.LogDir)

	regions := c.BuildRegions()
	require.Len(t, regions, 1)
	assert.Equal(t, "eastus", regions[0].Name)
}

func TestLoad(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), DefaultPath)
	require.NoError(t, os.WriteFile(path, []byte("regions:\n  - name: local-1\n"), 0o600))

	c, err := Load(path, Overrides{})
	require.NoError(t, err)
	assert.Equal(t, ProviderLocal, c.Provider)
	assert.Equal(t, defaultStatePath, c.Local.StatePath)
	assert.GreaterOrEqual(t, c.Parallelism, 1)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), Overrides{})
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestValidate(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name      string
		config    string
		overrides Overrides
		field     string
	}{
		{
			name:   "no regions",
			config: "provider: local\n",
			field:  "regions",
		},
		{
			name:   "unknown provider",
			config: "provider: gcp\nregions: [{name: a}]\n",
			field:  "provider",
		},
		{
			name:   "unknown field",
			config: "regionz: [{name: a}]\n",
			field:  "",
		},
		{
			name:   "duplicate region",
			config: "regions: [{name: a}, {name: a}]\n",
			field:  "regions[1].name",
		},
		{
			name:   "missing region name",
			config: "regions: [{resource_group: rg}]\n",
			field:  "regions[0].name",
		},
		{
			name:   "bad cleanup scope",
			config: "regions: [{name: a, cleanup: everything}]\n",
			field:  "regions[0].cleanup",
		},
		{
			name:   "resource group shared by regions",
			config: "regions: [{name: a, resource_group: rg}, {name: b, resource_group: rg}]\n",
			field:  "regions[1].resource_group",
		},
		{
			name:   "region names that slug to the same group",
			config: "regions: [{name: East}, {name: east}]\n",
			field:  "regions[1].resource_group",
		},
		{
			name:   "resource in another region's group",
			config: "regions: [{name: a, resource_group: rg-a}, {name: b, resource_group: rg-b, resources: [{name: r, type: t, resource_group: rg-a}]}]\n",
			field:  "regions[1].resources[0].resource_group",
		},
		{
			name:   "resource without type",
			config: "regions: [{name: a, resources: [{name: r}]}]\n",
			field:  "regions[0].resources[0].type",
		},
		{
			name:   "duplicate resource",
			config: "regions: [{name: a, resources: [{name: r, type: t}, {name: r, type: t}]}]\n",
			field:  "regions[0].resources[1].name",
		},
		{
			name:   "azure type shape",
			config: "provider: azure\ndeploy: {command: x}\nregions: [{name: a, resources: [{name: r, type: testResource}]}]\n",
			field:  "regions[0].resources[0].type",
		},
		{
			name:   "aws type shape",
			config: "provider: aws\ndeploy: {command: x}\nregions: [{name: a, resources: [{name: r, type: Microsoft.Test/x}]}]\n",
			field:  "regions[0].resources[0].type",
		},
		{
			name:   "cloud provider needs a deploy command",
			config: "provider: aws\nregions: [{name: a}]\n",
			field:  "deploy.command",
		},
		{
			name:      "unknown region selected",
			config:    "regions: [{name: a}]\n",
			overrides: Overrides{Regions: []string{"b"}},
			field:     "regions",
		},
		{
			name:   "negative parallelism",
			config: "parallelism: -1\nregions: [{name: a}]\n",
			field:  "parallelism",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.config), tt.overrides)
			require.ErrorIs(t, err, ErrConfiguration)

			var cerr *Error
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.field, cerr.Field, cerr.Error())
		})
	}
}

func TestBadParallelismEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvParallelism, "lots")

	_, err := Parse(strings.NewReader("regions: [{name: a}]\n"), Overrides{})
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitList(" a,,b ,"))
	assert.Nil(t, SplitList(""))
}
