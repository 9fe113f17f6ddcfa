package executor_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/regiondeploy/internal/cleanup"
	"github.com/chainguard-dev/regiondeploy/internal/cleanup/cleanuptest"
	"github.com/chainguard-dev/regiondeploy/internal/deploy"
	"github.com/chainguard-dev/regiondeploy/internal/executor"
	"github.com/chainguard-dev/regiondeploy/internal/log"
	"github.com/chainguard-dev/regiondeploy/internal/types"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(t *testing.T) (context.Context, *bytes.Buffer) {
	t.Helper()
	var trace bytes.Buffer
	streams := log.NewStreams(&bytes.Buffer{}, &bytes.Buffer{}, &trace)
	logger := clog.New(log.NewTraceHandler(streams, slog.LevelDebug))
	return clog.WithLogger(t.Context(), logger), &trace
}

func region(scope types.CleanupScope, names ...string) *types.Region {
	r := &types.Region{
		Name:          "eastus",
		ResourceGroup: "rg-eastus",
		Location:      "eastus",
		Cleanup:       scope,
		Status:        types.StatusPending,
	}
	for _, n := range names {
		r.Resources = append(r.Resources, types.ResourceDescriptor{
			ResourceGroup: r.ResourceGroup,
			Name:          n,
			Type:          "Microsoft.Test/testResource",
			Mode:          types.DefaultMode,
		})
	}
	return r
}

func newExecutor(mem *cleanuptest.Memory, opts ...executor.Option) *executor.Executor {
	opts = append([]executor.Option{executor.WithGroupEnsurer(mem)}, opts...)
	return executor.New(mem, cleanup.New(mem), opts...)
}

func TestDeployRegion(t *testing.T) {
	tests := []struct {
		name       string
		scope      types.CleanupScope
		resources  []string
		deployErrs map[string]error
		wantStatus types.Status
		wantCalls  []string
	}{
		{
			name:       "SuccessUnwindsInReverse",
			scope:      types.CleanupResources,
			resources:  []string{"a", "b"},
			wantStatus: types.StatusSucceeded,
			wantCalls: []string{
				"ensure-group:rg-eastus",
				"deploy:a", "deploy:b",
				"delete:b", "delete:a",
				"list:rg-eastus", "delete-group:rg-eastus",
			},
		},
		{
			name:       "FailFastStillCleansUp",
			scope:      types.CleanupResources,
			resources:  []string{"a", "b", "c"},
			deployErrs: map[string]error{"b": errors.New("quota exceeded")},
			wantStatus: types.StatusFailed,
			wantCalls: []string{
				"ensure-group:rg-eastus",
				"deploy:a", "deploy:b",
				"delete:b", "delete:a",
				"list:rg-eastus", "delete-group:rg-eastus",
			},
		},
		{
			name:       "GroupScope",
			scope:      types.CleanupGroup,
			resources:  []string{"a", "b"},
			wantStatus: types.StatusSucceeded,
			wantCalls: []string{
				"ensure-group:rg-eastus",
				"deploy:a", "deploy:b",
				"list:rg-eastus", "delete:a", "delete:b", "delete-group:rg-eastus",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, trace := testContext(t)
			mem := cleanuptest.NewMemory()
			for k, v := range tt.deployErrs {
				mem.DeployErrs[k] = v
			}
			r := region(tt.scope, tt.resources...)

			out := newExecutor(mem).DeployRegion(ctx, r)

			assert.Equal(t, tt.wantStatus, out.Status)
			assert.Equal(t, types.StatusCleanedUp, r.Status)
			assert.Equal(t, "eastus", out.Region)
			assert.False(t, out.End.Before(out.Start))
			assert.NoError(t, out.CleanupErr)
			if diff := cmp.Diff(tt.wantCalls, mem.CallLog()); diff != "" {
				t.Errorf("unexpected calls (-want +got):\n%s", diff)
			}
			assert.False(t, mem.HasGroup("rg-eastus"))

			assert.Contains(t, trace.String(), "cleanup_resources region=eastus")
			if tt.wantStatus == types.StatusFailed {
				require.ErrorIs(t, out.Err, executor.ErrStepFailure)
				assert.ErrorContains(t, out.Err, "quota exceeded")
				assert.Contains(t, trace.String(), "region deployment failed region=eastus")
			} else {
				require.NoError(t, out.Err)
				assert.Contains(t, trace.String(), "region deployment succeeded region=eastus")
			}
		})
	}
}

func TestDeployRegionExistingGroupIsKept(t *testing.T) {
	ctx, _ := testContext(t)
	mem := cleanuptest.NewMemory()
	mem.Add(types.ResourceDescriptor{ResourceGroup: "rg-eastus", Name: "pre-existing"})

	out := newExecutor(mem).DeployRegion(ctx, region(types.CleanupResources, "a"))
	require.True(t, out.Succeeded())

	assert.True(t, mem.HasGroup("rg-eastus"))
	assert.Equal(t, []string{"pre-existing"}, names(mem.Resources("rg-eastus")))
}

func TestDeployRegionCanceledBeforeStart(t *testing.T) {
	ctx, trace := testContext(t)
	ctx, cancel := context.WithCancel(ctx)
	cancel()

	mem := cleanuptest.NewMemory()
	out := newExecutor(mem).DeployRegion(ctx, region(types.CleanupGroup, "a"))

	require.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, types.StatusFailed, out.Status)
	assert.Equal(t, []string{"list:rg-eastus"}, mem.CallLog())
	assert.Contains(t, trace.String(), "cleanup_resources region=eastus")
	assert.Contains(t, trace.String(), "cleanup_started")
}

// ctxRecorder notes whether cleanup calls saw a live context.
type ctxRecorder struct {
	*cleanuptest.Memory
	canceled []bool
}

func (c *ctxRecorder) DeleteResource(ctx context.Context, r types.ResourceDescriptor) error {
	c.canceled = append(c.canceled, ctx.Err() != nil)
	return c.Memory.DeleteResource(ctx, r)
}

func TestDeployRegionCanceledMidStep(t *testing.T) {
	ctx, trace := testContext(t)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mem := cleanuptest.NewMemory()
	rec := &ctxRecorder{Memory: mem}
	started := make(chan struct{})
	blocking := deploy.Func(func(ctx context.Context, region string, r types.ResourceDescriptor) error {
		if r.Name == "slow" {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}
		return mem.Deploy(ctx, region, r)
	})

	go func() {
		<-started
		cancel()
	}()

	e := executor.New(blocking, cleanup.New(rec), executor.WithCleanupTimeout(time.Minute))
	out := e.DeployRegion(ctx, region(types.CleanupResources, "fast", "slow", "never"))

	require.ErrorIs(t, out.Err, executor.ErrStepFailure)
	require.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, []bool{false, false}, rec.canceled, "cleanup must run on a live context")
	assert.Equal(t, 1, bytes.Count(trace.Bytes(), []byte("Cleaning up resource slow")))
	assert.Equal(t, 1, bytes.Count(trace.Bytes(), []byte("Cleaning up resource fast")))
	assert.NotContains(t, trace.String(), "Cleaning up resource never")
}

func TestDeployRegionStepTimeout(t *testing.T) {
	ctx, _ := testContext(t)
	mem := cleanuptest.NewMemory()
	slow := deploy.Func(func(ctx context.Context, _ string, _ types.ResourceDescriptor) error {
		<-ctx.Done()
		return ctx.Err()
	})

	e := executor.New(slow, cleanup.New(mem), executor.WithStepTimeout(10*time.Millisecond))
	out := e.DeployRegion(ctx, region(types.CleanupResources, "a"))

	require.ErrorIs(t, out.Err, context.DeadlineExceeded)
	assert.Equal(t, []string{"delete:a"}, mem.CallLog())
}

func TestDeployRegionRecoversDeployerPanic(t *testing.T) {
	ctx, _ := testContext(t)
	mem := cleanuptest.NewMemory()
	boom := deploy.Func(func(context.Context, string, types.ResourceDescriptor) error {
		panic("deployer exploded")
	})

	out := executor.New(boom, cleanup.New(mem)).DeployRegion(ctx, region(types.CleanupResources, "a"))

	require.ErrorIs(t, out.Err, executor.ErrStepFailure)
	assert.ErrorContains(t, out.Err, "deployer exploded")
	assert.Equal(t, []string{"delete:a"}, mem.CallLog())
}

func TestDeployRegionCleanupFailureKeepsStatus(t *testing.T) {
	ctx, _ := testContext(t)
	mem := cleanuptest.NewMemory()
	mem.DeleteErrs["a"] = errors.New("locked")

	out := newExecutor(mem).DeployRegion(ctx, region(types.CleanupResources, "a", "b"))

	assert.True(t, out.Succeeded())
	require.ErrorIs(t, out.CleanupErr, cleanup.ErrCleanupFailure)
	// b was still deleted after a failed.
	assert.Contains(t, mem.CallLog(), "delete:b")
}

func names(rs []types.ResourceDescriptor) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Name)
	}
	return out
}
