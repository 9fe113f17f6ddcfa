package cleanup_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/regiondeploy/internal/cleanup"
	"github.com/chainguard-dev/regiondeploy/internal/cleanup/cleanuptest"
	"github.com/chainguard-dev/regiondeploy/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a slog.Handler keeping every record message.
type recorder struct {
	mu       sync.Mutex
	messages []string
}

func (r *recorder) Enabled(context.Context, slog.Level) bool { return true }

func (r *recorder) Handle(_ context.Context, rec slog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, rec.Message)
	return nil
}

func (r *recorder) WithAttrs([]slog.Attr) slog.Handler { return r }
func (r *recorder) WithGroup(string) slog.Handler      { return r }

func (r *recorder) count(msg string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, m := range r.messages {
		if m == msg {
			n++
		}
	}
	return n
}

func testContext(t *testing.T) (context.Context, *recorder) {
	t.Helper()
	rec := &recorder{}
	return clog.WithLogger(t.Context(), clog.New(rec)), rec
}

func TestCleanupSingleResource(t *testing.T) {
	ctx, rec := testContext(t)
	mem := cleanuptest.NewMemory()
	mem.Add(types.ResourceDescriptor{ResourceGroup: "test-rg", Name: "test-resource", Type: "Microsoft.Test/testResource"})

	res := cleanup.New(mem).CleanupResources(ctx, "test-rg",
		cleanup.Resource("test-resource", "Microsoft.Test/testResource", "default"))

	require.True(t, res.OK())
	require.NoError(t, res.Err())
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 1, rec.count("Cleaning up resource test-resource"))
	assert.Equal(t, 1, rec.count("cleanup_started"))
	assert.Equal(t, 1, rec.count("cleanup_completed"))
	assert.Empty(t, mem.Resources("test-rg"))
}

func TestCleanupGroupIdempotent(t *testing.T) {
	ctx, rec := testContext(t)
	mem := cleanuptest.NewMemory()
	mem.Add(types.ResourceDescriptor{ResourceGroup: "rg-x", Name: "a"})
	mem.Add(types.ResourceDescriptor{ResourceGroup: "rg-x", Name: "b"})
	engine := cleanup.New(mem)

	first := engine.CleanupResources(ctx, "rg-x")
	require.True(t, first.OK(), first.Err())
	assert.Equal(t, 3, first.Deleted)
	assert.False(t, mem.HasGroup("rg-x"))

	second := engine.CleanupResources(ctx, "rg-x")
	require.True(t, second.OK(), second.Err())
	assert.Equal(t, 0, second.Deleted)
	assert.Equal(t, 1, second.Absent)

	assert.Equal(t, 2, rec.count("cleanup_started"))
	assert.Equal(t, 2, rec.count("Cleaning up resource group rg-x"))
	assert.Equal(t, 1, rec.count("Cleaning up resource a"))
}

func TestCleanupAbsentResource(t *testing.T) {
	ctx, _ := testContext(t)
	mem := cleanuptest.NewMemory()

	res := cleanup.New(mem).CleanupResources(ctx, "rg", cleanup.Resource("ghost", "t", ""))
	require.True(t, res.OK())
	assert.Equal(t, 1, res.Absent)
	assert.Equal(t, []string{"delete:ghost"}, mem.CallLog())
}

func TestCleanupContinuesPastFailures(t *testing.T) {
	ctx, _ := testContext(t)
	mem := cleanuptest.NewMemory()
	for _, n := range []string{"a", "b", "c"} {
		mem.Add(types.ResourceDescriptor{ResourceGroup: "rg", Name: n})
	}
	boom := errors.New("boom")
	mem.DeleteErrs["b"] = boom

	res := cleanup.New(mem).CleanupResources(ctx, "rg")
	require.False(t, res.OK())
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "b", res.Failures[0].Resource)
	assert.ErrorIs(t, res.Err(), cleanup.ErrCleanupFailure)
	assert.ErrorIs(t, res.Err(), boom)

	// a and c are gone, and the group delete was still attempted.
	assert.Equal(t, []string{"list:rg", "delete:a", "delete:b", "delete:c", "delete-group:rg"}, mem.CallLog())
	assert.Equal(t, 4, res.Attempted)
}

type panicky struct{ cleanup.Provider }

func (panicky) DeleteResource(context.Context, types.ResourceDescriptor) error {
	panic("kaboom")
}

func TestCleanupRecoversProviderPanic(t *testing.T) {
	ctx, _ := testContext(t)
	mem := cleanuptest.NewMemory()

	res := cleanup.New(panicky{mem}).CleanupResources(ctx, "rg",
		cleanup.Resource("one", "t", ""), cleanup.Resource("two", "t", ""))
	require.Len(t, res.Failures, 2)
	assert.ErrorContains(t, res.Err(), "kaboom")
}
