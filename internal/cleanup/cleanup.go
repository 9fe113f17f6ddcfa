// Package cleanup tears down deployed resources. Every operation is
// idempotent: objects that are already gone count as cleaned up.
package cleanup

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainguard-dev/regiondeploy/internal/log"
	"github.com/chainguard-dev/regiondeploy/internal/o11y"
	"github.com/chainguard-dev/regiondeploy/internal/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNotFound is wrapped by providers when the object to delete or list
	// does not exist.
	ErrNotFound = errors.New("not found")
	// ErrCleanupFailure marks a resource that could not be deleted.
	ErrCleanupFailure = errors.New("cleanup failure")
)

// Provider is the infrastructure API the engine deletes through.
type Provider interface {
	// ListResources returns the resources currently in group.
	ListResources(ctx context.Context, group string) ([]types.ResourceDescriptor, error)
	// DeleteResource deletes one resource and waits for the deletion.
	DeleteResource(ctx context.Context, r types.ResourceDescriptor) error
	// DeleteGroup deletes the (by then empty) group itself.
	DeleteGroup(ctx context.Context, group string) error
}

// Resource describes a single cleanup target, the four-argument form of
// CleanupResources.
func Resource(name, typ, mode string) types.ResourceDescriptor {
	if mode == "" {
		mode = types.DefaultMode
	}
	return types.ResourceDescriptor{Name: name, Type: typ, Mode: mode}
}

type Failure struct {
	Resource string
	Err      error
}

// Result reports what one CleanupResources call did.
type Result struct {
	Group string
	// Attempted counts the deletions tried, including the group itself.
	Attempted int
	Deleted   int
	// Absent counts objects that were already gone.
	Absent   int
	Failures []Failure
}

// OK reports whether every targeted deletion succeeded.
func (r Result) OK() bool {
	return len(r.Failures) == 0
}

// Err joins every failure, or returns nil.
func (r Result) Err() error {
	var errs error
	for _, f := range r.Failures {
		errs = errors.Join(errs, fmt.Errorf("%w: %s: %w", ErrCleanupFailure, f.Resource, f.Err))
	}
	return errs
}

type Engine struct {
	provider Provider
}

func New(p Provider) *Engine {
	return &Engine{provider: p}
}

// CleanupResources tears down the given targets in group. Without targets
// the whole group is torn down: every resource in it, then the group.
//
// It never stops at the first failure; all targets are attempted and the
// failures are reported in the Result.
func (e *Engine) CleanupResources(ctx context.Context, group string, targets ...types.ResourceDescriptor) Result {
	ctx, span := o11y.Tracer().Start(ctx, "cleanup_resources", trace.WithAttributes(
		attribute.String(o11y.AttrResourceGroup, group),
		attribute.Int("targets", len(targets)),
	))
	defer span.End()

	ctx = log.With(ctx, o11y.AttrResourceGroup, group)
	log.Info(ctx, "cleanup_started", "targets", len(targets))

	res := Result{Group: group}
	if len(targets) == 0 {
		e.cleanupGroup(ctx, group, &res)
	} else {
		for _, t := range targets {
			if t.ResourceGroup == "" {
				t.ResourceGroup = group
			}
			e.deleteResource(ctx, t, &res)
		}
	}

	if res.OK() {
		log.Info(ctx, "cleanup_completed", "deleted", res.Deleted, "absent", res.Absent)
	} else {
		err := res.Err()
		span.RecordError(err)
		span.SetStatus(codes.Error, "cleanup failed")
		log.Error(ctx, "cleanup_completed with failures", "deleted", res.Deleted, "absent", res.Absent, "failed", len(res.Failures), "error", err)
	}
	return res
}

func (e *Engine) cleanupGroup(ctx context.Context, group string, res *Result) {
	log.Info(ctx, fmt.Sprintf("Cleaning up resource group %s", group))

	resources, err := protect(func() ([]types.ResourceDescriptor, error) {
		return e.provider.ListResources(ctx, group)
	})
	switch {
	case errors.Is(err, ErrNotFound):
		res.Attempted++
		res.Absent++
		log.Info(ctx, "resource group not found, nothing to clean up")
		return
	case err != nil:
		// Still try to delete the group; it takes its resources with it.
		res.Failures = append(res.Failures, Failure{Resource: group, Err: fmt.Errorf("listing resources: %w", err)})
		log.Warn(ctx, "unable to list resource group", "error", err)
	}

	for _, r := range resources {
		e.deleteResource(ctx, r, res)
	}

	res.Attempted++
	_, err = protect(func() (struct{}, error) {
		return struct{}{}, e.provider.DeleteGroup(ctx, group)
	})
	switch {
	case err == nil:
		res.Deleted++
		log.Info(ctx, "resource group deleted")
	case errors.Is(err, ErrNotFound):
		res.Absent++
		log.Info(ctx, "resource group already absent")
	default:
		res.Failures = append(res.Failures, Failure{Resource: group, Err: err})
		log.Error(ctx, "failed to delete resource group", "error", err)
	}
}

func (e *Engine) deleteResource(ctx context.Context, r types.ResourceDescriptor, res *Result) {
	log.Plain(ctx, fmt.Sprintf("Cleaning up resource %s", r.Name))
	ctx = log.With(ctx, o11y.AttrResourceType, r.Type, o11y.AttrMode, r.Mode)

	res.Attempted++
	_, err := protect(func() (struct{}, error) {
		return struct{}{}, e.provider.DeleteResource(ctx, r)
	})
	switch {
	case err == nil:
		res.Deleted++
		log.Debug(ctx, "resource deleted", o11y.AttrResource, r.Name)
	case errors.Is(err, ErrNotFound):
		res.Absent++
		log.Debug(ctx, "resource already absent", o11y.AttrResource, r.Name)
	default:
		res.Failures = append(res.Failures, Failure{Resource: r.Name, Err: err})
		log.Error(ctx, "failed to clean up resource", o11y.AttrResource, r.Name, "error", err)
	}
}

// protect turns a provider panic into an error.
func protect[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("provider panic: %v", p)
		}
	}()
	return fn()
}
