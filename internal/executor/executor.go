// Package executor deploys a single region: its steps run in order, the
// first failure halts the region, and cleanup runs on every exit path.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/regiondeploy/internal/cleanup"
	"github.com/chainguard-dev/regiondeploy/internal/deploy"
	"github.com/chainguard-dev/regiondeploy/internal/log"
	"github.com/chainguard-dev/regiondeploy/internal/o11y"
	"github.com/chainguard-dev/regiondeploy/internal/teardown"
	"github.com/chainguard-dev/regiondeploy/internal/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	stepTimeoutDefault    = 30 * time.Minute
	cleanupTimeoutDefault = 20 * time.Minute
)

// ErrStepFailure marks a deployment step that failed. It halts its region
// only.
var ErrStepFailure = errors.New("step failure")

// GroupEnsurer is implemented by providers that create resource groups
// before anything is deployed into them.
type GroupEnsurer interface {
	// EnsureGroup creates group in location unless it exists, and reports
	// whether it created it.
	EnsureGroup(ctx context.Context, group, location string) (bool, error)
}

// Cleaner is the cleanup engine as seen by the executor.
type Cleaner interface {
	CleanupResources(ctx context.Context, group string, targets ...types.ResourceDescriptor) cleanup.Result
}

type Executor struct {
	deployer       deploy.Deployer
	cleaner        Cleaner
	ensurer        GroupEnsurer
	stepTimeout    time.Duration
	cleanupTimeout time.Duration
}

type Option func(*Executor)

func WithGroupEnsurer(g GroupEnsurer) Option {
	return func(e *Executor) {
		e.ensurer = g
	}
}

func WithStepTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.stepTimeout = d
		}
	}
}

// WithCleanupTimeout bounds the whole cleanup phase of a region.
func WithCleanupTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.cleanupTimeout = d
		}
	}
}

func New(d deploy.Deployer, c Cleaner, opts ...Option) *Executor {
	e := &Executor{
		deployer:       d,
		cleaner:        c,
		stepTimeout:    stepTimeoutDefault,
		cleanupTimeout: cleanupTimeoutDefault,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DeployRegion runs the region's steps and then its cleanup. It owns region
// for the duration of the call. Every failure, including cancellation of
// ctx, is reported in the returned Outcome.
func (e *Executor) DeployRegion(ctx context.Context, region *types.Region) (out types.Outcome) {
	out = types.Outcome{Region: region.Name, Start: time.Now()}

	ctx = log.With(ctx, o11y.AttrRegion, region.Name, o11y.AttrResourceGroup, region.ResourceGroup)
	ctx, span := o11y.Tracer().Start(ctx, "deploy_region", trace.WithAttributes(
		attribute.String(o11y.AttrRegion, region.Name),
		attribute.String(o11y.AttrResourceGroup, region.ResourceGroup),
	))
	defer span.End()

	stack := teardown.New()

	// Cleanup runs however the steps end.
	defer func() {
		if p := recover(); p != nil {
			region.Status = types.StatusFailed
			out.Err = fmt.Errorf("%w: panic: %v", ErrStepFailure, p)
		}
		out.Status = region.Status

		out.CleanupErr = e.cleanup(ctx, region, stack)
		region.Status = types.StatusCleanedUp
		out.End = time.Now()

		if out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, "region deployment failed")
			log.Error(ctx, "region deployment failed", "duration", out.Duration(), "error", out.Err)
			return
		}
		log.Info(ctx, "region deployment succeeded", "duration", out.Duration())
	}()

	region.Status = types.StatusDeploying
	log.Info(ctx, "deploying region", "resources", len(region.Resources), "cleanup", region.Cleanup)

	if err := e.deploy(ctx, region, stack); err != nil {
		region.Status = types.StatusFailed
		out.Err = err
		return out
	}
	region.Status = types.StatusSucceeded
	return out
}

func (e *Executor) deploy(ctx context.Context, region *types.Region, stack *teardown.Stack) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: region not started: %w", ErrStepFailure, err)
	}

	if e.ensurer != nil {
		log.Info(ctx, "step started", o11y.AttrStep, "ensure_group", "location", region.Location)
		created, err := e.ensurer.EnsureGroup(ctx, region.ResourceGroup, region.Location)
		if err != nil {
			log.Error(ctx, "step failed", o11y.AttrStep, "ensure_group", "error", err)
			return fmt.Errorf("%w: ensuring resource group %s: %w", ErrStepFailure, region.ResourceGroup, err)
		}
		if created && region.Cleanup == types.CleanupResources {
			// Pushed first, so the group goes last.
			if err := stack.Push(func(ctx context.Context) error {
				return e.cleaner.CleanupResources(ctx, region.ResourceGroup).Err()
			}); err != nil {
				return err
			}
		}
		log.Info(ctx, "step succeeded", o11y.AttrStep, "ensure_group", "created", created)
	}

	for i, r := range region.Resources {
		ctx := log.With(ctx, o11y.AttrStep, i+1, o11y.AttrResource, r.Name)

		// Queue the teardown before deploying, a failed step may leave a
		// partially created resource behind.
		if region.Cleanup == types.CleanupResources {
			if err := stack.Push(func(ctx context.Context) error {
				return e.cleaner.CleanupResources(ctx, r.ResourceGroup, r).Err()
			}); err != nil {
				return err
			}
		}

		log.Info(ctx, "step started", o11y.AttrResourceType, r.Type, o11y.AttrMode, r.Mode)
		if err := e.runStep(ctx, region.Name, r); err != nil {
			log.Error(ctx, "step failed", "error", err)
			return fmt.Errorf("%w: deploying %s: %w", ErrStepFailure, r.Name, err)
		}
		log.Info(ctx, "step succeeded")
	}
	return nil
}

func (e *Executor) runStep(ctx context.Context, region string, r types.ResourceDescriptor) (err error) {
	ctx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("deployer panic: %v", p)
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.deployer.Deploy(ctx, region, r)
}

// cleanup tears the region down on a context detached from ctx's
// cancellation, bounded by the cleanup timeout.
func (e *Executor) cleanup(ctx context.Context, region *types.Region, stack *teardown.Stack) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cleanupTimeout)
	defer cancel()

	log.Info(ctx, "cleanup_resources", "scope", region.Cleanup, "queued", stack.Len())

	var err error
	switch region.Cleanup {
	case types.CleanupGroup:
		err = e.cleaner.CleanupResources(ctx, region.ResourceGroup).Err()
	default:
		err = stack.Destroy(ctx)
	}

	if err != nil {
		log.Warn(ctx, "region cleanup finished with failures", "error", err)
		return err
	}
	log.Info(ctx, "region cleanup finished")
	return nil
}
