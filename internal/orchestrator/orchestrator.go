// Package orchestrator fans region deployments out, records each outcome
// and aggregates them into the run's overall status.
package orchestrator

import (
	"context"
	"runtime"

	"github.com/chainguard-dev/regiondeploy/internal/log"
	"github.com/chainguard-dev/regiondeploy/internal/o11y"
	"github.com/chainguard-dev/regiondeploy/internal/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Process exit codes of a run.
const (
	ExitSuccess        = 0
	ExitPartialFailure = 1
	ExitFailure        = 2
	// ExitConfiguration is used when the run never started.
	ExitConfiguration = 3
)

// RegionDeployer deploys and cleans up one region.
type RegionDeployer interface {
	DeployRegion(ctx context.Context, region *types.Region) types.Outcome
}

type Orchestrator struct {
	deployer    RegionDeployer
	streams     *log.Streams
	notifier    *log.Notifier
	parallelism int
}

type Result struct {
	Status types.OverallStatus
	// Outcomes are in the order the regions were given.
	Outcomes []types.Outcome
}

func (r Result) ExitCode() int {
	return ExitCode(r.Status)
}

func ExitCode(s types.OverallStatus) int {
	switch s {
	case types.OverallSuccess:
		return ExitSuccess
	case types.OverallPartialFailure:
		return ExitPartialFailure
	default:
		return ExitFailure
	}
}

// New returns an orchestrator running at most parallelism regions at once.
// A parallelism below 1 defaults to the number of CPUs.
func New(d RegionDeployer, streams *log.Streams, notifier *log.Notifier, parallelism int) *Orchestrator {
	if parallelism < 1 {
		parallelism = max(runtime.NumCPU(), 1)
	}
	return &Orchestrator{
		deployer:    d,
		streams:     streams,
		notifier:    notifier,
		parallelism: parallelism,
	}
}

// Run deploys every region and waits for all of them to finish before
// aggregating. Regions are independent: a failing region does not cancel
// the others. Cancelling ctx stops in-flight steps, but every region still
// runs its cleanup and yields an outcome.
func (o *Orchestrator) Run(ctx context.Context, regions []*types.Region) Result {
	ctx, span := o11y.Tracer().Start(ctx, "deploy", trace.WithAttributes(
		attribute.Int("regions", len(regions)),
		attribute.Int("parallelism", o.parallelism),
	))
	defer span.End()

	log.Info(ctx, "starting deployment",
		"regions", len(regions),
		"parallelism", o.parallelism,
		"success_log", o.logName(log.StreamSuccess),
		"failure_log", o.logName(log.StreamFailure),
		"trace_log", o.logName(log.StreamTrace),
	)

	outcomes := make([]types.Outcome, len(regions))

	var g errgroup.Group
	g.SetLimit(o.parallelism)
	for i, region := range regions {
		g.Go(func() error {
			out := o.deployer.DeployRegion(ctx, region)
			outcomes[i] = out
			o.record(ctx, out)
			return nil
		})
	}
	_ = g.Wait()

	status := types.Aggregate(outcomes)
	span.SetAttributes(attribute.String("status", string(status)))

	var succeeded int
	for _, out := range outcomes {
		if out.Succeeded() {
			succeeded++
		}
	}
	log.Info(ctx, "deployment finished", "status", status, "succeeded", succeeded, "failed", len(outcomes)-succeeded)

	if _, err := o.notifier.Notify(ctx, string(status)); err != nil {
		log.Error(ctx, "failed to send notification", "error", err)
	}

	return Result{Status: status, Outcomes: outcomes}
}

// record appends the region to the success or failure stream.
func (o *Orchestrator) record(ctx context.Context, out types.Outcome) {
	st := log.StreamFailure
	if out.Succeeded() {
		st = log.StreamSuccess
	}
	if err := o.streams.Write(st, out.Region); err != nil {
		log.Error(ctx, "failed to record outcome", o11y.AttrRegion, out.Region, "stream", st, "error", err)
		return
	}
	log.Info(ctx, "recorded outcome", o11y.AttrRegion, out.Region, "status", out.Status, "file", o.logName(st))
}

func (o *Orchestrator) logName(st log.Stream) string {
	if p := o.streams.Path(st); p != "" {
		return p
	}
	return st.FileName()
}
