// Package deploy holds the deployment step primitives: the Deployer
// interface through which a single resource is provisioned, and wrappers
// around it.
package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainguard-dev/regiondeploy/internal/log"
	"github.com/chainguard-dev/regiondeploy/internal/types"
	"k8s.io/apimachinery/pkg/util/wait"
)

// Deployer provisions one resource in a region.
type Deployer interface {
	Deploy(ctx context.Context, region string, r types.ResourceDescriptor) error
}

// Func adapts a plain function to a Deployer.
type Func func(ctx context.Context, region string, r types.ResourceDescriptor) error

func (f Func) Deploy(ctx context.Context, region string, r types.ResourceDescriptor) error {
	return f(ctx, region, r)
}

// Chain runs each deployer in order and stops at the first error.
func Chain(ds ...Deployer) Deployer {
	return Func(func(ctx context.Context, region string, r types.ResourceDescriptor) error {
		for _, d := range ds {
			if err := d.Deploy(ctx, region, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// WithRetry wraps d in an exponential backoff retry loop. A backoff with at
// most one step returns d unchanged.
func WithRetry(d Deployer, backoff wait.Backoff) Deployer {
	if backoff.Steps <= 1 {
		return d
	}
	return Func(func(ctx context.Context, region string, r types.ResourceDescriptor) error {
		var (
			attempts int
			lastErr  error
		)
		err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
			attempts++
			lastErr = d.Deploy(ctx, region, r)
			if lastErr != nil {
				log.Info(ctx, fmt.Sprintf("step failed attempt [%d/%d]", attempts, backoff.Steps), "name", r.Name, "error", lastErr)
				return false, nil
			}
			if attempts > 1 {
				log.Info(ctx, fmt.Sprintf("step succeeded attempt [%d/%d]", attempts, backoff.Steps), "name", r.Name)
			}
			return true, nil
		})
		if err == nil {
			return nil
		}
		if lastErr != nil {
			return fmt.Errorf("after %d attempts: %w", attempts, errors.Join(lastErr, ctx.Err()))
		}
		return err
	})
}
