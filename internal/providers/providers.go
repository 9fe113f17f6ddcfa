// Package providers wires the configured backend into the pieces a run
// needs: a cleanup provider, a deployer and, where the backend has real
// resource groups, a group ensurer.
package providers

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/regiondeploy/internal/cleanup"
	"github.com/chainguard-dev/regiondeploy/internal/config"
	"github.com/chainguard-dev/regiondeploy/internal/deploy"
	"github.com/chainguard-dev/regiondeploy/internal/executor"
	"github.com/chainguard-dev/regiondeploy/internal/log"
	"github.com/chainguard-dev/regiondeploy/internal/providers/aws"
	"github.com/chainguard-dev/regiondeploy/internal/providers/azure"
	"github.com/chainguard-dev/regiondeploy/internal/providers/local"
	"k8s.io/apimachinery/pkg/util/wait"
)

type Backend struct {
	Name     string
	Cleanup  cleanup.Provider
	Deployer deploy.Deployer
	// Groups is nil when the backend has no resource group object.
	Groups executor.GroupEnsurer

	close func() error
}

// Close releases the backend, e.g. the local state file lock.
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// Executor builds the region executor of the run.
func (b *Backend) Executor(cfg *config.Config) *executor.Executor {
	opts := []executor.Option{
		executor.WithStepTimeout(cfg.StepTimeout),
		executor.WithCleanupTimeout(cfg.CleanupTimeout),
	}
	if b.Groups != nil {
		opts = append(opts, executor.WithGroupEnsurer(b.Groups))
	}
	return executor.New(b.Deployer, cleanup.New(b.Cleanup), opts...)
}

// New builds the backend selected by cfg.Provider.
func New(ctx context.Context, cfg *config.Config, runID string) (*Backend, error) {
	var step deploy.Deployer
	if cfg.Deploy.Command != "" {
		e, err := deploy.NewExec(cfg.Deploy.Command, cfg.Deploy.Env)
		if err != nil {
			return nil, err
		}
		step = e
	}

	b := &Backend{Name: cfg.Provider}
	switch cfg.Provider {
	case config.ProviderLocal:
		store, err := local.Open(cfg.Local.StatePath)
		if err != nil {
			return nil, err
		}
		b.Cleanup = store
		b.Groups = store
		b.close = store.Close
		// The command, if any, does the work. The store records it.
		if step != nil {
			step = deploy.Chain(step, store)
		} else {
			step = store
		}

	case config.ProviderAzure:
		p, err := azure.New(ctx, azure.Options{
			SubscriptionID: cfg.Azure.SubscriptionID,
			RunID:          runID,
			Tags:           cfg.Azure.Tags,
		})
		if err != nil {
			return nil, err
		}
		b.Cleanup = p
		b.Groups = p

	case config.ProviderAWS:
		locations := make(map[string]string, len(cfg.Regions))
		for _, r := range cfg.Regions {
			locations[r.ResourceGroup] = r.Location
		}
		b.Cleanup = aws.New(aws.Options{GroupTagKey: cfg.AWS.GroupTagKey, Locations: locations})

	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}

	b.Deployer = deploy.WithRetry(step, Backoff(cfg.Retry))
	log.Info(ctx, "provider ready", "provider", cfg.Provider)
	return b, nil
}

// Backoff converts the retry configuration to a wait.Backoff.
func Backoff(r config.Retry) wait.Backoff {
	return wait.Backoff{
		Duration: r.Interval,
		Factor:   r.Factor,
		Jitter:   r.Jitter,
		Steps:    r.Attempts,
	}
}
