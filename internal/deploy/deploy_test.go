package deploy

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chainguard-dev/regiondeploy/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"
)

var web = types.ResourceDescriptor{
	ResourceGroup: "rg-eastus",
	Name:          "web",
	Type:          "Microsoft.Web/sites",
	Mode:          "default",
}

func TestExec(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		command string
		env     map[string]string
		wanterr string
	}{
		{
			name:    "Success",
			command: `sh -c 'test "$DEPLOY_REGION" = eastus && test "$DEPLOY_RESOURCE_NAME" = web && test "$DEPLOY_RESOURCE_GROUP" = rg-eastus && test "$DEPLOY_MODE" = default'`,
		},
		{
			name:    "ExtraEnv",
			command: `sh -c 'test "$TIER" = gold'`,
			env:     map[string]string{"TIER": "gold"},
		},
		{
			name:    "Failure",
			command: `sh -c 'echo quota exceeded >&2; exit 3'`,
			wanterr: "quota exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewExec(tt.command, tt.env)
			require.NoError(t, err)

			err = d.Deploy(ctx, "eastus", web)
			if tt.wanterr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wanterr)
		})
	}
}

func TestExecCanceled(t *testing.T) {
	d, err := NewExec("sleep 30", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	require.Error(t, d.Deploy(ctx, "eastus", web))
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestNewExecErrors(t *testing.T) {
	_, err := NewExec("   ", nil)
	require.ErrorIs(t, err, ErrEmptyCommand)

	_, err = NewExec(`sh -c 'unterminated`, nil)
	require.Error(t, err)
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()
	backoff := wait.Backoff{Steps: 3, Duration: time.Millisecond, Factor: 1.0}

	t.Run("EventuallySucceeds", func(t *testing.T) {
		var calls int
		d := WithRetry(Func(func(context.Context, string, types.ResourceDescriptor) error {
			calls++
			if calls < 2 {
				return errors.New("transient")
			}
			return nil
		}), backoff)

		require.NoError(t, d.Deploy(ctx, "eastus", web))
		assert.Equal(t, 2, calls)
	})

	t.Run("ReturnsLastError", func(t *testing.T) {
		var calls int
		d := WithRetry(Func(func(context.Context, string, types.ResourceDescriptor) error {
			calls++
			return errors.New("still broken")
		}), backoff)

		err := d.Deploy(ctx, "eastus", web)
		require.ErrorContains(t, err, "still broken")
		require.True(t, strings.HasPrefix(err.Error(), "after 3 attempts"), err.Error())
		assert.Equal(t, 3, calls)
	})

	t.Run("SingleStepIsUnwrapped", func(t *testing.T) {
		var calls int
		d := WithRetry(Func(func(context.Context, string, types.ResourceDescriptor) error {
			calls++
			return errors.New("nope")
		}), wait.Backoff{Steps: 1})

		require.Error(t, d.Deploy(ctx, "eastus", web))
		assert.Equal(t, 1, calls)
	})
}

func TestChain(t *testing.T) {
	var order []string
	step := func(name string, err error) Deployer {
		return Func(func(context.Context, string, types.ResourceDescriptor) error {
			order = append(order, name)
			return err
		})
	}

	err := Chain(step("a", nil), step("b", errors.New("b failed")), step("c", nil)).Deploy(context.Background(), "eastus", web)
	require.ErrorContains(t, err, "b failed")
	assert.Equal(t, []string{"a", "b"}, order)
}
