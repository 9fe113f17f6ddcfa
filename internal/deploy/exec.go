package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/chainguard-dev/regiondeploy/internal/log"
	"github.com/chainguard-dev/regiondeploy/internal/types"
	"github.com/kballard/go-shellquote"
)

// Environment passed to the deploy command.
const (
	EnvRegion        = "DEPLOY_REGION"
	EnvResourceGroup = "DEPLOY_RESOURCE_GROUP"
	EnvResourceName  = "DEPLOY_RESOURCE_NAME"
	EnvResourceType  = "DEPLOY_RESOURCE_TYPE"
	EnvMode          = "DEPLOY_MODE"
)

// LogAttributeKey is the key where the deploy command's output is
// surfaced.
const LogAttributeKey = "command_output"

// killGrace is how long a canceled command gets after SIGKILL to release
// its pipes.
const killGrace = 5 * time.Second

var ErrEmptyCommand = errors.New("empty deploy command")

var _ Deployer = (*Exec)(nil)

// Exec deploys a resource by running an external command, e.g. a script
// wrapping the cloud CLI. The resource is described in DEPLOY_*
// environment variables.
type Exec struct {
	argv []string
	env  map[string]string
}

func NewExec(command string, env map[string]string) (*Exec, error) {
	argv, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parsing deploy command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}
	return &Exec{argv: argv, env: env}, nil
}

func (e *Exec) Deploy(ctx context.Context, region string, r types.ResourceDescriptor) error {
	var bufout, buferr bytes.Buffer

	cmd := exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)
	cmd.Stdout = &bufout
	cmd.Stderr = &buferr
	cmd.WaitDelay = killGrace

	cmd.Env = os.Environ()
	for k, v := range e.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env,
		EnvRegion+"="+region,
		EnvResourceGroup+"="+r.ResourceGroup,
		EnvResourceName+"="+r.Name,
		EnvResourceType+"="+r.Type,
		EnvMode+"="+r.Mode,
	)

	err := cmd.Run()
	if out := strings.TrimSpace(bufout.String()); out != "" {
		log.Debug(ctx, "deploy command output", LogAttributeKey, out)
	}
	if err != nil {
		return fmt.Errorf("running command: %w\n\n%v\n%v", err, cmd.String(), strings.TrimSpace(buferr.String()))
	}
	return nil
}
