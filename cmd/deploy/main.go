// deploy rolls a set of resources out to many regions in parallel and
// always tears them down again, recording which regions succeeded.
//
//	deploy [-config deploy.yaml] [-log-dir .] [-parallelism N] [-regions a,b] [-debug]
//	deploy cleanup [-config deploy.yaml] <resource-group> [<name> <type> [<mode>]]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/regiondeploy/internal/cleanup"
	"github.com/chainguard-dev/regiondeploy/internal/config"
	"github.com/chainguard-dev/regiondeploy/internal/log"
	"github.com/chainguard-dev/regiondeploy/internal/o11y"
	"github.com/chainguard-dev/regiondeploy/internal/orchestrator"
	"github.com/chainguard-dev/regiondeploy/internal/providers"
	"github.com/chainguard-dev/regiondeploy/internal/types"
	"github.com/google/uuid"
)

const cleanupCommand = "cleanup"

type opts struct {
	ConfigPath  string
	LogDir      string
	Parallelism int
	Regions     string
	Debug       bool

	args []string
}

func parseFlags(name string, args []string, stderr io.Writer) (*opts, error) {
	o := &opts{}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.ConfigPath, "config", envOr(config.EnvConfig, config.DefaultPath), "Path to the deployment configuration")
	fs.BoolVar(&o.Debug, "debug", false, "Enable debug logging")
	if name != cleanupCommand {
		fs.StringVar(&o.LogDir, "log-dir", "", "Directory receiving the success, failure and trace logs")
		fs.IntVar(&o.Parallelism, "parallelism", 0, "Maximum number of regions deployed at once")
		fs.StringVar(&o.Regions, "regions", "", "Comma separated subset of the configured regions to deploy")
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	o.args = fs.Args()
	return o, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	name := types.ProgramName
	if len(args) > 0 && args[0] == cleanupCommand {
		name, args = cleanupCommand, args[1:]
	}

	o, err := parseFlags(name, args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return orchestrator.ExitSuccess
		}
		return orchestrator.ExitConfiguration
	}

	if name == cleanupCommand {
		return o.cleanup(ctx, stdout, stderr)
	}
	return o.deploy(ctx, stdout, stderr)
}

// session is what a loaded configuration gives a command: a logger wired
// to the streams and a provider backend.
type session struct {
	cfg      *config.Config
	streams  *log.Streams
	backend  *providers.Backend
	shutdown []func(context.Context) error
}

func (s *session) close(ctx context.Context) {
	// Flush exporters after the run, on a context that is not canceled.
	ctx = context.WithoutCancel(ctx)
	for _, fn := range s.shutdown {
		if err := fn(ctx); err != nil {
			log.Warn(ctx, "failed to shut down exporter", "error", err)
		}
	}
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			log.Warn(ctx, "failed to close provider", "error", err)
		}
	}
	if s.streams != nil {
		_ = s.streams.Close()
	}
}

func (o *opts) open(ctx context.Context, stdout io.Writer) (context.Context, *session, error) {
	cfg, err := config.Load(o.ConfigPath, config.Overrides{
		LogDir:      o.LogDir,
		Parallelism: o.Parallelism,
		Regions:     config.SplitList(o.Regions),
	})
	if err != nil {
		return ctx, nil, err
	}

	s := &session{cfg: cfg}
	s.streams, err = log.OpenStreams(cfg.LogDir)
	if err != nil {
		return ctx, nil, err
	}

	traceShutdown, err := o11y.SetupTracing(ctx)
	if err != nil {
		s.close(ctx)
		return ctx, nil, fmt.Errorf("setting up tracing: %w", err)
	}
	s.shutdown = append(s.shutdown, traceShutdown)

	var extra []slog.Handler
	otlp, logsShutdown, err := o11y.SetupLogs(ctx)
	if err != nil {
		s.close(ctx)
		return ctx, nil, fmt.Errorf("setting up log export: %w", err)
	}
	s.shutdown = append(s.shutdown, logsShutdown)
	if otlp != nil {
		extra = append(extra, otlp)
	}

	level := slog.LevelInfo
	if o.Debug {
		level = slog.LevelDebug
	}
	ctx, _ = log.Setup(ctx, log.Options{
		Console: stdout,
		Level:   level,
		Streams: s.streams,
		Extra:   extra,
	})

	runID := uuid.NewString()
	ctx = log.With(ctx, o11y.AttrRunID, runID, o11y.AttrProvider, cfg.Provider)

	s.backend, err = providers.New(ctx, cfg, runID)
	if err != nil {
		s.close(ctx)
		return ctx, nil, fmt.Errorf("setting up provider %s: %w", cfg.Provider, err)
	}
	return ctx, s, nil
}

func (o *opts) deploy(ctx context.Context, stdout, stderr io.Writer) int {
	ctx, s, err := o.open(ctx, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", types.ProgramName, err)
		// The run never started, but the status line is still owed.
		_, _ = log.NewNotifier(stdout, nil).Notify(ctx, string(types.OverallFailure))
		return orchestrator.ExitConfiguration
	}
	defer s.close(ctx)

	orch := orchestrator.New(
		s.backend.Executor(s.cfg),
		s.streams,
		log.NewNotifier(stdout, s.streams),
		s.cfg.Parallelism,
	)
	return orch.Run(ctx, s.cfg.BuildRegions()).ExitCode()
}

func (o *opts) cleanup(ctx context.Context, stdout, stderr io.Writer) int {
	var targets []types.ResourceDescriptor
	switch len(o.args) {
	case 1:
	case 3, 4:
		mode := ""
		if len(o.args) == 4 {
			mode = o.args[3]
		}
		targets = append(targets, cleanup.Resource(o.args[1], o.args[2], mode))
	default:
		fmt.Fprintf(stderr, "usage: %s %s [-config path] <resource-group> [<name> <type> [<mode>]]\n", types.ProgramName, cleanupCommand)
		return orchestrator.ExitConfiguration
	}

	ctx, s, err := o.open(ctx, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", types.ProgramName, err)
		return orchestrator.ExitConfiguration
	}
	defer s.close(ctx)

	res := cleanup.New(s.backend.Cleanup).CleanupResources(ctx, o.args[0], targets...)
	if !res.OK() {
		return orchestrator.ExitFailure
	}
	return orchestrator.ExitSuccess
}
