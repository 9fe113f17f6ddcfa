package log

import (
	"context"
	"io"
	"log/slog"

	"github.com/chainguard-dev/clog"
	charmlog "github.com/charmbracelet/log"
	slogmulti "github.com/samber/slog-multi"
)

type Options struct {
	// Console receives human readable records, usually os.Stdout.
	Console io.Writer
	Level   slog.Level
	// Streams, when set, receives every record on the trace stream.
	Streams *Streams
	// Extra handlers to fan out to, e.g. an OTLP log bridge.
	Extra []slog.Handler
}

// Setup builds the run's logger and stores it in the returned context.
func Setup(ctx context.Context, opts Options) (context.Context, *clog.Logger) {
	handlers := make([]slog.Handler, 0, 2+len(opts.Extra))
	if opts.Console != nil {
		handlers = append(handlers, charmlog.NewWithOptions(opts.Console, charmlog.Options{
			Level:           charmlog.Level(opts.Level),
			ReportTimestamp: true,
		}))
	}
	if opts.Streams != nil {
		handlers = append(handlers, NewTraceHandler(opts.Streams, opts.Level))
	}
	handlers = append(handlers, opts.Extra...)

	logger := clog.New(slogmulti.Fanout(handlers...))
	return WithLogger(ctx, logger), logger
}
