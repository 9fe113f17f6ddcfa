package log

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/chainguard-dev/clog"
)

type rootKey struct{}

// WithLogger stores l in ctx as both the current and the root logger.
func WithLogger(ctx context.Context, l *clog.Logger) context.Context {
	ctx = context.WithValue(ctx, rootKey{}, l)
	return clog.WithLogger(ctx, l)
}

func Info(ctx context.Context, msg string, args ...any) {
	log(ctx, clog.FromContext(ctx), slog.LevelInfo, msg, args...)
}

func Debug(ctx context.Context, msg string, args ...any) {
	log(ctx, clog.FromContext(ctx), slog.LevelDebug, msg, args...)
}

func Warn(ctx context.Context, msg string, args ...any) {
	log(ctx, clog.FromContext(ctx), slog.LevelWarn, msg, args...)
}

func Error(ctx context.Context, msg string, args ...any) {
	log(ctx, clog.FromContext(ctx), slog.LevelError, msg, args...)
}

// Plain logs msg at info level through the root logger, dropping whatever
// With attached along the way. Operator facing progress lines go through
// here so they read as the bare message.
func Plain(ctx context.Context, msg string) {
	l, ok := ctx.Value(rootKey{}).(*clog.Logger)
	if !ok {
		l = clog.FromContext(ctx)
	}
	log(ctx, l, slog.LevelInfo, msg)
}

// With returns a context whose logger carries args on every record. The
// root logger is left alone.
func With(ctx context.Context, args ...any) context.Context {
	logger := clog.FromContext(ctx).With(args...)
	return clog.WithLogger(ctx, logger)
}

func log(ctx context.Context, l *clog.Logger, level slog.Level, msg string, args ...any) {
	if !l.Enabled(ctx, level) {
		return
	}

	var pcs [1]uintptr
	// skip [runtime.Callers, log, the exported helper]
	runtime.Callers(3, pcs[:])

	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.Add(args...)
	_ = l.Handler().Handle(ctx, r)
}
