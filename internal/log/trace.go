package log

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

var _ slog.Handler = (*TraceHandler)(nil)

// TraceHandler renders every record as a single line on the trace stream:
//
//	2026-01-02T15:04:05Z INFO cleanup_started region=eastus resource_group=rg
type TraceHandler struct {
	streams *Streams
	level   slog.Leveler
	attrs   []slog.Attr
	groups  []string
}

func NewTraceHandler(streams *Streams, level slog.Leveler) *TraceHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &TraceHandler{streams: streams, level: level}
}

// Enabled implements slog.Handler.
func (h *TraceHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler.
func (h *TraceHandler) Handle(_ context.Context, record slog.Record) error {
	attrs := make([]slog.Attr, 0, len(h.attrs)+record.NumAttrs())
	attrs = append(attrs, h.attrs...)
	prefix := strings.Join(h.groups, ".")
	record.Attrs(func(a slog.Attr) bool {
		if prefix != "" {
			a.Key = prefix + "." + a.Key
		}
		attrs = append(attrs, a)
		return true
	})
	return h.streams.Write(StreamTrace, formatLine(record.Time, record.Level, record.Message, attrs))
}

// WithAttrs implements slog.Handler.
func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := strings.Join(h.groups, ".")
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		if prefix != "" {
			a.Key = prefix + "." + a.Key
		}
		merged = append(merged, a)
	}
	return &TraceHandler{
		streams: h.streams,
		level:   h.level,
		attrs:   merged,
		groups:  h.groups,
	}
}

// WithGroup implements slog.Handler.
func (h *TraceHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &TraceHandler{
		streams: h.streams,
		level:   h.level,
		attrs:   h.attrs,
		groups:  append(h.groups[:len(h.groups):len(h.groups)], name),
	}
}

func formatLine(t time.Time, level slog.Level, msg string, attrs []slog.Attr) string {
	if t.IsZero() {
		t = time.Now()
	}

	var b strings.Builder
	b.WriteString(t.UTC().Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(level.String())
	b.WriteByte(' ')
	b.WriteString(oneLine(msg))
	for _, a := range attrs {
		writeAttr(&b, "", a)
	}
	return b.String()
}

func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(b, key, ga)
		}
		return
	}

	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(quote(a.Value.String()))
}

func quote(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\n\r\"=") {
		return strconv.Quote(s)
	}
	return s
}

// oneLine keeps a multi-line message on a single trace line.
func oneLine(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return strings.NewReplacer("\r", `\r`, "\n", `\n`).Replace(s)
}

// Tracef writes a pre-formatted line to the trace stream without going
// through a logger.
func (s *Streams) Tracef(level slog.Level, format string, args ...any) error {
	return s.Write(StreamTrace, formatLine(time.Now(), level, fmt.Sprintf(format, args...), nil))
}
