package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/chainguard-dev/regiondeploy/internal/types"
)

// StatusPhrase prefixes the final status notification of a run.
const StatusPhrase = "Deployment status"

// Notifier emits the final status line of a run. Only the first Notify call
// has any effect.
type Notifier struct {
	once    sync.Once
	w       io.Writer
	streams *Streams
}

func NewNotifier(w io.Writer, streams *Streams) *Notifier {
	return &Notifier{w: w, streams: streams}
}

// Notify writes "Deployment status: <status>" to the notifier's writer and
// to the trace stream. It reports whether this call emitted the line.
func (n *Notifier) Notify(ctx context.Context, status string) (bool, error) {
	var (
		sent bool
		err  error
	)
	n.once.Do(func() {
		sent = true
		line := fmt.Sprintf("%s: %s", StatusPhrase, status)
		if n.w != nil {
			if _, werr := fmt.Fprintln(n.w, line); werr != nil {
				err = fmt.Errorf("writing notification: %w", werr)
			}
		}
		if n.streams != nil {
			level := slog.LevelInfo
			if status != string(types.OverallSuccess) {
				level = slog.LevelError
			}
			if terr := n.streams.Tracef(level, "%s", line); terr != nil && err == nil {
				err = terr
			}
		}
		Debug(ctx, "notification sent", "status", status)
	})
	return sent, err
}
