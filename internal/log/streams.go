package log

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Stream selects one of the run's append-only log files.
type Stream int

const (
	StreamSuccess Stream = iota
	StreamFailure
	StreamTrace

	numStreams
)

const (
	SuccessFile = "success_regions.log"
	FailureFile = "failed_regions.log"
	TraceFile   = "deployment.log"
)

const (
	fileModeRW  = 0o644
	fileModeRWX = 0o755
	fileFlags   = os.O_APPEND | os.O_CREATE | os.O_WRONLY
)

func (s Stream) String() string {
	switch s {
	case StreamSuccess:
		return "success"
	case StreamFailure:
		return "failure"
	case StreamTrace:
		return "trace"
	default:
		return fmt.Sprintf("stream(%d)", int(s))
	}
}

// FileName is the name of the file backing the stream.
func (s Stream) FileName() string {
	switch s {
	case StreamSuccess:
		return SuccessFile
	case StreamFailure:
		return FailureFile
	case StreamTrace:
		return TraceFile
	default:
		return ""
	}
}

var ErrUnknownStream = errors.New("unknown log stream")

type stream struct {
	mu   sync.Mutex
	w    io.Writer
	path string
}

// Streams holds the three log files of a run. Every Write appends one whole
// line under the stream's own lock, so concurrent writers never interleave
// partial records.
type Streams struct {
	streams [numStreams]*stream
	closers []io.Closer
}

// OpenStreams opens (creating if needed) the three log files in dir in
// append mode.
func OpenStreams(dir string) (*Streams, error) {
	if err := os.MkdirAll(dir, fileModeRWX); err != nil {
		return nil, fmt.Errorf("creating log directory %s: %w", dir, err)
	}

	s := &Streams{}
	for i := range numStreams {
		path := filepath.Join(dir, i.FileName())
		f, err := os.OpenFile(path, fileFlags, fileModeRW)
		if err != nil {
			return nil, errors.Join(
				fmt.Errorf("opening %s log %s: %w", i, path, err),
				s.Close(),
			)
		}
		s.streams[i] = &stream{w: f, path: path}
		s.closers = append(s.closers, f)
	}
	return s, nil
}

// NewStreams wraps existing writers, mostly for tests. The writers are not
// closed by Close.
func NewStreams(success, failure, trace io.Writer) *Streams {
	return &Streams{
		streams: [numStreams]*stream{
			StreamSuccess: {w: success},
			StreamFailure: {w: failure},
			StreamTrace:   {w: trace},
		},
	}
}

// Write appends line to the stream, adding the trailing newline if missing.
func (s *Streams) Write(st Stream, line string) error {
	if st < 0 || st >= numStreams || s.streams[st] == nil {
		return fmt.Errorf("%w: %s", ErrUnknownStream, st)
	}
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}

	str := s.streams[st]
	str.mu.Lock()
	defer str.mu.Unlock()
	if _, err := io.WriteString(str.w, line); err != nil {
		return fmt.Errorf("writing %s log: %w", st, err)
	}
	return nil
}

// Path returns the file backing the stream, or "" for wrapped writers.
func (s *Streams) Path(st Stream) string {
	if st < 0 || st >= numStreams || s.streams[st] == nil {
		return ""
	}
	return s.streams[st].path
}

func (s *Streams) Close() error {
	var errs error
	for _, c := range s.closers {
		errs = errors.Join(errs, c.Close())
	}
	s.closers = nil
	return errs
}
