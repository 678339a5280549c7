package eventlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/session-tracker/backend/internal/observability"
)

const defaultQueueSize = 1024

// ErrClosed is returned by Sync once the log has been closed.
var ErrClosed = errors.New("event log closed")

// op is one unit of work for the writer goroutine: either an entry to
// write or a flush marker to acknowledge.
type op struct {
	entry   Entry
	flushed chan struct{}
}

// Log is an append-only event log backed by a text file. Appends are
// queued and written by a single goroutine, so entries from concurrent
// callers land in the file in the order their timestamps were assigned.
type Log struct {
	path  string
	file  *os.File
	now   func() time.Time
	diag  zerolog.Logger
	queue chan op

	mu     sync.Mutex
	last   time.Time
	closed bool

	quit    chan struct{}
	stopped chan struct{}
}

// Option configures a Log.
type Option func(*Log)

// WithQueueSize bounds the number of entries waiting to be written.
func WithQueueSize(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.queue = make(chan op, n)
		}
	}
}

// WithClock overrides the time source used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// WithDiagnostics sets the logger that receives write failures.
func WithDiagnostics(logger zerolog.Logger) Option {
	return func(l *Log) {
		l.diag = logger
	}
}

// Open opens (creating if needed) the log file at path and starts the
// writer goroutine.
func Open(path string, opts ...Option) (*Log, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}

	l := &Log{
		path:    path,
		file:    f,
		now:     time.Now,
		diag:    observability.Component("eventlog"),
		queue:   make(chan op, defaultQueueSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	go l.run()
	return l, nil
}

// Path returns the location of the log file.
func (l *Log) Path() string {
	return l.path
}

// Append queues an entry for writing. It never blocks and never fails the
// caller: an unknown kind, a full queue or a closed log drops the entry and
// reports it on the diagnostics logger.
func (l *Log) Append(kind Kind, payload Payload) {
	if !kind.Valid() {
		l.diag.Warn().Str("event", string(kind)).Msg("unknown event kind, dropping entry")
		observability.RecordEventDropped()
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		l.diag.Warn().Str("event", string(kind)).Msg("event log closed, dropping entry")
		observability.RecordEventDropped()
		return
	}

	ts := l.now().UTC()
	if ts.Before(l.last) {
		ts = l.last
	}
	l.last = ts

	select {
	case l.queue <- op{entry: Entry{Timestamp: ts, Kind: kind, Payload: payload}}:
		observability.RecordEventAppended(string(kind))
	default:
		l.diag.Error().Str("event", string(kind)).Msg("event log queue full, dropping entry")
		observability.RecordEventDropped()
	}
}

// Sync blocks until every entry appended before the call has been written
// and flushed to stable storage.
func (l *Log) Sync(ctx context.Context) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}

	flushed := make(chan struct{})
	select {
	case l.queue <- op{flushed: flushed}:
	case <-l.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-flushed:
		return nil
	case <-l.stopped:
		// The writer drains the queue before stopping.
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close writes everything still queued, then closes the file. Calling
// Close more than once is a no-op.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.stopped
		return nil
	}
	l.closed = true
	close(l.quit)
	l.mu.Unlock()

	<-l.stopped
	return nil
}

// ReadAll returns every well-formed entry currently in the log file.
func (l *Log) ReadAll() []Entry {
	return ReadFile(l.path)
}

func (l *Log) run() {
	defer close(l.stopped)
	for {
		select {
		case o := <-l.queue:
			l.handle(o)
		case <-l.quit:
			for {
				select {
				case o := <-l.queue:
					l.handle(o)
				default:
					if err := l.file.Close(); err != nil {
						l.diag.Error().Err(err).Msg("closing event log")
					}
					return
				}
			}
		}
	}
}

func (l *Log) handle(o op) {
	if o.flushed != nil {
		if err := l.file.Sync(); err != nil {
			l.diag.Error().Err(err).Msg("flushing event log")
			observability.RecordWriteError()
		}
		close(o.flushed)
		return
	}

	line, err := FormatLine(o.entry)
	if err != nil {
		l.diag.Error().Err(err).Str("event", string(o.entry.Kind)).Msg("event log entry not encodable")
		observability.RecordWriteError()
		return
	}
	if _, err := l.file.WriteString(line); err != nil {
		l.diag.Error().Err(err).Str("event", string(o.entry.Kind)).Msg("writing event log")
		observability.RecordWriteError()
	}
}
