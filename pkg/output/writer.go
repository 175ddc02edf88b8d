package output

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer receives the events of one run. Implementations are called from
// every worker and must serialize their own output.
type Writer interface {
	WriteProgress(ctx context.Context, prog *ProgressRecord) error
	WriteRetry(ctx context.Context, retry *RetryRecord) error
	WriteSkip(ctx context.Context, skip *SkipRecord) error
	WriteFailure(ctx context.Context, failure *FailureRecord) error
	WriteError(ctx context.Context, err *ErrorRecord) error
	WriteSummary(ctx context.Context, sum *SummaryRecord) error
	Close() error
}

// JSONLWriter writes one Record per line. A line is written with a single
// held lock, so concurrent events never interleave.
type JSONLWriter struct {
	runID string
	scope string
	now   func() time.Time

	mu     sync.Mutex
	w      io.Writer
	owned  io.Closer
	closed bool
}

// NewJSONLWriter writes records for runID to w. Close does not close w.
func NewJSONLWriter(w io.Writer, runID, scope string) *JSONLWriter {
	return &JSONLWriter{w: w, runID: runID, scope: scope, now: time.Now}
}

// Create opens path for appending, creating parent directories, and
// returns a writer that closes the file on Close.
func Create(path, runID, scope string) (*JSONLWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { // #nosec G301 -- event streams are not secret
		return nil, &WriteError{Op: "create", Err: err}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) // #nosec G302 G304 -- operator-chosen path
	if err != nil {
		return nil, &WriteError{Op: "create", Err: err}
	}
	jw := NewJSONLWriter(f, runID, scope)
	jw.owned = f
	return jw, nil
}

// Discard returns a writer that drops every record.
func Discard() *JSONLWriter {
	return NewJSONLWriter(io.Discard, "", "")
}

func (jw *JSONLWriter) WriteProgress(ctx context.Context, prog *ProgressRecord) error {
	return jw.emit(ctx, TypeProgress, prog)
}

func (jw *JSONLWriter) WriteRetry(ctx context.Context, retry *RetryRecord) error {
	return jw.emit(ctx, TypeRetry, retry)
}

func (jw *JSONLWriter) WriteSkip(ctx context.Context, skip *SkipRecord) error {
	return jw.emit(ctx, TypeSkip, skip)
}

func (jw *JSONLWriter) WriteFailure(ctx context.Context, failure *FailureRecord) error {
	return jw.emit(ctx, TypeFailure, failure)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.emit(ctx, TypeError, err)
}

func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return jw.emit(ctx, TypeSummary, sum)
}

// Close stops the writer. Later writes fail with ErrWriterClosed. A file
// opened by Create is closed; a caller-supplied writer is left open.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	if jw.closed {
		return nil
	}
	jw.closed = true
	if jw.owned != nil {
		if err := jw.owned.Close(); err != nil {
			return &WriteError{Op: "close", Err: err}
		}
	}
	return nil
}

func (jw *JSONLWriter) emit(ctx context.Context, typ string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()
	if jw.closed {
		return ErrWriterClosed
	}

	line, err := json.Marshal(Record{
		Type:  typ,
		TS:    jw.now().UTC(),
		RunID: jw.runID,
		Scope: jw.scope,
		Data:  data,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}
	if err := writeFull(jw.w, append(line, '\n')); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

// writeFull loops over short writes. A write that makes no progress
// reports io.ErrShortWrite.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		switch {
		case err != nil:
			return err
		case n == 0:
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
