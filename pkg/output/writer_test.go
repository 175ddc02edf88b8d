package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "2023-24")

	assert.NotNil(t, w)
	assert.Equal(t, "run-123", w.runID)
	assert.Equal(t, "2023-24", w.scope)
}

func decodeLine(t *testing.T, line []byte, data any) Record {
	t.Helper()
	var record Record
	require.NoError(t, json.Unmarshal(line, &record))
	if data != nil {
		require.NoError(t, json.Unmarshal(record.Data, data))
	}
	return record
}

func TestJSONLWriter_WriteRetry(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "2023-24")

	err := w.WriteRetry(context.Background(), &RetryRecord{
		ID:      "0022300001",
		Attempt: 2,
		Wait:    4 * time.Second,
		Code:    "TRANSIENT",
		Message: "status 429",
	})
	require.NoError(t, err)

	var data RetryRecord
	record := decodeLine(t, buf.Bytes(), &data)

	assert.Equal(t, TypeRetry, record.Type)
	assert.Equal(t, "run-123", record.RunID)
	assert.Equal(t, "2023-24", record.Scope)
	assert.False(t, record.TS.IsZero())
	assert.Equal(t, 2, data.Attempt)
	assert.Equal(t, 4*time.Second, data.Wait)
	assert.Equal(t, "0022300001", data.ID)
}

func TestJSONLWriter_WriteSkipAndFailure(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "2023-24")
	ctx := context.Background()

	require.NoError(t, w.WriteSkip(ctx, &SkipRecord{ID: "G1", Reason: SkipPermanent, Code: "SCHEMA"}))
	require.NoError(t, w.WriteFailure(ctx, &FailureRecord{ID: "G3", Attempts: 5, Code: "TRANSIENT", Message: "timeout"}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var skip SkipRecord
	assert.Equal(t, TypeSkip, decodeLine(t, []byte(lines[0]), &skip).Type)
	assert.Equal(t, SkipPermanent, skip.Reason)

	var failure FailureRecord
	assert.Equal(t, TypeFailure, decodeLine(t, []byte(lines[1]), &failure).Type)
	assert.Equal(t, 5, failure.Attempts)
}

func TestJSONLWriter_WriteError(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "2023-24")

	err := w.WriteError(context.Background(), &ErrorRecord{
		Code:    ErrCodeSourceUnavailable,
		Message: "enumeration failed",
	})
	require.NoError(t, err)

	var data ErrorRecord
	record := decodeLine(t, buf.Bytes(), &data)
	assert.Equal(t, TypeError, record.Type)
	assert.Equal(t, ErrCodeSourceUnavailable, data.Code)
	assert.Equal(t, "enumeration failed", data.Message)
}

func TestJSONLWriter_WriteProgress(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "2023-24")

	err := w.WriteProgress(context.Background(), &ProgressRecord{
		Phase:     "RUNNING",
		Batch:     2,
		Batches:   4,
		Pending:   200,
		Completed: 73,
		Failed:    1,
		ID:        "0022300074",
	})
	require.NoError(t, err)

	var data ProgressRecord
	record := decodeLine(t, buf.Bytes(), &data)
	assert.Equal(t, TypeProgress, record.Type)
	assert.Equal(t, "RUNNING", data.Phase)
	assert.Equal(t, int64(73), data.Completed)
	assert.Equal(t, 4, data.Batches)
}

func TestJSONLWriter_WriteSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "2023-24")

	err := w.WriteSummary(context.Background(), &SummaryRecord{
		State:         "DONE",
		Enumerated:    3,
		AlreadyDone:   1,
		Pending:       2,
		Completed:     1,
		Failed:        []string{"G3"},
		Retries:       6,
		Rows:          map[string]int{"team_games": 2},
		Duration:      90 * time.Second,
		DurationHuman: "1m30s",
	})
	require.NoError(t, err)

	var data SummaryRecord
	record := decodeLine(t, buf.Bytes(), &data)
	assert.Equal(t, TypeSummary, record.Type)
	assert.Equal(t, []string{"G3"}, data.Failed)
	assert.Equal(t, 2, data.Rows["team_games"])
	assert.Equal(t, 90*time.Second, data.Duration)
}

func TestJSONLWriter_NewlineTerminated(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "2023-24")

	require.NoError(t, w.WriteProgress(context.Background(), &ProgressRecord{Phase: "ENUMERATING"}))
	require.NoError(t, w.WriteProgress(context.Background(), &ProgressRecord{Phase: "RESUMING"}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	for _, line := range lines {
		var record Record
		assert.NoError(t, json.Unmarshal([]byte(line), &record))
	}
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "2023-24")

	require.NoError(t, w.Close())

	err := w.WriteSkip(context.Background(), &SkipRecord{ID: "G1"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "2023-24")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)

	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				_ = w.WriteRetry(context.Background(), &RetryRecord{
					ID:      "G1",
					Attempt: writerID*writesPerWriter + j,
				})
			}
		}(i)
	}

	wg.Wait()

	// Every line must be a complete JSON object.
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)

	for i, line := range lines {
		var record Record
		err := json.Unmarshal([]byte(line), &record)
		assert.NoError(t, err, "line %d should be valid JSON: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "2023-24")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteProgress(ctx, &ProgressRecord{Phase: "RUNNING"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")}, "run-123", "2023-24")

	err := w.WriteFailure(context.Background(), &FailureRecord{ID: "G3"})
	require.Error(t, err)

	var writeErr *WriteError
	assert.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
}

// failingWriter is an io.Writer that always returns an error.
type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (n int, err error) {
	return 0, f.err
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	shortWriter := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(shortWriter, "run-123", "2023-24")

	err := w.WriteRetry(context.Background(), &RetryRecord{ID: "0022300001", Attempt: 1, Code: "EMPTY_RESPONSE"})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(shortWriter.buf.String()), "\n")
	assert.Len(t, lines, 1)

	var record Record
	err = json.Unmarshal([]byte(lines[0]), &record)
	assert.NoError(t, err, "output should be valid JSON despite short writes")
	assert.Equal(t, TypeRetry, record.Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(&zeroWriteWriter{}, "run-123", "2023-24")

	err := w.WriteSkip(context.Background(), &SkipRecord{ID: "G1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

// shortWriteWriter writes at most bytesPerWrite bytes per call, returning nil error.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (n int, err error) {
	toWrite := len(p)
	if toWrite > sw.bytesPerWrite {
		toWrite = sw.bytesPerWrite
	}
	return sw.buf.Write(p[:toWrite])
}

// zeroWriteWriter always returns 0 bytes written with nil error.
type zeroWriteWriter struct{}

func (zw *zeroWriteWriter) Write(p []byte) (n int, err error) {
	return 0, nil
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestDiscard(t *testing.T) {
	w := Discard()
	assert.NoError(t, w.WriteProgress(context.Background(), &ProgressRecord{Phase: "DONE"}))
}

func TestErrorRecord_OmitEmpty(t *testing.T) {
	data, err := json.Marshal(ErrorRecord{Code: ErrCodeInternal, Message: "Something went wrong"})
	require.NoError(t, err)

	assert.NotContains(t, string(data), `"id"`)
	assert.NotContains(t, string(data), "details")
}

func TestProgressRecord_OmitEmpty(t *testing.T) {
	data, err := json.Marshal(ProgressRecord{Phase: "DONE", Completed: 2})
	require.NoError(t, err)

	assert.NotContains(t, string(data), `"id"`)
	assert.NotContains(t, string(data), "batches")
}

func BenchmarkJSONLWriter_WriteProgress(b *testing.B) {
	w := NewJSONLWriter(io.Discard, "run-123", "2023-24")
	prog := &ProgressRecord{Phase: "RUNNING", Batch: 1, Batches: 30, Pending: 1230, Completed: 10, ID: "0022300011"}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = w.WriteProgress(ctx, prog)
	}
}

func TestCreate_AppendsAndOwnsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs", "r1", "events.jsonl")
	ctx := context.Background()

	w, err := Create(path, "r1", "2023-24")
	require.NoError(t, err)
	fixed := time.Date(2024, 4, 14, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }
	require.NoError(t, w.WriteSkip(ctx, &SkipRecord{ID: "G1", Reason: SkipPermanent}))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "second close is a no-op")

	// A resumed run appends to the same stream.
	w, err = Create(path, "r1", "2023-24")
	require.NoError(t, err)
	require.NoError(t, w.WriteSummary(ctx, &SummaryRecord{State: "DONE"}))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var skip SkipRecord
	rec := decodeLine(t, []byte(lines[0]), &skip)
	assert.Equal(t, TypeSkip, rec.Type)
	assert.True(t, fixed.Equal(rec.TS))
	assert.Equal(t, "G1", skip.ID)
	assert.Equal(t, TypeSummary, decodeLine(t, []byte(lines[1]), nil).Type)
}

func TestCreate_BadPath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	_, err := Create(filepath.Join(blocker, "events.jsonl"), "r1", "")
	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, "create", werr.Op)
}
