// Package output provides the JSONL event stream for ingestion runs.
//
// Events are typed record envelopes for progress, retries, skips, failures,
// and the final summary. Each line is a self-contained JSON object that can
// be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: gamesync.<type>.v<version>
const (
	// TypeProgress identifies progress update records.
	TypeProgress = "gamesync.progress.v1"

	// TypeRetry identifies a failed attempt that will be retried.
	TypeRetry = "gamesync.retry.v1"

	// TypeSkip identifies an identifier skipped without retry.
	TypeSkip = "gamesync.skip.v1"

	// TypeFailure identifies an identifier that exhausted its retries.
	TypeFailure = "gamesync.failure.v1"

	// TypeError identifies run-level error records.
	TypeError = "gamesync.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "gamesync.summary.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field. The type field determines how to
// interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "gamesync.retry.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID is the correlation ID for this run.
	RunID string `json:"run_id"`

	// Scope is the enumeration window of the run (e.g., "2023-24").
	Scope string `json:"scope"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// ProgressRecord is the data payload for progress updates.
//
// A progress record is emitted on every state change and after each
// identifier is settled.
type ProgressRecord struct {
	// Phase is the driver state (e.g., "RUNNING").
	Phase string `json:"phase"`

	// Batch is the 1-based index of the current batch.
	Batch int `json:"batch,omitempty"`

	// Batches is the total number of batches.
	Batches int `json:"batches,omitempty"`

	// Pending is the number of identifiers to process this run.
	Pending int64 `json:"pending"`

	// Completed is the number of identifiers committed so far.
	Completed int64 `json:"completed"`

	// Failed is the number of identifiers that failed so far.
	Failed int64 `json:"failed"`

	// ID is the identifier that was just settled, if any.
	ID string `json:"id,omitempty"`
}

// RetryRecord is the data payload for a retried attempt.
type RetryRecord struct {
	ID      string        `json:"id"`
	Attempt int           `json:"attempt"`
	Wait    time.Duration `json:"wait_ns"`
	Code    string        `json:"code"`
	Message string        `json:"message"`
}

// SkipRecord is the data payload for an identifier skipped without retry.
type SkipRecord struct {
	ID      string `json:"id"`
	Reason  string `json:"reason"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Skip reasons.
const (
	// SkipPermanent indicates a non-retryable error (schema, rejected).
	SkipPermanent = "permanent_error"

	// SkipSchemaMismatch indicates rows that do not fit an existing sink.
	SkipSchemaMismatch = "schema_mismatch"
)

// FailureRecord is the data payload for an identifier that failed after
// exhausting its retries.
type FailureRecord struct {
	ID       string `json:"id"`
	Attempts int    `json:"attempts"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// ErrorRecord is the data payload for run-level errors.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// ID is the identifier related to this error, if applicable.
	ID string `json:"id,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeSourceUnavailable indicates enumeration failed.
	ErrCodeSourceUnavailable = "SOURCE_UNAVAILABLE"

	// ErrCodePersist indicates a ledger or sink write failed.
	ErrCodePersist = "PERSIST"

	// ErrCodePublish indicates sink upload failed. The run itself is done.
	ErrCodePublish = "PUBLISH"

	// ErrCodeCanceled indicates the run was interrupted.
	ErrCodeCanceled = "CANCELED"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// SummaryRecord is the data payload for final summaries.
type SummaryRecord struct {
	// State is the terminal driver state ("DONE" or "ABORTED").
	State string `json:"state"`

	// Enumerated is the number of identifiers in scope.
	Enumerated int `json:"enumerated"`

	// AlreadyDone is the number of identifiers found in the ledger at start.
	AlreadyDone int `json:"already_done"`

	// Pending is the number of identifiers scheduled this run.
	Pending int `json:"pending"`

	// Completed is the number of identifiers committed this run.
	Completed int64 `json:"completed"`

	// Failed lists identifiers that failed this run.
	Failed []string `json:"failed,omitempty"`

	// Retries is the total number of retried attempts.
	Retries int64 `json:"retries"`

	// Rows is the number of rows appended per output table.
	Rows map[string]int `json:"rows,omitempty"`

	// Deduplicated is the number of rows removed per output table.
	Deduplicated map[string]int `json:"deduplicated,omitempty"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
