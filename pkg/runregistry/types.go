package runregistry

import "time"

// RunState is the lifecycle state of a recorded run.
//
// NOTE: These values are persisted in run.json and are part of the stable
// on-disk contract.
type RunState string

const (
	RunStateRunning RunState = "running"
	RunStateSuccess RunState = "success"
	RunStatePartial RunState = "partial"
	RunStateAborted RunState = "aborted"
	RunStateUnknown RunState = "unknown"
)

// Terminal reports whether the state is final.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateSuccess, RunStatePartial, RunStateAborted:
		return true
	default:
		return false
	}
}

// RunRecord is the persistent record written to run.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type RunRecord struct {
	RunID        string    `json:"run_id"`
	Job          string    `json:"job"`
	Scope        string    `json:"scope"`
	State        RunState  `json:"state"`
	ManifestPath string    `json:"manifest_path,omitempty"`
	PID          int       `json:"pid,omitempty"`
	CreatedAt    time.Time `json:"created_at"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// Phase is the last driver state observed (e.g., "RUNNING").
	Phase string `json:"phase,omitempty"`

	Enumerated   int            `json:"enumerated"`
	AlreadyDone  int            `json:"already_done"`
	Pending      int            `json:"pending"`
	Completed    int64          `json:"completed"`
	Failed       []string       `json:"failed,omitempty"`
	Retries      int64          `json:"retries"`
	Rows         map[string]int `json:"rows,omitempty"`
	Deduplicated map[string]int `json:"deduplicated,omitempty"`

	// Error is the fatal error of an aborted run.
	Error string `json:"error,omitempty"`

	// EventsPath is where the JSONL event stream was written, if anywhere.
	EventsPath string `json:"events_path,omitempty"`
}
