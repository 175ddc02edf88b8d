// Package manifest provides loading and validation of gamesync job manifests.
//
// A job manifest is a YAML or JSON file that configures an ingestion job:
// the upstream queries, the output tables and how they are merged, pacing,
// retry policy, the checkpoint ledger, sinks, and optional publishing.
//
// Manifests are validated against a JSON Schema to ensure correctness before
// execution. The schema enforces strict typing and disallows unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	job: boxscores
//	scope: "2023-24"
//	upstream:
//	  base_url: https://stats.example.com/stats
//	  enumerate:
//	    path: leaguegamelog
//	    params: {Season: "{scope}", SeasonType: "Regular Season"}
//	  primary:
//	    path: boxscoretraditionalv3
//	    params: {GameID: "{id}"}
//	  secondary:
//	    path: boxscoreadvancedv3
//	    params: {GameID: "{id}"}
//	outputs:
//	  - name: player_games
//	    index: 0
//	    key: [GAME_ID, PLAYER_ID]
//	  - name: team_games
//	    index: 1
//	    key: [GAME_ID, TEAM_ID]
//	    merge:
//	      join_key: TEAM_ID
//	      keep: [OFFENSIVE_RATING, DEFENSIVE_RATING, PACE, TS_PCT]
package manifest

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Manifest represents a validated job manifest.
//
// Required fields are Version, Job, Upstream and Outputs. Everything else is
// optional with defaults applied during loading.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Job names the job. It keys run records and default file names.
	Job string `json:"job" yaml:"job"`

	// Scope is the default enumeration window (e.g., a season "2023-24").
	// The CLI --scope flag overrides it.
	Scope string `json:"scope,omitempty" yaml:"scope,omitempty"`

	// Upstream configures the remote queries.
	Upstream UpstreamConfig `json:"upstream" yaml:"upstream"`

	// Outputs lists the sink tables produced per identifier.
	Outputs []OutputConfig `json:"outputs" yaml:"outputs"`

	// Schedule configures batching and pacing (optional).
	Schedule ScheduleConfig `json:"schedule,omitempty" yaml:"schedule,omitempty"`

	// Retry configures the backoff policy (optional).
	Retry RetryConfig `json:"retry,omitempty" yaml:"retry,omitempty"`

	// Ledger configures the checkpoint ledger (optional).
	Ledger LedgerConfig `json:"ledger,omitempty" yaml:"ledger,omitempty"`

	// Sinks configures sink placement and key resolution (optional).
	Sinks SinksConfig `json:"sinks,omitempty" yaml:"sinks,omitempty"`

	// Publish configures upload of sink tables after a run (optional).
	Publish *PublishConfig `json:"publish,omitempty" yaml:"publish,omitempty"`
}

// UpstreamConfig configures the remote statistics service.
type UpstreamConfig struct {
	// BaseURL is the service root, e.g. "https://stats.example.com/stats".
	BaseURL string `json:"base_url" yaml:"base_url"`

	// Headers are sent with every request.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Timeout bounds each upstream call. Default: "60s".
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// IDColumn is the identifier column of the enumeration table and the
	// column stamped on every output row. Default: "GAME_ID".
	IDColumn string `json:"id_column,omitempty" yaml:"id_column,omitempty"`

	// Enumerate is the bulk identifier query.
	Enumerate EndpointConfig `json:"enumerate" yaml:"enumerate"`

	// Primary is the per-identifier detail query.
	Primary EndpointConfig `json:"primary" yaml:"primary"`

	// Secondary is the per-identifier supplementary query. Optional.
	Secondary *EndpointConfig `json:"secondary,omitempty" yaml:"secondary,omitempty"`
}

// EndpointConfig describes one upstream query.
type EndpointConfig struct {
	// Path is appended to the base URL.
	Path string `json:"path" yaml:"path"`

	// Params are query parameters. Values may reference {id} and {scope}.
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`

	// Table selects a response table by name (enumeration only; outputs
	// select their own tables).
	Table string `json:"table,omitempty" yaml:"table,omitempty"`
}

// OutputConfig configures one sink table.
type OutputConfig struct {
	// Name identifies the output and its default file name (<name>.csv).
	Name string `json:"name" yaml:"name"`

	// Source is the record set the table is taken from: "primary" or
	// "secondary". Default: "primary".
	Source string `json:"source,omitempty" yaml:"source,omitempty"`

	// Table selects the source table by name. When empty, Index is used.
	Table string `json:"table,omitempty" yaml:"table,omitempty"`

	// Index selects the source table by position. Default: 0.
	Index int `json:"index,omitempty" yaml:"index,omitempty"`

	// Path overrides the sink file path. Relative paths are resolved
	// against sinks.dir; "{scope}" is substituted.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Key lists the composite key columns used for deduplication.
	Key []string `json:"key" yaml:"key"`

	// Merge left-joins columns of the secondary record set. Optional.
	Merge *MergeConfig `json:"merge,omitempty" yaml:"merge,omitempty"`
}

// MergeConfig configures a left join of the secondary record set.
type MergeConfig struct {
	// JoinKey is the column shared by both tables (e.g., "TEAM_ID").
	JoinKey string `json:"join_key" yaml:"join_key"`

	// Keep lists the secondary columns carried onto the primary rows.
	Keep []string `json:"keep" yaml:"keep"`
}

// ScheduleConfig configures batching and pacing.
type ScheduleConfig struct {
	// ChunkSize is the number of identifiers per batch (0 = one batch).
	// Default: 50.
	ChunkSize int `json:"chunk_size,omitempty" yaml:"chunk_size,omitempty"`

	// CallDelay is the minimum spacing between upstream calls.
	// Default: "1.5s".
	CallDelay string `json:"call_delay,omitempty" yaml:"call_delay,omitempty"`

	// RequestsPerSecond overrides CallDelay when set.
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty"`

	// Cooldown is the pause between batches. Default: "30s".
	Cooldown string `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`

	// Workers is the number of identifiers processed concurrently. Zero
	// leaves the choice to the --workers flag or application config, then
	// DefaultWorkers.
	Workers int `json:"workers,omitempty" yaml:"workers,omitempty"`

	// DedupeEvery runs a deduplication pass after every N batches
	// (0 = only when the run is done).
	DedupeEvery int `json:"dedupe_every,omitempty" yaml:"dedupe_every,omitempty"`
}

// RetryConfig configures the backoff policy.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts. Default: 5.
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`

	// Base is the exponential base. Default: 2.
	Base float64 `json:"base,omitempty" yaml:"base,omitempty"`

	// Unit is the backoff time unit. Default: "1s".
	Unit string `json:"unit,omitempty" yaml:"unit,omitempty"`

	// MaxWait caps a single wait. Optional.
	MaxWait string `json:"max_wait,omitempty" yaml:"max_wait,omitempty"`
}

// LedgerConfig configures the checkpoint ledger.
type LedgerConfig struct {
	// Backend is "file" or "sqlite". Default: "file".
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty"`

	// Path is the ledger location. Relative paths are resolved against
	// sinks.dir; "{scope}" is substituted.
	// Default: "processed_{scope}.txt" (file) or "ledger.db" (sqlite).
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// SinksConfig configures sink placement and key resolution.
type SinksConfig struct {
	// Dir is the directory holding sink tables. Default: "data".
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`

	// Aliases extends the built-in key alias table
	// (canonical column -> historical names).
	Aliases map[string][]string `json:"aliases,omitempty" yaml:"aliases,omitempty"`

	// Reconcile cross-checks sinks against the ledger when resuming.
	// Divergence is logged only.
	Reconcile bool `json:"reconcile,omitempty" yaml:"reconcile,omitempty"`
}

// PublishConfig configures upload of sink tables to S3-compatible storage.
type PublishConfig struct {
	// Enabled uploads after every completed run. The publish command works
	// regardless.
	Enabled bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	// Bucket is the destination bucket.
	Bucket string `json:"bucket" yaml:"bucket"`

	// Prefix is prepended to object keys; "{scope}" is substituted.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`

	// Region is the AWS region. Optional.
	Region string `json:"region,omitempty" yaml:"region,omitempty"`

	// Endpoint is a custom endpoint URL for S3-compatible storage. Optional.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// Profile is the AWS credential profile name. Optional.
	Profile string `json:"profile,omitempty" yaml:"profile,omitempty"`

	// ForcePathStyle enables path-style addressing (MinIO, localstack).
	ForcePathStyle bool `json:"force_path_style,omitempty" yaml:"force_path_style,omitempty"`
}

// Source names for OutputConfig.Source.
const (
	SourcePrimary   = "primary"
	SourceSecondary = "secondary"
)

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultTimeout bounds each upstream call.
	DefaultTimeout = "60s"

	// DefaultIDColumn is the identifier column.
	DefaultIDColumn = "GAME_ID"

	// DefaultChunkSize is the number of identifiers per batch.
	DefaultChunkSize = 50

	// DefaultCallDelay is the spacing between upstream calls.
	DefaultCallDelay = "1.5s"

	// DefaultCooldown is the pause between batches.
	DefaultCooldown = "30s"

	// DefaultWorkers is the number of concurrent identifiers.
	DefaultWorkers = 1

	// DefaultMaxAttempts is the total number of fetch attempts.
	DefaultMaxAttempts = 5

	// DefaultBase is the exponential backoff base.
	DefaultBase = 2.0

	// DefaultUnit is the backoff time unit.
	DefaultUnit = "1s"

	// DefaultLedgerBackend is the ledger backend.
	DefaultLedgerBackend = "file"

	// DefaultSinkDir is the sink directory.
	DefaultSinkDir = "data"
)

// ApplyDefaults fills in default values for optional fields.
//
// This should be called after loading and validating the manifest to ensure
// all optional fields have sensible values.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = DefaultVersion
	}

	if m.Upstream.Timeout == "" {
		m.Upstream.Timeout = DefaultTimeout
	}
	if m.Upstream.IDColumn == "" {
		m.Upstream.IDColumn = DefaultIDColumn
	}

	for i := range m.Outputs {
		if m.Outputs[i].Source == "" {
			m.Outputs[i].Source = SourcePrimary
		}
	}

	if m.Schedule.ChunkSize == 0 {
		m.Schedule.ChunkSize = DefaultChunkSize
	}
	if m.Schedule.CallDelay == "" && m.Schedule.RequestsPerSecond == 0 {
		m.Schedule.CallDelay = DefaultCallDelay
	}
	if m.Schedule.Cooldown == "" {
		m.Schedule.Cooldown = DefaultCooldown
	}

	if m.Retry.MaxAttempts == 0 {
		m.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if m.Retry.Base == 0 {
		m.Retry.Base = DefaultBase
	}
	if m.Retry.Unit == "" {
		m.Retry.Unit = DefaultUnit
	}

	if m.Ledger.Backend == "" {
		m.Ledger.Backend = DefaultLedgerBackend
	}
	if m.Ledger.Path == "" {
		if m.Ledger.Backend == "sqlite" {
			m.Ledger.Path = "ledger.db"
		} else {
			m.Ledger.Path = "processed_{scope}.txt"
		}
	}

	if m.Sinks.Dir == "" {
		m.Sinks.Dir = DefaultSinkDir
	}
}

// NeedsSecondary reports whether any output reads the secondary record set.
func (m *Manifest) NeedsSecondary() bool {
	for _, o := range m.Outputs {
		if o.Merge != nil || o.Source == SourceSecondary {
			return true
		}
	}
	return false
}

// OutputPath returns the sink file path of o for scope.
func (m *Manifest) OutputPath(o OutputConfig, scope string) string {
	p := o.Path
	if p == "" {
		p = o.Name + ".csv"
	}
	return m.resolve(p, scope)
}

// LedgerPath returns the ledger location for scope.
func (m *Manifest) LedgerPath(scope string) string {
	return m.resolve(m.Ledger.Path, scope)
}

// PublishPrefix returns the object key prefix for scope.
func (p *PublishConfig) PublishPrefix(scope string) string {
	return expand(p.Prefix, scope)
}

func (m *Manifest) resolve(p, scope string) string {
	p = expand(p, scope)
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(m.Sinks.Dir, p)
}

func expand(s, scope string) string {
	return strings.ReplaceAll(s, "{scope}", scope)
}

// Durations holds the parsed duration fields of a manifest.
type Durations struct {
	Timeout   time.Duration
	CallDelay time.Duration
	Cooldown  time.Duration
	Unit      time.Duration
	MaxWait   time.Duration
}

// ParseDurations parses every duration field. Empty fields are zero.
func (m *Manifest) ParseDurations() (Durations, error) {
	var d Durations
	fields := []struct {
		path  string
		value string
		dst   *time.Duration
	}{
		{"/upstream/timeout", m.Upstream.Timeout, &d.Timeout},
		{"/schedule/call_delay", m.Schedule.CallDelay, &d.CallDelay},
		{"/schedule/cooldown", m.Schedule.Cooldown, &d.Cooldown},
		{"/retry/unit", m.Retry.Unit, &d.Unit},
		{"/retry/max_wait", m.Retry.MaxWait, &d.MaxWait},
	}
	var errs ValidationErrors
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		v, err := time.ParseDuration(f.value)
		if err != nil {
			errs = append(errs, ValidationError{Path: f.path, Message: fmt.Sprintf("invalid duration %q", f.value)})
			continue
		}
		*f.dst = v
	}
	if len(errs) > 0 {
		return Durations{}, errs
	}
	return d, nil
}
