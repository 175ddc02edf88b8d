// Package pipeline drives a resumable ingestion run.
//
// A run moves through ENUMERATING, RESUMING, then alternates RUNNING and
// COOLDOWN per batch until DONE. Fatal errors (source unavailable, persist
// failures, cancellation) end the run in ABORTED.
//
// Each identifier passes fetch, retry, merge, write and ledger mark. Workers
// fetch and merge concurrently; commits (sink appends followed by the ledger
// mark) are serialized, so with one worker identifier n is ledgered before
// identifier n+1 starts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/gamesync/pkg/ledger"
	"github.com/3leaps/gamesync/pkg/output"
	"github.com/3leaps/gamesync/pkg/publish"
	"github.com/3leaps/gamesync/pkg/record"
	"github.com/3leaps/gamesync/pkg/retry"
	"github.com/3leaps/gamesync/pkg/runregistry"
	"github.com/3leaps/gamesync/pkg/scheduler"
	"github.com/3leaps/gamesync/pkg/sink"
	"github.com/3leaps/gamesync/pkg/upstream"
)

// Phase is a driver state.
type Phase string

const (
	PhaseIdle        Phase = "IDLE"
	PhaseEnumerating Phase = "ENUMERATING"
	PhaseResuming    Phase = "RESUMING"
	PhaseRunning     Phase = "RUNNING"
	PhaseCooldown    Phase = "COOLDOWN"
	PhaseDone        Phase = "DONE"
	PhaseAborted     Phase = "ABORTED"
)

// ErrAborted wraps the fatal error of an aborted run.
var ErrAborted = errors.New("run aborted")

// Publisher uploads sink files after a completed run.
type Publisher interface {
	Publish(ctx context.Context, paths []string) ([]publish.Result, error)
}

// Config configures a run.
type Config struct {
	// Job and Scope identify the run.
	Job   string
	Scope string

	// RunID correlates events and the run record. Generated when empty.
	RunID string

	// ManifestPath and EventsPath are recorded in the run record.
	ManifestPath string
	EventsPath   string

	// IDColumn is stamped on every output row. Default: GAME_ID
	IDColumn string

	// Outputs are the sink tables produced per identifier (required).
	Outputs []Output

	// ChunkSize is the batch size (0 = one batch).
	ChunkSize int

	// Workers bounds concurrently processed identifiers. Default: 1
	Workers int

	// DedupeEvery deduplicates all sinks after every N batches. The final
	// pass at DONE always runs.
	DedupeEvery int

	// Timeout bounds each upstream call.
	Timeout time.Duration

	// Retry is the per-identifier backoff policy.
	Retry retry.Policy

	// Reconcile cross-checks sinks against the ledger while resuming.
	Reconcile bool

	// Publish uploads sink files through Deps.Publisher when the run is done.
	Publish bool
}

// Deps are the collaborators of a driver.
type Deps struct {
	Source  upstream.Source
	Fetcher upstream.Fetcher
	Ledger  ledger.Ledger
	Sink    *sink.Writer

	// Pacer gates upstream calls. Default: unlimited, no cooldown.
	Pacer *scheduler.Pacer

	// Events receives the JSONL event stream. Default: discarded.
	Events output.Writer

	// Runs persists the run record. Optional.
	Runs *runregistry.Store

	// Publisher is used when Config.Publish is set. Optional.
	Publisher Publisher

	// Metrics records Prometheus metrics. Default: unregistered.
	Metrics *Metrics

	Logger *zap.Logger
}

// Plan is the work computed by ENUMERATING and RESUMING.
type Plan struct {
	Enumerated  int
	AlreadyDone int
	Pending     []string
	Batches     [][]string
}

// Summary is the result of a run.
type Summary struct {
	RunID        string           `json:"run_id"`
	Job          string           `json:"job"`
	Scope        string           `json:"scope"`
	State        Phase            `json:"state"`
	Enumerated   int              `json:"enumerated"`
	AlreadyDone  int              `json:"already_done"`
	Pending      int              `json:"pending"`
	Completed    int64            `json:"completed"`
	Failed       []string         `json:"failed,omitempty"`
	Retries      int64            `json:"retries"`
	Rows         map[string]int   `json:"rows,omitempty"`
	Deduplicated map[string]int   `json:"deduplicated,omitempty"`
	Divergence   []Divergence     `json:"divergence,omitempty"`
	Published    []publish.Result `json:"published,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	Duration     time.Duration    `json:"duration_ns"`

	// Err is the fatal error of an aborted run.
	Err error `json:"-"`
}

// Success reports whether every pending identifier was committed.
func (s *Summary) Success() bool {
	return s.State == PhaseDone && len(s.Failed) == 0
}

// Progress is a point-in-time view of a running driver.
type Progress struct {
	RunID       string    `json:"run_id"`
	Job         string    `json:"job"`
	Scope       string    `json:"scope"`
	Phase       Phase     `json:"phase"`
	Batch       int       `json:"batch"`
	Batches     int       `json:"batches"`
	Enumerated  int       `json:"enumerated"`
	AlreadyDone int       `json:"already_done"`
	Pending     int       `json:"pending"`
	Completed   int64     `json:"completed"`
	Failed      int64     `json:"failed"`
	Retries     int64     `json:"retries"`
	StartedAt   time.Time `json:"started_at"`
}

// Driver runs one ingestion job. A Driver is single-use.
type Driver struct {
	cfg       Config
	source    upstream.Source
	fetcher   upstream.Fetcher
	ledger    ledger.Ledger
	sink      *sink.Writer
	pacer     *scheduler.Pacer
	events    output.Writer
	runs      *runregistry.Store
	publisher Publisher
	metrics   *Metrics
	logger    *zap.Logger
	secondary bool

	// commitMu serializes sink appends with the ledger mark.
	commitMu sync.Mutex

	mu      sync.Mutex
	prog    Progress
	failed  []string
	rows    map[string]int
	deduped map[string]int
	summary Summary
}

// New creates a driver.
func New(cfg Config, deps Deps) (*Driver, error) {
	switch {
	case deps.Source == nil:
		return nil, fmt.Errorf("pipeline: identifier source is required")
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("pipeline: fetcher is required")
	case deps.Ledger == nil:
		return nil, fmt.Errorf("pipeline: ledger is required")
	case deps.Sink == nil:
		return nil, fmt.Errorf("pipeline: sink writer is required")
	case len(cfg.Outputs) == 0:
		return nil, fmt.Errorf("pipeline: at least one output is required")
	}

	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.IDColumn == "" {
		cfg.IDColumn = upstream.DefaultIDColumn
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if deps.Pacer == nil {
		deps.Pacer = scheduler.NewPacer(scheduler.Config{})
	}
	if deps.Events == nil {
		deps.Events = output.Discard()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	d := &Driver{
		cfg:       cfg,
		source:    deps.Source,
		fetcher:   deps.Fetcher,
		ledger:    deps.Ledger,
		sink:      deps.Sink,
		pacer:     deps.Pacer,
		events:    deps.Events,
		runs:      deps.Runs,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With(zap.String("run_id", cfg.RunID), zap.String("scope", cfg.Scope)),
		secondary: needsSecondary(cfg.Outputs),
		rows:      map[string]int{},
		deduped:   map[string]int{},
	}
	d.prog = Progress{RunID: cfg.RunID, Job: cfg.Job, Scope: cfg.Scope, Phase: PhaseIdle}
	return d, nil
}

// RunID returns the run correlation ID.
func (d *Driver) RunID() string {
	return d.cfg.RunID
}

// Progress returns a snapshot of the run.
func (d *Driver) Progress() Progress {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.prog
}

// CheckHealth reports an error once the run has aborted.
func (d *Driver) CheckHealth(ctx context.Context) error {
	if p := d.Progress(); p.Phase == PhaseAborted {
		return fmt.Errorf("run %s aborted", p.RunID)
	}
	return nil
}

// Plan enumerates the scope and subtracts the ledger. Pending identifiers
// keep their enumeration order.
func (d *Driver) Plan(ctx context.Context) (*Plan, error) {
	d.setPhase(ctx, PhaseEnumerating, 0)
	ids, err := d.source.Enumerate(ctx, d.cfg.Scope)
	if err != nil {
		if !upstream.IsSourceUnavailable(err) && ctx.Err() == nil {
			err = &upstream.FetchError{Op: "Enumerate", ID: d.cfg.Scope, Kind: upstream.ErrSourceUnavailable, Err: err}
		}
		return nil, err
	}
	ids = upstream.Dedupe(ids)
	d.logger.Info("Enumerated identifiers", zap.Int("count", len(ids)))

	d.setPhase(ctx, PhaseResuming, 0)
	done, err := d.ledger.LoadAll(ctx)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Enumerated: len(ids)}
	for _, id := range ids {
		if _, ok := done[id]; ok {
			plan.AlreadyDone++
			continue
		}
		plan.Pending = append(plan.Pending, id)
	}
	plan.Batches = scheduler.Chunk(plan.Pending, d.cfg.ChunkSize)

	d.mu.Lock()
	d.prog.Enumerated = plan.Enumerated
	d.prog.AlreadyDone = plan.AlreadyDone
	d.prog.Pending = len(plan.Pending)
	d.prog.Batches = len(plan.Batches)
	d.mu.Unlock()
	d.metrics.pending.Set(float64(len(plan.Pending)))

	d.logger.Info("Resuming from ledger",
		zap.Int("already_done", plan.AlreadyDone),
		zap.Int("pending", len(plan.Pending)),
		zap.Int("batches", len(plan.Batches)),
	)
	return plan, nil
}

// Run executes the whole state machine.
//
// The returned error is non-nil only for an aborted run and wraps ErrAborted.
// Identifiers that failed are listed in the summary; they leave the run DONE.
func (d *Driver) Run(ctx context.Context) (*Summary, error) {
	started := time.Now().UTC()
	d.mu.Lock()
	d.prog.StartedAt = started
	d.mu.Unlock()
	d.writeRunRecord(runregistry.RunStateRunning, nil)

	plan, err := d.Plan(ctx)
	if err != nil {
		return d.finish(ctx, err)
	}
	d.summary.Enumerated = plan.Enumerated
	d.summary.AlreadyDone = plan.AlreadyDone
	d.summary.Pending = len(plan.Pending)
	d.writeRunRecord(runregistry.RunStateRunning, nil)

	if d.cfg.Reconcile {
		div, err := Reconcile(ctx, d.ledger, d.sink, d.cfg.Outputs, d.cfg.IDColumn, d.logger)
		if err != nil {
			d.logger.Warn("Reconciliation failed", zap.Error(err))
		}
		d.summary.Divergence = div
	}

	total := len(plan.Batches)
	for i, batch := range plan.Batches {
		d.setPhase(ctx, PhaseRunning, i+1)
		d.logger.Info("Starting batch", zap.Int("batch", i+1), zap.Int("batches", total), zap.Int("size", len(batch)))

		if err := d.runBatch(ctx, batch); err != nil {
			return d.finish(ctx, err)
		}
		d.metrics.batches.Inc()

		last := i == total-1
		if !last && d.cfg.DedupeEvery > 0 && (i+1)%d.cfg.DedupeEvery == 0 {
			if err := d.dedupe(ctx); err != nil {
				return d.finish(ctx, err)
			}
		}
		if last {
			break
		}

		d.setPhase(ctx, PhaseCooldown, i+1)
		d.logger.Debug("Cooling down", zap.Duration("cooldown", d.pacer.CooldownDuration()))
		if err := d.pacer.Cooldown(ctx, i, total); err != nil {
			return d.finish(ctx, err)
		}
	}

	d.setPhase(ctx, PhaseDone, total)
	if err := d.dedupe(ctx); err != nil {
		return d.finish(ctx, err)
	}
	if d.cfg.Publish && d.publisher != nil {
		d.publish(ctx)
	}
	return d.finish(ctx, nil)
}

func (d *Driver) runBatch(ctx context.Context, batch []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)
	for _, id := range batch {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return d.process(gctx, id)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// process settles one identifier. Only fatal errors are returned.
func (d *Driver) process(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	policy := d.cfg.Retry
	hook := policy.OnRetry
	policy.OnRetry = func(attempt int, wait time.Duration, err error) {
		d.onRetry(ctx, id, attempt, wait, err)
		if hook != nil {
			hook(attempt, wait, err)
		}
	}

	tables, outcome := retry.Do(ctx, policy, func(ctx context.Context, attempt int) ([]*record.Table, error) {
		return d.fetch(ctx, id)
	})
	if !outcome.OK() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if outcome.Permanent {
			d.skip(ctx, id, output.SkipPermanent, outcome.Err)
		} else {
			d.fail(ctx, id, outcome)
		}
		return nil
	}

	if err := d.commit(ctx, id, tables); err != nil {
		if sink.IsSchemaMismatch(err) {
			d.skip(ctx, id, output.SkipSchemaMismatch, err)
			return nil
		}
		return err
	}
	d.complete(ctx, id)
	return nil
}

// fetch performs one attempt: paced upstream calls, then the output tables.
func (d *Driver) fetch(ctx context.Context, id string) ([]*record.Table, error) {
	if err := d.pacer.Wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	primary, err := d.fetcher.FetchPrimary(ctx, id, d.cfg.Timeout)
	d.metrics.recordFetch("primary", time.Since(start))
	if err != nil {
		return nil, err
	}

	var secondary *record.RecordSet
	if d.secondary {
		if err := d.pacer.Wait(ctx); err != nil {
			return nil, err
		}
		start = time.Now()
		secondary, err = d.fetcher.FetchSecondary(ctx, id, d.cfg.Timeout)
		d.metrics.recordFetch("secondary", time.Since(start))
		if err != nil {
			return nil, err
		}
	}

	tables := make([]*record.Table, len(d.cfg.Outputs))
	for i, o := range d.cfg.Outputs {
		t, err := o.build(id, d.cfg.IDColumn, primary, secondary)
		if err != nil {
			return nil, err
		}
		tables[i] = t
	}
	return tables, nil
}

// commit appends every output table, then marks id done. The commit runs
// to completion even when ctx is canceled.
func (d *Driver) commit(ctx context.Context, id string, tables []*record.Table) error {
	ctx = context.WithoutCancel(ctx)

	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	for i, o := range d.cfg.Outputs {
		if err := d.sink.Append(ctx, o.Table, tables[i]); err != nil {
			return err
		}
		n := tables[i].Len()
		d.mu.Lock()
		d.rows[o.Table.Name] += n
		d.mu.Unlock()
		d.metrics.rowsAppended.WithLabelValues(o.Table.Name).Add(float64(n))
	}
	return d.ledger.MarkDone(ctx, id)
}

func (d *Driver) dedupe(ctx context.Context) error {
	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	for _, o := range d.cfg.Outputs {
		n, err := d.sink.Deduplicate(ctx, o.Table)
		if err != nil {
			return err
		}
		if n > 0 {
			d.logger.Info("Removed duplicate rows", zap.String("output", o.Table.Name), zap.Int("removed", n))
		}
		d.mu.Lock()
		d.deduped[o.Table.Name] += n
		d.mu.Unlock()
		d.metrics.deduplicated.WithLabelValues(o.Table.Name).Add(float64(n))
	}
	return nil
}

func (d *Driver) publish(ctx context.Context) {
	paths := make([]string, len(d.cfg.Outputs))
	for i, o := range d.cfg.Outputs {
		paths[i] = o.Table.Path
	}
	results, err := d.publisher.Publish(ctx, paths)
	d.summary.Published = results
	if err != nil {
		d.logger.Error("Publish failed", zap.Error(err))
		d.emit(ctx, func(ctx context.Context) error {
			return d.events.WriteError(ctx, &output.ErrorRecord{Code: output.ErrCodePublish, Message: err.Error()})
		})
	}
}

func (d *Driver) onRetry(ctx context.Context, id string, attempt int, wait time.Duration, err error) {
	d.mu.Lock()
	d.prog.Retries++
	d.mu.Unlock()
	d.metrics.retries.Inc()

	d.logger.Warn("Fetch failed, retrying",
		zap.String("id", id),
		zap.Int("attempt", attempt),
		zap.Duration("wait", wait),
		zap.Error(err),
	)
	d.emit(ctx, func(ctx context.Context) error {
		return d.events.WriteRetry(ctx, &output.RetryRecord{
			ID:      id,
			Attempt: attempt,
			Wait:    wait,
			Code:    upstream.Code(err),
			Message: err.Error(),
		})
	})
}

func (d *Driver) complete(ctx context.Context, id string) {
	d.mu.Lock()
	d.prog.Completed++
	d.mu.Unlock()
	d.metrics.recordOutcome(outcomeCompleted)
	d.logger.Debug("Identifier committed", zap.String("id", id))
	d.emitProgress(ctx, id)
}

func (d *Driver) skip(ctx context.Context, id, reason string, err error) {
	d.markFailed(id)
	d.metrics.recordOutcome(outcomeSkipped)
	d.logger.Warn("Identifier skipped", zap.String("id", id), zap.String("reason", reason), zap.Error(err))
	d.emit(ctx, func(ctx context.Context) error {
		return d.events.WriteSkip(ctx, &output.SkipRecord{
			ID:      id,
			Reason:  reason,
			Code:    failureCode(err),
			Message: err.Error(),
		})
	})
	d.emitProgress(ctx, id)
}

func (d *Driver) fail(ctx context.Context, id string, outcome retry.Outcome) {
	d.markFailed(id)
	d.metrics.recordOutcome(outcomeFailed)
	d.logger.Error("Identifier failed",
		zap.String("id", id),
		zap.Int("attempts", outcome.Attempts),
		zap.Error(outcome.Err),
	)
	d.emit(ctx, func(ctx context.Context) error {
		return d.events.WriteFailure(ctx, &output.FailureRecord{
			ID:       id,
			Attempts: outcome.Attempts,
			Code:     upstream.Code(outcome.Err),
			Message:  outcome.Err.Error(),
		})
	})
	d.emitProgress(ctx, id)
}

func (d *Driver) markFailed(id string) {
	d.mu.Lock()
	d.prog.Failed++
	d.failed = append(d.failed, id)
	d.mu.Unlock()
}

func (d *Driver) setPhase(ctx context.Context, phase Phase, batch int) {
	d.mu.Lock()
	d.prog.Phase = phase
	d.prog.Batch = batch
	d.mu.Unlock()
	d.emitProgress(ctx, "")
}

func (d *Driver) emitProgress(ctx context.Context, id string) {
	p := d.Progress()
	d.emit(ctx, func(ctx context.Context) error {
		return d.events.WriteProgress(ctx, &output.ProgressRecord{
			Phase:     string(p.Phase),
			Batch:     p.Batch,
			Batches:   p.Batches,
			Pending:   int64(p.Pending),
			Completed: p.Completed,
			Failed:    p.Failed,
			ID:        id,
		})
	})
}

// emit writes an event. Event stream failures are logged, not fatal.
func (d *Driver) emit(ctx context.Context, write func(ctx context.Context) error) {
	if err := write(context.WithoutCancel(ctx)); err != nil {
		d.logger.Debug("Event write failed", zap.Error(err))
	}
}

// finish settles the summary, run record and summary event. A non-nil err
// aborts the run.
func (d *Driver) finish(ctx context.Context, err error) (*Summary, error) {
	if err != nil {
		d.setPhase(ctx, PhaseAborted, d.Progress().Batch)
		code := errorCode(err)
		d.logger.Error("Run aborted", zap.String("code", code), zap.Error(err))
		d.emit(ctx, func(ctx context.Context) error {
			return d.events.WriteError(ctx, &output.ErrorRecord{Code: code, Message: err.Error()})
		})
	}

	p := d.Progress()
	d.mu.Lock()
	s := d.summary
	s.RunID = d.cfg.RunID
	s.Job = d.cfg.Job
	s.Scope = d.cfg.Scope
	s.State = p.Phase
	s.Completed = p.Completed
	s.Retries = p.Retries
	s.Failed = append([]string(nil), d.failed...)
	s.Rows = copyCounts(d.rows)
	s.Deduplicated = copyCounts(d.deduped)
	s.StartedAt = p.StartedAt
	s.Duration = time.Since(p.StartedAt)
	s.Err = err
	d.mu.Unlock()

	state := runregistry.RunStateSuccess
	switch {
	case err != nil:
		state = runregistry.RunStateAborted
	case len(s.Failed) > 0:
		state = runregistry.RunStatePartial
	}
	d.writeRunRecord(state, &s)

	d.emit(ctx, func(ctx context.Context) error {
		return d.events.WriteSummary(ctx, &output.SummaryRecord{
			State:         string(s.State),
			Enumerated:    s.Enumerated,
			AlreadyDone:   s.AlreadyDone,
			Pending:       s.Pending,
			Completed:     s.Completed,
			Failed:        s.Failed,
			Retries:       s.Retries,
			Rows:          s.Rows,
			Deduplicated:  s.Deduplicated,
			Duration:      s.Duration,
			DurationHuman: s.Duration.Round(time.Millisecond).String(),
		})
	})

	d.logger.Info("Run finished",
		zap.String("state", string(s.State)),
		zap.Int64("completed", s.Completed),
		zap.Int("failed", len(s.Failed)),
		zap.Int64("retries", s.Retries),
		zap.Duration("duration", s.Duration),
	)

	if err != nil {
		return &s, fmt.Errorf("%w: %w", ErrAborted, err)
	}
	return &s, nil
}

func (d *Driver) writeRunRecord(state runregistry.RunState, s *Summary) {
	if d.runs == nil {
		return
	}
	p := d.Progress()
	started := p.StartedAt
	rec := &runregistry.RunRecord{
		RunID:        d.cfg.RunID,
		Job:          d.cfg.Job,
		Scope:        d.cfg.Scope,
		State:        state,
		ManifestPath: d.cfg.ManifestPath,
		EventsPath:   d.cfg.EventsPath,
		PID:          os.Getpid(),
		CreatedAt:    started,
		StartedAt:    &started,
		Phase:        string(p.Phase),
		Enumerated:   p.Enumerated,
		AlreadyDone:  p.AlreadyDone,
		Pending:      p.Pending,
		Completed:    p.Completed,
		Retries:      p.Retries,
	}
	if s != nil {
		ended := time.Now().UTC()
		rec.EndedAt = &ended
		rec.Failed = s.Failed
		rec.Rows = s.Rows
		rec.Deduplicated = s.Deduplicated
		if s.Err != nil {
			rec.Error = s.Err.Error()
		}
	}
	if err := d.runs.Write(rec); err != nil {
		d.logger.Warn("Failed to write run record", zap.Error(err))
	}
}

func errorCode(err error) string {
	switch {
	case upstream.IsSourceUnavailable(err):
		return output.ErrCodeSourceUnavailable
	case errors.Is(err, ledger.ErrPersist), errors.Is(err, sink.ErrPersist):
		return output.ErrCodePersist
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return output.ErrCodeCanceled
	default:
		return output.ErrCodeInternal
	}
}

func failureCode(err error) string {
	if sink.IsSchemaMismatch(err) {
		return "SCHEMA_MISMATCH"
	}
	return upstream.Code(err)
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
