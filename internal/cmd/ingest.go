package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gamesync/internal/observability"
	"github.com/3leaps/gamesync/internal/server"
	"github.com/3leaps/gamesync/internal/server/handlers"
	"github.com/3leaps/gamesync/pkg/ledger"
	"github.com/3leaps/gamesync/pkg/manifest"
	"github.com/3leaps/gamesync/pkg/output"
	"github.com/3leaps/gamesync/pkg/pipeline"
	"github.com/3leaps/gamesync/pkg/runregistry"
	"github.com/3leaps/gamesync/pkg/sink"
	"github.com/3leaps/gamesync/pkg/upstream"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest every game of a scope",
	Long: `Enumerate the identifiers of a scope, skip those already in the
checkpoint ledger, and fetch, merge and append the rest to the sink tables
declared in the job manifest.

Interrupted runs resume from the ledger: re-running the same command only
fetches identifiers that were not committed.

Example:
  gamesync ingest --job team-games.yaml --scope 2023-24
  gamesync ingest --job team-games.yaml --workers 4 --status-addr :8089
  gamesync ingest --job team-games.yaml --ids-file missing.txt
  gamesync ingest --job team-games.yaml --dry-run`,
	RunE: runIngest,
}

var (
	ingestJobPath    string
	ingestScope      string
	ingestWorkers    int
	ingestDryRun     bool
	ingestStatusAddr string
	ingestEvents     string
	ingestIDsFile    string
	ingestReconcile  bool
	ingestNoPublish  bool
)

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().StringVarP(&ingestJobPath, "job", "j", "", "Path to job manifest (required)")
	ingestCmd.Flags().StringVarP(&ingestScope, "scope", "s", "", "Scope to ingest (overrides manifest scope)")
	ingestCmd.Flags().IntVarP(&ingestWorkers, "workers", "w", 0, "Identifiers processed concurrently (overrides manifest and config)")
	ingestCmd.Flags().BoolVar(&ingestDryRun, "dry-run", false, "Enumerate and show the plan without fetching")
	ingestCmd.Flags().StringVar(&ingestStatusAddr, "status-addr", "", "Serve /health, /progress and /metrics on this address (e.g. :8089)")
	ingestCmd.Flags().StringVar(&ingestEvents, "events", "", "Write the JSONL event stream here ('-' for stdout; default: run directory)")
	ingestCmd.Flags().StringVar(&ingestIDsFile, "ids-file", "", "Read identifiers from a file instead of the enumeration endpoint")
	ingestCmd.Flags().BoolVar(&ingestReconcile, "reconcile", false, "Cross-check sinks against the ledger before fetching")
	ingestCmd.Flags().BoolVar(&ingestNoPublish, "no-publish", false, "Skip publishing even when the manifest enables it")

	_ = ingestCmd.MarkFlagRequired("job")
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := observability.CLILogger
	cfg := appConfig()

	j, err := loadJob(ingestJobPath, ingestScope)
	if err != nil {
		logger.Error("Failed to load job", zap.String("path", ingestJobPath), zap.Error(err))
		return err
	}

	client, err := j.client()
	if err != nil {
		return err
	}
	var source upstream.Source = client
	if ingestIDsFile != "" {
		source = upstream.FileSource{Path: ingestIDsFile}
	}

	led, err := j.openLedger(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = led.Close() }()

	runID := uuid.NewString()
	runs := runStore()

	events, eventsPath, closeEvents, err := openEvents(ingestEvents, runs, runID, j.scope)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open event stream", err)
	}
	defer closeEvents()

	reg := prometheus.NewRegistry()
	var metrics *pipeline.Metrics
	if cfg.Metrics.Enabled {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = pipeline.NewMetrics(reg)
	}

	pcfg := pipeline.Config{
		Job:          j.m.Job,
		Scope:        j.scope,
		RunID:        runID,
		ManifestPath: absPath(j.path),
		EventsPath:   eventsPath,
		IDColumn:     j.m.Upstream.IDColumn,
		Outputs:      j.outputs(),
		ChunkSize:    j.m.Schedule.ChunkSize,
		Workers:      resolveWorkers(cmd, j.m, cfg.Workers),
		DedupeEvery:  j.m.Schedule.DedupeEvery,
		Timeout:      j.durations.Timeout,
		Retry:        j.retryPolicy(),
		Reconcile:    ingestReconcile || j.m.Sinks.Reconcile,
	}
	deps := pipeline.Deps{
		Source:  source,
		Fetcher: client,
		Ledger:  led,
		Sink:    j.sinkWriter(logger),
		Pacer:   j.pacer(),
		Events:  events,
		Metrics: metrics,
		Logger:  logger,
	}
	if !ingestDryRun {
		deps.Runs = runs
	}

	if j.m.Publish != nil && j.m.Publish.Enabled && !ingestNoPublish && !ingestDryRun {
		pub, err := j.publisher(ctx, logger)
		if err != nil {
			return err
		}
		deps.Publisher = pub
		pcfg.Publish = true
	}

	d, err := pipeline.New(pcfg, deps)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid pipeline configuration", err)
	}

	if ingestDryRun {
		plan, err := d.Plan(ctx)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Enumeration failed", err)
		}
		renderPlan(cmd.OutOrStdout(), j, plan)
		return nil
	}

	if ingestStatusAddr != "" {
		srv, err := startStatusServer(ingestStatusAddr, d, reg, logger)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Failed to start status server", err)
		}
		defer func() {
			if err := srv.Shutdown(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("Status server shutdown failed", zap.Error(err))
			}
		}()
	}

	logger.Info("Starting ingest",
		zap.String("run_id", runID),
		zap.String("job", j.m.Job),
		zap.String("scope", j.scope),
		zap.Int("workers", pcfg.Workers))

	summary, runErr := d.Run(ctx)
	if summary != nil {
		renderSummary(cmd.OutOrStdout(), summary)
	}
	return ingestExit(ctx, summary, runErr)
}

// ingestExit maps the outcome of a run to an exit code.
func ingestExit(ctx context.Context, summary *pipeline.Summary, err error) error {
	if err != nil {
		switch {
		case ctx.Err() != nil || errors.Is(err, context.Canceled):
			return exitError(foundry.ExitSignalInt, "Ingest interrupted", err)
		case errors.Is(err, ledger.ErrPersist), errors.Is(err, sink.ErrPersist):
			return exitError(foundry.ExitFileWriteError, "Ingest aborted", err)
		default:
			return exitError(foundry.ExitExternalServiceUnavailable, "Ingest aborted", err)
		}
	}
	if summary != nil && !summary.Success() {
		return exitError(foundry.ExitExternalServiceUnavailable, "Ingest incomplete",
			fmt.Errorf("%d identifiers failed", len(summary.Failed)))
	}
	return nil
}

// resolveWorkers picks the worker count: flag, then any manifest value,
// then application config.
func resolveWorkers(cmd *cobra.Command, m *manifest.Manifest, configured int) int {
	if cmd.Flags().Changed("workers") && ingestWorkers > 0 {
		return ingestWorkers
	}
	if m.Schedule.Workers > 0 {
		return m.Schedule.Workers
	}
	if configured > 0 {
		return configured
	}
	return manifest.DefaultWorkers
}

// openEvents opens the JSONL event stream. An empty dest writes
// events.jsonl in the run directory.
func openEvents(dest string, runs *runregistry.Store, runID, scope string) (output.Writer, string, func(), error) {
	if dest == "-" {
		w := output.NewJSONLWriter(os.Stdout, runID, scope)
		return w, "", func() { _ = w.Close() }, nil
	}

	path := dest
	if path == "" {
		path = filepath.Join(runs.RunDir(runID), "events.jsonl")
	}
	w, err := output.Create(path, runID, scope)
	if err != nil {
		return nil, "", nil, err
	}
	return w, absPath(path), func() { _ = w.Close() }, nil
}

func startStatusServer(addr string, d *pipeline.Driver, reg *prometheus.Registry, logger *zap.Logger) (*server.Server, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid --status-addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid --status-addr port %q: %w", portStr, err)
	}

	health := handlers.InitHealthManager(versionInfo.Version)
	health.RegisterChecker("run", d)
	runsDir := appConfig().RunsDir()
	health.RegisterChecker("runs_dir", handlers.CheckFunc(func(context.Context) error {
		return checkWritableDir(runsDir)
	}))

	sc := appConfig().Server
	srv := server.New(host, port,
		server.WithProgress(d),
		server.WithMetrics(reg),
		server.WithVersion(handlers.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}),
		server.WithTimeouts(server.Timeouts{
			Read:     sc.ReadTimeout,
			Write:    sc.WriteTimeout,
			Idle:     sc.IdleTimeout,
			Shutdown: sc.ShutdownTimeout,
		}),
		server.WithLogger(logger),
	)
	if err := srv.Start(); err != nil {
		return nil, err
	}
	return srv, nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
