package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/gamesync/pkg/ledger"
	"github.com/3leaps/gamesync/pkg/manifest"
	"github.com/3leaps/gamesync/pkg/pipeline"
	"github.com/3leaps/gamesync/pkg/publish"
	"github.com/3leaps/gamesync/pkg/retry"
	"github.com/3leaps/gamesync/pkg/runregistry"
	"github.com/3leaps/gamesync/pkg/scheduler"
	"github.com/3leaps/gamesync/pkg/sink"
	"github.com/3leaps/gamesync/pkg/upstream"
)

// job is a loaded manifest bound to one scope.
type job struct {
	path      string
	m         *manifest.Manifest
	scope     string
	durations manifest.Durations
}

// loadJob loads the manifest at path. A non-empty scope overrides the
// manifest's default scope; one of the two must be set.
func loadJob(path, scope string) (*job, error) {
	m, err := manifest.Load(path)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	if strings.TrimSpace(scope) == "" {
		scope = m.Scope
	}
	if strings.TrimSpace(scope) == "" {
		return nil, exitError(foundry.ExitInvalidArgument, "Missing scope",
			fmt.Errorf("set --scope or scope in %s", path))
	}
	d, err := m.ParseDurations()
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	return &job{path: path, m: m, scope: scope, durations: d}, nil
}

func (j *job) openLedger(ctx context.Context) (ledger.Ledger, error) {
	led, err := ledger.Open(ctx, ledger.Config{
		Backend: j.m.Ledger.Backend,
		Path:    j.m.LedgerPath(j.scope),
		Scope:   j.scope,
	})
	if err != nil {
		return nil, exitError(foundry.ExitFileReadError, "Failed to open ledger", err)
	}
	return led, nil
}

func (j *job) client() (*upstream.Client, error) {
	u := j.m.Upstream
	cfg := upstream.Config{
		BaseURL:          u.BaseURL,
		Headers:          u.Headers,
		Scope:            j.scope,
		Enumerate:        upstream.Endpoint{Path: u.Enumerate.Path, Params: u.Enumerate.Params},
		EnumerateTable:   u.Enumerate.Table,
		IDColumn:         u.IDColumn,
		Primary:          upstream.Endpoint{Path: u.Primary.Path, Params: u.Primary.Params},
		EnumerateTimeout: j.durations.Timeout,
	}
	if u.Secondary != nil {
		cfg.Secondary = upstream.Endpoint{Path: u.Secondary.Path, Params: u.Secondary.Params}
	}
	c, err := upstream.New(cfg, nil)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid upstream configuration", err)
	}
	return c, nil
}

func (j *job) outputs() []pipeline.Output {
	return pipeline.OutputsFromManifest(j.m, j.scope)
}

func (j *job) sinkWriter(logger *zap.Logger) *sink.Writer {
	return sink.NewWriter(nil, sink.DefaultAliases().With(j.m.Sinks.Aliases), logger)
}

func (j *job) pacer() *scheduler.Pacer {
	return scheduler.NewPacer(scheduler.Config{
		CallDelay:         j.durations.CallDelay,
		RequestsPerSecond: j.m.Schedule.RequestsPerSecond,
		Cooldown:          j.durations.Cooldown,
	})
}

func (j *job) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: j.m.Retry.MaxAttempts,
		Base:        j.m.Retry.Base,
		Unit:        j.durations.Unit,
		MaxWait:     j.durations.MaxWait,
	}
}

// publisher returns nil when the manifest has no publish section.
func (j *job) publisher(ctx context.Context, logger *zap.Logger) (*publish.Publisher, error) {
	p := j.m.Publish
	if p == nil {
		return nil, nil
	}
	creds := appConfig().Publish
	cfg := publish.FromManifest(p, j.scope).WithCredentials(creds.AccessKeyID, creds.SecretAccessKey)
	pub, err := publish.New(ctx, cfg, logger)
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to configure publishing", err)
	}
	return pub, nil
}

func runStore() *runregistry.Store {
	return runregistry.NewStore(appConfig().RunsDir())
}
