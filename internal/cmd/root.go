// Package cmd implements the gamesync command tree.
package cmd

import (
	"context"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gamesync/internal/config"
	"github.com/3leaps/gamesync/internal/observability"
)

// VersionInfo is injected by main from build flags.
type VersionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

// SetVersionInfo records build metadata for the version command and the
// status server.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var appIdentity *config.Identity

// GetAppIdentity returns the identity of the loaded configuration, or nil
// before the root command has run.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

var (
	rootVerbose  bool
	rootLogLevel string
	rootDataDir  string
)

var rootCmd = &cobra.Command{
	Use:   "gamesync",
	Short: "Resumable ingestion of per-game statistics",
	Long: `gamesync enumerates game identifiers for a scope, fetches per-game
statistics from an upstream service, merges them into CSV sink tables and
records every committed game in a checkpoint ledger so that interrupted
runs resume where they stopped.

Example:
  gamesync ingest --job team-games.yaml --scope 2023-24
  gamesync ledger count --job team-games.yaml --scope 2023-24
  gamesync dedupe --dir data --match "**/*.csv" --key GAME_ID --key TEAM_ID`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadAppConfig,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&rootVerbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&rootDataDir, "data-dir", "", "Override the application data directory")
}

func loadAppConfig(cmd *cobra.Command, args []string) error {
	overrides := map[string]any{}
	if rootLogLevel != "" {
		overrides["logging"] = map[string]any{"level": rootLogLevel}
	}
	if rootDataDir != "" {
		overrides["data_dir"] = rootDataDir
	}

	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	appIdentity = config.AppIdentity()

	name := "gamesync"
	if appIdentity != nil {
		name = appIdentity.BinaryName
	}
	observability.InitCLILogger(name, rootVerbose)
	if !rootVerbose && cfg.Logging.Level != "" {
		if !observability.SetLevel(name, cfg.Logging.Level) {
			observability.CLILogger.Warn("Unknown log level, keeping info",
				zap.String("level", cfg.Logging.Level))
		}
	}
	return nil
}

// appConfig returns the loaded configuration. Commands run after
// loadAppConfig, so it is never nil in practice.
func appConfig() *config.Config {
	if cfg := config.GetConfig(); cfg != nil {
		return cfg
	}
	cfg, err := config.Load(context.Background())
	if err != nil {
		return &config.Config{Workers: 1}
	}
	return cfg
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
