package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gamesync/internal/observability"
	"github.com/3leaps/gamesync/pkg/pipeline"
	"github.com/3leaps/gamesync/pkg/sink"
)

var dedupeCmd = &cobra.Command{
	Use:   "dedupe",
	Short: "Remove duplicate rows from sink tables",
	Long: `Rewrite sink tables keeping the first row for each composite key.

With --job, every output of the manifest is compacted using its declared
key. With --dir, every CSV matching --match is compacted using the --key
columns. Key columns resolve through the alias table (GAME_ID/GAMEID,
TEAM_ID/TEAMID, PLAYER_ID/PERSONID/PLAYERID); tables whose key cannot be
resolved are skipped with a warning.

Example:
  gamesync dedupe --job team-games.yaml --scope 2023-24
  gamesync dedupe --dir data --match "**/*.csv" --key GAME_ID --key TEAM_ID`,
	RunE: runDedupe,
}

var (
	dedupeJobPath string
	dedupeScope   string
	dedupeDir     string
	dedupeMatch   string
	dedupeKeys    []string
)

func init() {
	rootCmd.AddCommand(dedupeCmd)

	dedupeCmd.Flags().StringVarP(&dedupeJobPath, "job", "j", "", "Path to job manifest")
	dedupeCmd.Flags().StringVarP(&dedupeScope, "scope", "s", "", "Scope (overrides manifest scope)")
	dedupeCmd.Flags().StringVar(&dedupeDir, "dir", "", "Directory of CSV tables")
	dedupeCmd.Flags().StringVar(&dedupeMatch, "match", "**/*.csv", "Glob selecting tables under --dir")
	dedupeCmd.Flags().StringArrayVar(&dedupeKeys, "key", nil, "Composite key column (repeatable; with --dir)")

	dedupeCmd.MarkFlagsMutuallyExclusive("job", "dir")
	dedupeCmd.MarkFlagsOneRequired("job", "dir")
}

func runDedupe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := observability.CLILogger

	var (
		tables []sink.Table
		w      *sink.Writer
	)
	if dedupeJobPath != "" {
		j, err := loadJob(dedupeJobPath, dedupeScope)
		if err != nil {
			return err
		}
		tables = pipeline.Tables(j.outputs())
		w = j.sinkWriter(logger)
	} else {
		if len(dedupeKeys) == 0 {
			return exitError(foundry.ExitInvalidArgument, "Missing key", fmt.Errorf("--key is required with --dir"))
		}
		var err error
		tables, err = matchTables(dedupeDir, dedupeMatch, dedupeKeys)
		if err != nil {
			return err
		}
		w = sink.NewWriter(nil, nil, logger)
	}

	tw := newTable(cmd.OutOrStdout())
	tw.AppendHeader(table.Row{"Table", "Path", "Removed", "Rows"})
	for _, t := range tables {
		removed, err := w.Deduplicate(ctx, t)
		if err != nil {
			logger.Error("Dedup failed", zap.String("path", t.Path), zap.Error(err))
			return exitError(foundry.ExitFileWriteError, "Dedup failed", err)
		}
		rows, err := w.Count(ctx, t)
		if err != nil {
			rows = 0
		}
		tw.AppendRow(table.Row{t.Name, t.Path, removed, rows})
	}
	tw.Render()
	return nil
}

// matchTables finds CSV files under dir matching pattern.
func matchTables(dir, pattern string, keys []string) ([]sink.Table, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid --match pattern", fmt.Errorf("bad pattern %q", pattern))
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, exitError(foundry.ExitFileNotFound, "Cannot read --dir", err)
	}
	if !info.IsDir() {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid --dir", fmt.Errorf("%s is not a directory", dir))
	}

	matches, err := doublestar.Glob(os.DirFS(dir), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, exitError(foundry.ExitFileReadError, "Failed to list tables", err)
	}
	sort.Strings(matches)

	tables := make([]sink.Table, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, sink.Table{
			Name: m,
			Path: filepath.Join(dir, filepath.FromSlash(m)),
			Key:  append([]string(nil), keys...),
		})
	}
	return tables, nil
}
