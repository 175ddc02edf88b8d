package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gamesync/pkg/runregistry"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded ingest runs",
}

var (
	runsJob   string
	runsLimit int
	runsJSON  bool
)

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id|latest>",
	Short: "Show one run record",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd)

	runsCmd.PersistentFlags().BoolVar(&runsJSON, "json", false, "Print JSON instead of a table")
	runsListCmd.Flags().StringVar(&runsJob, "job", "", "Only runs of this job name")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum runs to list (0 = all)")
	runsShowCmd.Flags().StringVar(&runsJob, "job", "", "Job name used to resolve 'latest'")
}

func runRunsList(cmd *cobra.Command, args []string) error {
	runs, err := runStore().List(runsJob)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list runs", err)
	}
	if runsLimit > 0 && len(runs) > runsLimit {
		runs = runs[:runsLimit]
	}
	if runsJSON {
		return writeJSON(cmd, runs)
	}
	renderRuns(cmd.OutOrStdout(), runs)
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	store := runStore()

	var (
		rec *runregistry.RunRecord
		err error
	)
	if args[0] == "latest" {
		rec, err = store.Latest(runsJob)
		if err == nil && rec == nil {
			err = fmt.Errorf("no runs recorded: %w", os.ErrNotExist)
		}
	} else {
		rec, err = store.Get(args[0])
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(foundry.ExitFileNotFound, "Run not found", err)
		}
		return exitError(foundry.ExitFileReadError, "Failed to read run", err)
	}

	if runsJSON {
		return writeJSON(cmd, rec)
	}
	renderRun(cmd.OutOrStdout(), rec)
	return nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
