package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gamesync/internal/observability"
	"github.com/3leaps/gamesync/pkg/pipeline"
	"github.com/3leaps/gamesync/pkg/publish"
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Upload sink tables to S3-compatible storage",
	Long: `Upload every sink table of a job to the bucket configured in the
manifest's publish section. Tables are deduplicated first unless
--no-dedupe is given.

Example:
  gamesync publish --job team-games.yaml --scope 2023-24`,
	RunE: runPublish,
}

var (
	publishJobPath  string
	publishScope    string
	publishNoDedupe bool
)

func init() {
	rootCmd.AddCommand(publishCmd)

	publishCmd.Flags().StringVarP(&publishJobPath, "job", "j", "", "Path to job manifest (required)")
	publishCmd.Flags().StringVarP(&publishScope, "scope", "s", "", "Scope (overrides manifest scope)")
	publishCmd.Flags().BoolVar(&publishNoDedupe, "no-dedupe", false, "Upload tables as they are")

	_ = publishCmd.MarkFlagRequired("job")
}

func runPublish(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := observability.CLILogger

	j, err := loadJob(publishJobPath, publishScope)
	if err != nil {
		return err
	}
	if j.m.Publish == nil {
		return exitError(foundry.ExitInvalidArgument, "Nothing to publish",
			fmt.Errorf("manifest %s has no publish section", publishJobPath))
	}

	pub, err := j.publisher(ctx, logger)
	if err != nil {
		return err
	}

	tables := pipeline.Tables(j.outputs())
	if !publishNoDedupe {
		w := j.sinkWriter(logger)
		for _, t := range tables {
			if _, err := w.Deduplicate(ctx, t); err != nil {
				return exitError(foundry.ExitFileWriteError, "Dedup failed", err)
			}
		}
	}

	paths := make([]string, 0, len(tables))
	for _, t := range tables {
		paths = append(paths, t.Path)
	}

	results, err := pub.Publish(ctx, paths)
	renderPublished(cmd, results)
	if err != nil {
		logger.Error("Publish failed", zap.Error(err))
		code := foundry.ExitExternalServiceUnavailable
		if os.IsPermission(err) {
			code = foundry.ExitFileReadError
		}
		if publish.IsAccessDenied(err) {
			return exitError(code, "Access denied", err)
		}
		return exitError(code, "Publish failed", err)
	}
	return nil
}

func renderPublished(cmd *cobra.Command, results []publish.Result) {
	if len(results) == 0 {
		return
	}
	tw := newTable(cmd.OutOrStdout())
	tw.AppendHeader(table.Row{"Path", "Key", "Bytes"})
	for _, r := range results {
		tw.AppendRow(table.Row{r.Path, r.Key, r.Bytes})
	}
	tw.Render()
}
