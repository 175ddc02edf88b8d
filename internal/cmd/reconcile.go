package cmd

import (
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/3leaps/gamesync/internal/observability"
	"github.com/3leaps/gamesync/pkg/pipeline"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Compare sink tables against the checkpoint ledger",
	Long: `Report identifiers that are ledgered but absent from a sink table, and
identifiers present in a sink table but not ledgered.

Nothing is repaired: the ledger stays the only resume authority. Use
"gamesync ledger reset" to force a full re-ingest.

Example:
  gamesync reconcile --job team-games.yaml --scope 2023-24`,
	RunE: runReconcile,
}

var (
	reconcileJobPath string
	reconcileScope   string
	reconcileStrict  bool
	reconcileLimit   int
)

func init() {
	rootCmd.AddCommand(reconcileCmd)

	reconcileCmd.Flags().StringVarP(&reconcileJobPath, "job", "j", "", "Path to job manifest (required)")
	reconcileCmd.Flags().StringVarP(&reconcileScope, "scope", "s", "", "Scope (overrides manifest scope)")
	reconcileCmd.Flags().BoolVar(&reconcileStrict, "strict", false, "Exit nonzero when any divergence is found")
	reconcileCmd.Flags().IntVar(&reconcileLimit, "limit", 10, "Identifiers listed per divergence column (0 = all)")

	_ = reconcileCmd.MarkFlagRequired("job")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := observability.CLILogger

	j, err := loadJob(reconcileJobPath, reconcileScope)
	if err != nil {
		return err
	}
	led, err := j.openLedger(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = led.Close() }()

	divs, err := pipeline.Reconcile(ctx, led, j.sinkWriter(logger), j.outputs(), j.m.Upstream.IDColumn, logger)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Reconciliation failed", err)
	}

	dirty := 0
	tw := newTable(cmd.OutOrStdout())
	tw.AppendHeader(table.Row{"Output", "Status", "Missing from sink", "Not ledgered"})
	for _, d := range divs {
		status := "ok"
		switch {
		case d.Skipped:
			status = "skipped"
		case !d.Clean():
			status = "diverged"
			dirty++
		}
		tw.AppendRow(table.Row{d.Output, status, sample(d.MissingFromSink, reconcileLimit), sample(d.NotLedgered, reconcileLimit)})
	}
	tw.Render()

	if reconcileStrict && dirty > 0 {
		return exitError(foundry.ExitInvalidArgument, "Sinks diverge from ledger", fmt.Errorf("%d outputs diverged", dirty))
	}
	return nil
}

func sample(ids []string, limit int) string {
	if len(ids) == 0 {
		return "-"
	}
	if limit <= 0 || len(ids) <= limit {
		return strings.Join(ids, ", ")
	}
	return fmt.Sprintf("%s (+%d more)", strings.Join(ids[:limit], ", "), len(ids)-limit)
}
