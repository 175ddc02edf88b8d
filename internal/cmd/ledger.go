package cmd

import (
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gamesync/internal/observability"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect or reset the checkpoint ledger",
	Long: `The checkpoint ledger records every identifier whose rows were durably
written to all sink tables. It is the only input used to decide what a
resumed run skips.`,
}

var (
	ledgerJobPath string
	ledgerScope   string
	ledgerYes     bool
)

var ledgerCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of completed identifiers",
	RunE:  runLedgerCount,
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List completed identifiers in commit order",
	RunE:  runLedgerList,
}

var ledgerResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove every entry so the next run re-ingests the whole scope",
	Long: `Remove every entry of the ledger for one scope. Sink tables are not
touched; run "gamesync dedupe" after the re-ingest to drop duplicate rows.

Example:
  gamesync ledger reset --job team-games.yaml --scope 2023-24 --yes`,
	RunE: runLedgerReset,
}

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerCountCmd, ledgerListCmd, ledgerResetCmd)

	ledgerCmd.PersistentFlags().StringVarP(&ledgerJobPath, "job", "j", "", "Path to job manifest (required)")
	ledgerCmd.PersistentFlags().StringVarP(&ledgerScope, "scope", "s", "", "Scope (overrides manifest scope)")
	ledgerResetCmd.Flags().BoolVar(&ledgerYes, "yes", false, "Confirm the reset")

	_ = ledgerCmd.MarkPersistentFlagRequired("job")
}

func runLedgerCount(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	j, err := loadJob(ledgerJobPath, ledgerScope)
	if err != nil {
		return err
	}
	led, err := j.openLedger(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = led.Close() }()

	done, err := led.LoadAll(ctx)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read ledger", err)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), len(done))
	return nil
}

func runLedgerList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	j, err := loadJob(ledgerJobPath, ledgerScope)
	if err != nil {
		return err
	}
	led, err := j.openLedger(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = led.Close() }()

	ids, err := led.IDs(ctx)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read ledger", err)
	}
	if len(ids) > 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), strings.Join(ids, "\n"))
	}
	return nil
}

func runLedgerReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if !ledgerYes {
		return exitError(foundry.ExitInvalidArgument, "Refusing to reset ledger", fmt.Errorf("pass --yes to confirm"))
	}
	j, err := loadJob(ledgerJobPath, ledgerScope)
	if err != nil {
		return err
	}
	led, err := j.openLedger(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = led.Close() }()

	if err := led.Reset(ctx); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to reset ledger", err)
	}
	observability.CLILogger.Info("Ledger reset",
		zap.String("job", j.m.Job),
		zap.String("scope", j.scope),
		zap.String("path", j.m.LedgerPath(j.scope)))
	return nil
}
