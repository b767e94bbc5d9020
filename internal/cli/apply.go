package cli

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/neohoods/matrixmig/internal/cli/appctx"
	"github.com/neohoods/matrixmig/internal/plan"
	"github.com/neohoods/matrixmig/internal/verify"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Run a verified batch against the destination database",
	Long: `Verifies the SQL batch, then runs it against the destination Postgres
database in one session. The batch carries its own transaction, so a
failure leaves the destination unchanged.

With --plan, every room the plan reuses must already exist in the
destination. The homeserver should be stopped while the batch runs.
Requires destination_dsn (or --dsn).`,
	RunE: appctx.WithApp(appctx.Options{NeedsDestination: true}, runApply),
}

var (
	applySQL        string
	applyPlan       string
	applySkipVerify bool
)

func init() {
	rootCmd.AddCommand(applyCmd)

	applyCmd.Flags().StringVar(&applySQL, "sql", "migration.sql", "SQL batch")
	applyCmd.Flags().StringVar(&applyPlan, "plan", "", "Plan the batch was generated from")
	applyCmd.Flags().String("dsn", "", "Destination Postgres DSN (default: destination_dsn from config)")
	applyCmd.Flags().BoolVar(&applySkipVerify, "skip-verify", false, "Apply without verifying the batch first")
}

func runApply(app *appctx.App, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	data, err := os.ReadFile(applySQL)
	if err != nil {
		return fmt.Errorf("failed to read batch: %w", err)
	}

	var p *plan.Plan
	if applyPlan != "" {
		if p, err = plan.Load(applyPlan); err != nil {
			return err
		}
	}

	if !applySkipVerify {
		report := verify.VerifyBatch(data, p)
		report.Subject = applySQL
		for _, f := range report.Warnings() {
			app.Log.Warn().Str("check", f.Check).Msg(f.Message)
		}
		if err := report.Err(); err != nil {
			return err
		}
	}

	if p != nil {
		var missing []string
		for _, m := range p.Rooms {
			if m.Provenance != plan.ProvenanceReused {
				continue
			}
			ok, err := app.Destination.RoomExists(ctx, m.NewRoomID)
			if err != nil {
				return err
			}
			if !ok {
				missing = append(missing, m.NewRoomID)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return fmt.Errorf("%d reused room(s) missing from the destination, first: %s", len(missing), missing[0])
		}
	}

	if s, err := verify.ReadSummary(data); err == nil {
		current, err := app.Destination.MaxStreamOrdering(ctx)
		if err != nil {
			return err
		}
		if current > s.StreamOrderingBase {
			app.Log.Warn().
				Int64("destination", current).
				Int64("batch_base", s.StreamOrderingBase).
				Msg("destination stream ordering is past the batch base; regenerate the batch with --dsn")
		}
	}

	app.Log.Info().Str("batch", applySQL).Msg("applying batch")
	if err := app.Destination.Apply(ctx, string(data)); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Applied %s\n", applySQL)
	return nil
}
