package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/neohoods/matrixmig/internal/cli/appctx"
	"github.com/neohoods/matrixmig/internal/pipeline"
	"github.com/neohoods/matrixmig/internal/plan"
	"github.com/neohoods/matrixmig/internal/verify"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Decide the destination identifier of every room, user and event",
	Long: `Matches the dump's non-encrypted rooms against the destination catalog by
normalized name. A matching room is reused; any other room gets a freshly
minted id and will be created. Every user and event gets its new id.

Pass --cache with a previous plan to keep its minted ids stable.

Examples:
  matrixmig plan --dump synapse.sql --catalog existing-rooms.json --out plan.json
  matrixmig plan --dump synapse.sql --catalog existing-rooms.json --cache plan.json --out plan2.json
`,
	Args: cobra.NoArgs,
	RunE: appctx.WithApp(appctx.Options{}, runPlan),
}

var planDiffCmd = &cobra.Command{
	Use:   "diff <A> <B>",
	Short: "Compare the decisions of two plans",
	Long: `Prints a unified diff of the room decisions of two plan files, ignoring
freshly minted ids. Exits non-zero when the decisions differ.`,
	Args: cobra.ExactArgs(2),
	RunE: runPlanDiff,
}

var (
	planDump    string
	planCatalog string
	planCache   string
	planOut     string
)

func init() {
	rootCmd.AddCommand(planCmd)
	planCmd.AddCommand(planDiffCmd)

	planCmd.Flags().StringVar(&planDump, "dump", "", "Dump file or s3:// location (required)")
	planCmd.Flags().StringVar(&planCatalog, "catalog", "", "Catalog written by fetch-rooms (required)")
	planCmd.Flags().StringVar(&planCache, "cache", "", "Previous plan whose minted ids are reused")
	planCmd.Flags().StringVar(&planOut, "out", "migration-plan.json", "Plan file to write")
}

func runPlan(app *appctx.App, cmd *cobra.Command, args []string) error {
	if err := app.Config.Require("old_server", "new_server"); err != nil {
		return err
	}
	if planCatalog == "" {
		return fmt.Errorf("--catalog is required")
	}
	cat, err := plan.LoadCatalog(planCatalog)
	if err != nil {
		return err
	}
	if cat.SpaceID == "" {
		cat.SpaceID = app.Config.SpaceID
	}
	if app.Config.SpaceID != "" && cat.SpaceID != app.Config.SpaceID {
		return fmt.Errorf("catalog is for space %s but space_id is %s", cat.SpaceID, app.Config.SpaceID)
	}

	var cache *plan.Plan
	if planCache != "" {
		if cache, err = plan.Load(planCache); err != nil {
			return err
		}
	}

	path, cleanup, err := fetchDump(app, cmd, planDump)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := pipeline.Options{Workers: app.Config.Workers, Logger: app.Log}
	src, err := pipeline.Load(cmd.Context(), path, opts)
	if err != nil {
		return err
	}
	p, err := pipeline.Resolve(cmd.Context(), src, cat, plan.Options{
		OldServer: app.Config.OldServer,
		NewServer: app.Config.NewServer,
		Cache:     cache,
	}, opts)
	if err != nil {
		return err
	}

	report := verify.VerifyPlan(p)
	for _, f := range report.Findings {
		app.Log.Warn().Str("check", f.Check).Msg(f.Message)
	}
	if err := report.Err(); err != nil {
		return err
	}
	if err := plan.Save(planOut, p); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	s := p.Statistics
	fmt.Fprintf(out, "Rooms:   %d (%d reused, %d new, %d unnamed, %d encrypted skipped)\n",
		s.TotalRooms, s.ReusedRooms, s.NewRooms, s.UnnamedRooms, s.EncryptedRooms)
	fmt.Fprintf(out, "Users:   %d\n", s.TotalUsers)
	fmt.Fprintf(out, "Events:  %d (%d ids from cache)\n", s.TotalEvents, s.CachedIDs)
	fmt.Fprintf(out, "Plan %s written to %s\n", p.Meta.PlanRev, planOut)
	return nil
}

func runPlanDiff(cmd *cobra.Command, args []string) error {
	a, err := plan.Load(args[0])
	if err != nil {
		return err
	}
	b, err := plan.Load(args[1])
	if err != nil {
		return err
	}
	diff, err := plan.Diff(a, b, args[0], args[1])
	if err != nil {
		return err
	}
	if diff == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "Plans make identical decisions")
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), diff)
	return fmt.Errorf("plans %s and %s make different decisions", args[0], args[1])
}
