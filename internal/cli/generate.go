package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/neohoods/matrixmig/internal/cli/appctx"
	"github.com/neohoods/matrixmig/internal/destination"
	"github.com/neohoods/matrixmig/internal/emit"
	"github.com/neohoods/matrixmig/internal/metrics"
	"github.com/neohoods/matrixmig/internal/pipeline"
	"github.com/neohoods/matrixmig/internal/plan"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Rewrite the planned rooms and emit the SQL batch",
	Long: `Rewrites every room of the plan under its new identifiers and writes a
single transactional SQL batch. Inserts are guarded so applying the batch
twice changes nothing. A room whose rewrite fails is left out and listed in
the batch summary; the command then exits non-zero after writing the batch
for the other rooms.

Stream orderings start after --stream-base, or after the destination's
current maximum when a DSN is configured.

Examples:
  matrixmig generate --dump synapse.sql --plan plan.json --out migration.sql
  matrixmig generate --dump synapse.sql --plan plan.json --dsn "$DSN" --publish s3://artifacts/run-1
`,
	RunE: appctx.WithApp(appctx.Options{}, runGenerate),
}

var (
	generateDump       string
	generatePlan       string
	generateOut        string
	generateStreamBase int64
	generatePublish    string
	generateRunID      string
	generateJSON       bool
)

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().StringVar(&generateDump, "dump", "", "Dump file or s3:// location (required)")
	generateCmd.Flags().StringVar(&generatePlan, "plan", "", "Plan file (required)")
	generateCmd.Flags().StringVar(&generateOut, "out", "migration.sql", "SQL batch to write")
	generateCmd.Flags().String("dsn", "", "Destination Postgres DSN used to read the current max stream ordering")
	generateCmd.Flags().Int64Var(&generateStreamBase, "stream-base", -1, "Stream ordering base (default: stream_ordering_base from config)")
	generateCmd.Flags().StringVar(&generatePublish, "publish", "", "Also upload batch and plan to this directory or s3:// prefix")
	generateCmd.Flags().String("metrics-out", "", "Write run metrics in Prometheus text format to this file")
	generateCmd.Flags().StringVar(&generateRunID, "run-id", "", "Run id recorded in the batch (default: random uuid)")
	generateCmd.Flags().BoolVar(&generateJSON, "json", false, "Print the summary as JSON")
}

func runGenerate(app *appctx.App, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if generatePlan == "" {
		return fmt.Errorf("--plan is required")
	}
	p, err := plan.Load(generatePlan)
	if err != nil {
		return err
	}

	base, err := streamBase(app, cmd)
	if err != nil {
		return err
	}

	path, cleanup, err := fetchDump(app, cmd, generateDump)
	if err != nil {
		return err
	}
	defer cleanup()

	rec := metrics.New()
	opts := pipeline.Options{Workers: app.Config.Workers, Logger: app.Log, Metrics: rec}
	src, err := pipeline.Load(ctx, path, opts)
	if err != nil {
		return err
	}
	res, err := pipeline.Generate(ctx, src.Graph, p, emit.Options{RunID: generateRunID, StreamOrderingBase: base}, opts)
	if err != nil {
		return err
	}
	if err := emit.WriteFile(generateOut, res.Batch); err != nil {
		return err
	}

	if generatePublish != "" {
		if err := publish(app, cmd, res.Batch); err != nil {
			return err
		}
	}
	if app.Config.MetricsOut != "" {
		if err := rec.WriteTextfile(app.Config.MetricsOut, time.Now()); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
	}

	if err := printSummary(cmd, res.Summary); err != nil {
		return err
	}
	if n := res.Failed(); n > 0 {
		return fmt.Errorf("%w: %d room(s) left out of %s", pipeline.ErrRoomsSkipped, n, generateOut)
	}
	return nil
}

// streamBase picks the first stream ordering of the batch
func streamBase(app *appctx.App, cmd *cobra.Command) (int64, error) {
	base := app.Config.StreamOrderingBase
	if generateStreamBase >= 0 {
		base = generateStreamBase
	}
	if app.Config.DestinationDSN == "" {
		return base, nil
	}

	dest, err := destination.Open(cmd.Context(), app.Config.DestinationDSN)
	if err != nil {
		return 0, err
	}
	defer dest.Close()
	current, err := dest.MaxStreamOrdering(cmd.Context())
	if err != nil {
		return 0, err
	}
	if current > base {
		app.Log.Info().Int64("base", current).Msg("starting after the destination's max stream ordering")
		base = current
	}
	return base, nil
}

func publish(app *appctx.App, cmd *cobra.Command, batch []byte) error {
	planData, err := os.ReadFile(generatePlan)
	if err != nil {
		return fmt.Errorf("failed to read plan: %w", err)
	}
	for name, data := range map[string][]byte{
		filepath.Base(generateOut):  batch,
		filepath.Base(generatePlan): planData,
	} {
		info, err := app.Blob.Publish(cmd.Context(), generatePublish, name, data)
		if err != nil {
			return err
		}
		app.Log.Info().Str("key", info.Key).Int64("size", info.Size).Msg("published")
	}
	return nil
}

func printSummary(cmd *cobra.Command, s *emit.Summary) error {
	out := cmd.OutOrStdout()
	if generateJSON {
		return writeJSON(out, s)
	}
	fmt.Fprintf(out, "Run %s\n", s.RunID)
	fmt.Fprintf(out, "Rooms migrated:      %d (%d inserted, %d reused, %d created via API)\n",
		s.RoomsMigrated, s.RoomsInserted, s.RoomsReused, s.RoomsCreatedViaAPI)
	fmt.Fprintf(out, "Events:              %d (%d rewritten)\n", s.Events, s.EventsRewritten)
	fmt.Fprintf(out, "External references: %d\n", s.ExternalReferences)
	fmt.Fprintf(out, "Best-effort bodies:  %d\n", s.BestEffort)
	fmt.Fprintf(out, "Rooms skipped:       %d\n", len(s.RoomsSkipped))
	for _, sk := range s.RoomsSkipped {
		fmt.Fprintf(out, "  %s: %s\n", sk.RoomID, sk.Reason)
	}
	return nil
}
