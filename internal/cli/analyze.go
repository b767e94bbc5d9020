package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/neohoods/matrixmig/internal/cli/appctx"
	"github.com/neohoods/matrixmig/internal/graph"
	"github.com/neohoods/matrixmig/internal/pipeline"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Summarize the rooms, users and events of a dump",
	Long: `Reads the dump once and reports its rooms, which of them are encrypted
and therefore excluded, the migration candidates with their names, and the
users seen.

Examples:
  matrixmig analyze --dump synapse.sql --out analysis.json
  matrixmig analyze --dump s3://backups/synapse.sql.gz --yaml
`,
	RunE: appctx.WithApp(appctx.Options{}, runAnalyze),
}

var (
	analyzeDump string
	analyzeOut  string
	analyzeYAML bool
)

func init() {
	rootCmd.AddCommand(analyzeCmd)

	analyzeCmd.Flags().StringVar(&analyzeDump, "dump", "", "Dump file or s3:// location (required)")
	analyzeCmd.Flags().StringVar(&analyzeOut, "out", "", "Write the report as JSON to this file")
	analyzeCmd.Flags().BoolVar(&analyzeYAML, "yaml", false, "Print the report as YAML instead of JSON")
}

func runAnalyze(app *appctx.App, cmd *cobra.Command, args []string) error {
	if err := app.Config.Require("old_server", "new_server"); err != nil {
		return err
	}
	path, cleanup, err := fetchDump(app, cmd, analyzeDump)
	if err != nil {
		return err
	}
	defer cleanup()

	src, err := pipeline.Load(cmd.Context(), path, pipeline.Options{Workers: app.Config.Workers, Logger: app.Log})
	if err != nil {
		return err
	}
	a := graph.Analyze(src.Graph, app.Config.OldServer, app.Config.NewServer)

	if analyzeOut == "" {
		if analyzeYAML {
			return writeYAML(cmd.OutOrStdout(), a)
		}
		return writeJSON(cmd.OutOrStdout(), a)
	}

	if err := saveJSON(analyzeOut, a); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	s := a.Statistics
	fmt.Fprintf(out, "Rooms:      %d (%d encrypted, %d candidates, %d named)\n", s.TotalRooms, s.EncryptedRooms, s.NonEncryptedRooms, s.RoomsWithNames)
	fmt.Fprintf(out, "Users:      %d\n", s.TotalUsers)
	fmt.Fprintf(out, "Events:     %d (%d state)\n", s.TotalEvents, s.TotalStateEvents)
	if s.DecodeErrors > 0 || s.MissingBodies > 0 {
		fmt.Fprintf(out, "Bodies:     %d undecodable, %d missing\n", s.DecodeErrors, s.MissingBodies)
	}
	for kind, n := range src.Dump.Malformed {
		fmt.Fprintf(out, "Malformed:  %d %s row(s) skipped\n", n, kind)
	}
	fmt.Fprintf(out, "Report written to %s\n", analyzeOut)
	return nil
}
