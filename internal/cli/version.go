package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/neohoods/matrixmig/internal/dump"
	"github.com/neohoods/matrixmig/internal/plan"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Displays version, commit, build date and the artifact formats this build reads and writes.`,
	RunE:  runVersion,
}

var versionJSON bool

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Output as JSON")
}

func runVersion(cmd *cobra.Command, args []string) error {
	if versionJSON {
		output := map[string]any{
			"version":             Version,
			"commit":              GitCommit,
			"build_date":          BuildDate,
			"dump_schema_version": dump.SchemaVersion,
			"plan_schema_version": plan.SchemaVersion,
			"supported_commands": []string{
				"analyze", "fetch-rooms", "plan", "plan diff", "create-rooms",
				"generate", "verify", "rehearse", "apply", "version",
			},
			"supported_locations": []string{"path", "file://", "s3://"},
		}
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(output)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "matrixmig version %s\n", Version)
	fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", GitCommit)
	fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", BuildDate)
	fmt.Fprintf(cmd.OutOrStdout(), "  dump schema: v%d, plan schema: v%d\n", dump.SchemaVersion, plan.SchemaVersion)

	return nil
}
