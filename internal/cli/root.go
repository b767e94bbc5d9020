package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "matrixmig",
	Short: "Migrate Matrix room history from one server domain to another",
	Long: `matrixmig reads a pg_dump of a Synapse database, maps every room, user
and event of the old server domain onto the new one, and emits a single
idempotent SQL batch that replays the non-encrypted history into the
destination server's database.

Typical run:
  matrixmig analyze --dump synapse.sql --out analysis.json
  matrixmig fetch-rooms --out existing-rooms.json
  matrixmig plan --dump synapse.sql --catalog existing-rooms.json --out plan.json
  matrixmig create-rooms --plan plan.json
  matrixmig generate --dump synapse.sql --plan plan.json --out migration.sql
  matrixmig verify --plan plan.json --sql migration.sql
  matrixmig rehearse --sql migration.sql
  matrixmig apply --sql migration.sql --plan plan.json`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Cancelling ctx stops the running stage.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default ~/.config/matrixmig/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides MATRIXMIG_LOG_LEVEL)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: console or json")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().Int("workers", 0, "Parallel room workers (overrides MATRIXMIG_WORKERS)")
	rootCmd.PersistentFlags().String("old-server", "", "Server name being migrated from (overrides MATRIXMIG_OLD_SERVER)")
	rootCmd.PersistentFlags().String("new-server", "", "Server name being migrated to (overrides MATRIXMIG_NEW_SERVER)")
	rootCmd.PersistentFlags().String("space-id", "", "Destination space room id (overrides MATRIXMIG_SPACE_ID)")
}
