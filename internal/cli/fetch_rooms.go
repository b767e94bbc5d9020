package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/neohoods/matrixmig/internal/cli/appctx"
	"github.com/neohoods/matrixmig/internal/plan"
)

var fetchRoomsCmd = &cobra.Command{
	Use:   "fetch-rooms",
	Short: "List the rooms already present in the destination space",
	Long: `Asks the destination homeserver for every joined room that belongs to
the configured space and writes the name to room id catalog used by plan.
Requires homeserver and access_token.`,
	RunE: appctx.WithApp(appctx.Options{NeedsMatrix: true}, runFetchRooms),
}

var fetchRoomsOut string

func init() {
	rootCmd.AddCommand(fetchRoomsCmd)

	fetchRoomsCmd.Flags().StringVar(&fetchRoomsOut, "out", "existing-rooms.json", "Catalog file to write")
}

func runFetchRooms(app *appctx.App, cmd *cobra.Command, args []string) error {
	if err := app.Config.Require("space_id"); err != nil {
		return err
	}
	ctx := cmd.Context()
	spaceID := app.Config.SpaceID

	ok, err := app.Matrix.SpaceExists(ctx, spaceID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("space %s is not visible to this account", spaceID)
	}

	cat, err := app.Matrix.FetchCatalog(ctx, spaceID)
	if err != nil {
		return err
	}
	if err := plan.SaveCatalog(fetchRoomsOut, cat); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Found %d room(s) in %s, written to %s\n", cat.Count, spaceID, fetchRoomsOut)
	return nil
}
