package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/neohoods/matrixmig/internal/cli/appctx"
	"github.com/neohoods/matrixmig/internal/matrix"
	"github.com/neohoods/matrixmig/internal/plan"
)

var createRoomsCmd = &cobra.Command{
	Use:   "create-rooms",
	Short: "Create the planned rooms on the destination homeserver",
	Long: `Creates, one at a time and rate_limit apart, every room the plan slates
for creation, each linked to the destination space. The plan is rewritten
with the server-assigned room ids and the rooms flagged created_via_api,
so generate does not insert them again. Rooms already flagged are skipped,
which makes the command safe to re-run after a partial failure.`,
	RunE: appctx.WithApp(appctx.Options{NeedsMatrix: true}, runCreateRooms),
}

var (
	createRoomsPlan string
	createRoomsOut  string
)

func init() {
	rootCmd.AddCommand(createRoomsCmd)

	createRoomsCmd.Flags().StringVar(&createRoomsPlan, "plan", "", "Plan file (required)")
	createRoomsCmd.Flags().StringVar(&createRoomsOut, "out", "", "Updated plan file (default: overwrite --plan)")
}

func runCreateRooms(app *appctx.App, cmd *cobra.Command, args []string) error {
	if createRoomsPlan == "" {
		return fmt.Errorf("--plan is required")
	}
	p, err := plan.Load(createRoomsPlan)
	if err != nil {
		return err
	}
	if p.SpaceID == "" {
		return fmt.Errorf("plan %s has no space_id", createRoomsPlan)
	}

	res, runErr := app.Matrix.CreatePlanned(cmd.Context(), p, matrix.CreateOptions{Delay: app.Config.RateLimit})

	// successful creations are recorded even when the run was interrupted
	out := createRoomsOut
	if out == "" {
		out = createRoomsPlan
	}
	if res != nil && res.Created > 0 {
		if err := plan.Save(out, p); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created %d room(s), %d already created, %d reused\n", res.Created, res.Skipped, res.Reused)
	if len(res.Failed) > 0 {
		return fmt.Errorf("failed to create %d room(s): %s", len(res.Failed), strings.Join(res.Failed, ", "))
	}
	return nil
}
