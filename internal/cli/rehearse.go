package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/neohoods/matrixmig/internal/cli/appctx"
	"github.com/neohoods/matrixmig/internal/db"
	"github.com/neohoods/matrixmig/internal/render"
)

var rehearseCmd = &cobra.Command{
	Use:   "rehearse",
	Short: "Apply a batch twice to a scratch database",
	Long: `Applies the SQL batch twice to a SQLite database carrying the subset of
the homeserver schema the batch writes to, and compares the row counts
after each pass. A batch that changes anything on its second application
is not safe to re-run and the command fails.

The scratch database is temporary unless --db is given.`,
	RunE: appctx.WithApp(appctx.Options{}, runRehearse),
}

var (
	rehearseSQL  string
	rehearseDB   string
	rehearseJSON bool
)

func init() {
	rootCmd.AddCommand(rehearseCmd)

	rehearseCmd.Flags().StringVar(&rehearseSQL, "sql", "migration.sql", "SQL batch")
	rehearseCmd.Flags().StringVar(&rehearseDB, "db", "", "Scratch database path (default: temporary)")
	rehearseCmd.Flags().BoolVar(&rehearseJSON, "json", false, "Output as JSON")
}

func runRehearse(app *appctx.App, cmd *cobra.Command, args []string) error {
	script, err := os.ReadFile(rehearseSQL)
	if err != nil {
		return fmt.Errorf("failed to read batch: %w", err)
	}

	path := rehearseDB
	if path == "" {
		dir, err := os.MkdirTemp("", "matrixmig-rehearse-")
		if err != nil {
			return fmt.Errorf("failed to create scratch directory: %w", err)
		}
		defer os.RemoveAll(dir)
		path = filepath.Join(dir, "rehearsal.db")
	}

	database, err := db.Open(path)
	if err != nil {
		return err
	}
	defer database.Close()
	applied, err := database.MigrateWithInfo()
	if err != nil {
		return fmt.Errorf("failed to migrate scratch database: %w", err)
	}
	app.Log.Debug().Strs("migrations", applied).Str("db", path).Msg("scratch database ready")

	res, err := database.Rehearse(cmd.Context(), string(script))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if rehearseJSON {
		if err := writeJSON(out, res); err != nil {
			return err
		}
	} else {
		tables := make([]string, 0, len(res.First))
		for t := range res.First {
			tables = append(tables, t)
		}
		sort.Strings(tables)
		rows := make([][]string, 0, len(tables))
		for _, t := range tables {
			rows = append(rows, []string{t, strconv.FormatInt(res.First[t], 10), strconv.FormatInt(res.Second[t], 10)})
		}
		if err := render.New(out, render.FormatTable).Table([]string{"TABLE", "FIRST", "SECOND"}, rows); err != nil {
			return err
		}
	}

	if !res.Idempotent {
		for _, d := range res.Drifts {
			app.Log.Error().Str("table", d.Table).Int64("first", d.Before).Int64("second", d.After).Msg("row count changed on re-application")
		}
		return fmt.Errorf("batch %s is not idempotent: %d table(s) changed on the second application", rehearseSQL, len(res.Drifts))
	}
	fmt.Fprintln(out, "Batch is idempotent")
	return nil
}
