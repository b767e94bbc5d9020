package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/neohoods/matrixmig/internal/cli/appctx"
	"github.com/neohoods/matrixmig/internal/emit"
	"github.com/neohoods/matrixmig/internal/render"
)

// writeJSON pretty-prints v to w
func writeJSON(w io.Writer, v any) error {
	return render.New(w, render.FormatJSON).Value(v)
}

func writeYAML(w io.Writer, v any) error {
	return render.New(w, render.FormatYAML).Value(v)
}

// saveJSON writes v as indented JSON to path, replacing it atomically
func saveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return emit.WriteFile(path, append(data, '\n'))
}

func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// fetchDump makes the dump at location readable locally. The returned
// cleanup removes any downloaded copy.
func fetchDump(app *appctx.App, cmd *cobra.Command, location string) (string, func(), error) {
	if location == "" {
		return "", nil, fmt.Errorf("--dump is required")
	}
	dir, err := os.MkdirTemp("", "matrixmig-dump-")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	path, err := app.Blob.Fetch(cmd.Context(), location, dir)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	if path != location {
		app.Log.Info().Str("from", location).Str("to", path).Msg("dump downloaded")
	}
	return path, cleanup, nil
}
