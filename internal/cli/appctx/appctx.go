// Package appctx provides a shared bootstrap helper for CLI commands.
// It centralizes config loading, logger setup and the opening of the
// external collaborators a command needs.
package appctx

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/neohoods/matrixmig/internal/blob"
	"github.com/neohoods/matrixmig/internal/config"
	"github.com/neohoods/matrixmig/internal/destination"
	"github.com/neohoods/matrixmig/internal/logging"
	"github.com/neohoods/matrixmig/internal/matrix"
)

// App holds the shared application context for commands.
type App struct {
	// Config is the loaded configuration with flag overrides applied
	Config *config.Config

	Log zerolog.Logger

	// Matrix is the homeserver client (nil if NeedsMatrix is false)
	Matrix *matrix.Client

	// Destination is the Postgres database (nil if NeedsDestination is false)
	Destination *destination.Destination

	// Blob fetches and publishes artifacts
	Blob blob.Opener
}

// Close releases resources held by the App.
// Safe to call multiple times.
func (a *App) Close() {
	if a.Destination != nil {
		a.Destination.Close()
		a.Destination = nil
	}
}

// Options configures the bootstrap behavior.
type Options struct {
	// NeedsMatrix opens a client for the configured homeserver
	NeedsMatrix bool

	// NeedsDestination connects to destination_dsn
	NeedsDestination bool
}

// RunFunc is the signature for command run functions.
type RunFunc func(app *App, cmd *cobra.Command, args []string) error

// WithApp wraps a command's run function with shared bootstrap logic.
// Resources are released automatically when the wrapped function returns.
func WithApp(opts Options, fn RunFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := Bootstrap(cmd, opts)
		if err != nil {
			return err
		}
		defer app.Close()

		return fn(app, cmd, args)
	}
}

// Bootstrap initializes the App according to the given options.
// Callers are responsible for calling App.Close() when done.
func Bootstrap(cmd *cobra.Command, opts Options) (*App, error) {
	cfg, err := config.Load(flagString(cmd, "config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cmd, cfg)

	log, err := logging.New(cmd.ErrOrStderr(), logging.Options{
		Level:   cfg.LogLevel,
		Format:  logging.Format(cfg.LogFormat),
		Verbose: flagBool(cmd, "verbose"),
	})
	if err != nil {
		return nil, err
	}

	app := &App{
		Config: cfg,
		Log:    log,
		Blob: blob.Opener{S3: blob.S3Config{
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		}},
	}

	if opts.NeedsMatrix {
		if err := cfg.Require("homeserver", "access_token"); err != nil {
			return nil, err
		}
		client, err := matrix.New(matrix.Options{
			Homeserver:  cfg.Homeserver,
			AccessToken: cfg.AccessToken,
			MaxRetries:  3,
			Logger:      log,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create matrix client: %w", err)
		}
		app.Matrix = client
	}

	if opts.NeedsDestination {
		if err := cfg.Require("destination_dsn"); err != nil {
			return nil, err
		}
		dest, err := destination.Open(cmd.Context(), cfg.DestinationDSN)
		if err != nil {
			return nil, err
		}
		app.Destination = dest
	}

	return app, nil
}

// applyFlags copies explicitly set flags over the loaded configuration
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	set := func(name string, dst *string) {
		if f := cmd.Flag(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	set("log-level", &cfg.LogLevel)
	set("log-format", &cfg.LogFormat)
	set("old-server", &cfg.OldServer)
	set("new-server", &cfg.NewServer)
	set("space-id", &cfg.SpaceID)
	set("dsn", &cfg.DestinationDSN)
	set("metrics-out", &cfg.MetricsOut)
	if f := cmd.Flag("workers"); f != nil && f.Changed {
		if n, err := cmd.Flags().GetInt("workers"); err == nil {
			cfg.Workers = n
		}
	}
}

func flagString(cmd *cobra.Command, name string) string {
	if f := cmd.Flag(name); f != nil {
		return f.Value.String()
	}
	return ""
}

func flagBool(cmd *cobra.Command, name string) bool {
	if f := cmd.Flag(name); f != nil {
		return f.Value.String() == "true"
	}
	return false
}
