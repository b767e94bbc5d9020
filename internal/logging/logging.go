// Package logging builds the zerolog logger the commands share.
package logging

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Format selects the log encoding
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// Options configures New
type Options struct {
	Level   string
	Format  Format
	Verbose bool
}

// New returns a logger writing to w. Verbose forces the debug level.
func New(w io.Writer, opts Options) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q", opts.Level)
		}
		level = l
	}
	if opts.Verbose && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}

	var out io.Writer
	switch opts.Format {
	case FormatJSON:
		out = w
	case "", FormatConsole:
		out = zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: time.TimeOnly}
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q (want console or json)", opts.Format)
	}

	return zerolog.New(out).Level(level).With().
		Str("service", "matrixmig").
		Timestamp().
		Logger(), nil
}
