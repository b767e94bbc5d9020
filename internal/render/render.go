// Package render writes command output as JSON, YAML or an aligned table.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is an output format
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
	FormatTSV   Format = "tsv"
)

// ParseFormat accepts the names of the formats above
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatTable, FormatJSON, FormatYAML, FormatTSV:
		return f, nil
	case "":
		return FormatTable, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want table, json, yaml or tsv)", s)
	}
}

// Renderer writes to one output in one format
type Renderer struct {
	w      io.Writer
	format Format
}

// New returns a Renderer. The zero Format renders tables.
func New(w io.Writer, format Format) *Renderer {
	if format == "" {
		format = FormatTable
	}
	return &Renderer{w: w, format: format}
}

// Format reports the renderer's format
func (r *Renderer) Format() Format {
	return r.format
}

// Structured reports whether values are written whole rather than as rows
func (r *Renderer) Structured() bool {
	return r.format == FormatJSON || r.format == FormatYAML
}

// Value writes v as indented JSON, or as YAML when the format is yaml.
// Table formats fall back to JSON.
func (r *Renderer) Value(v any) error {
	if r.format == FormatYAML {
		enc := yaml.NewEncoder(r.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(r.w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// Table writes rows under headers. Columns are padded to their widest
// cell; tsv output is unpadded.
func (r *Renderer) Table(headers []string, rows [][]string) error {
	if r.format == FormatTSV {
		for _, row := range append([][]string{headers}, rows...) {
			if _, err := fmt.Fprintln(r.w, strings.Join(row, "\t")); err != nil {
				return err
			}
		}
		return nil
	}

	widths := make([]int, len(headers))
	for _, row := range append([][]string{headers}, rows...) {
		for i := range min(len(row), len(widths)) {
			widths[i] = max(widths[i], len(row[i]))
		}
	}
	rule := make([]string, len(widths))
	for i, n := range widths {
		rule[i] = strings.Repeat("-", n)
	}

	lines := append([][]string{headers, rule}, rows...)
	for _, row := range lines {
		var b strings.Builder
		for i := range min(len(row), len(widths)) {
			if i == len(widths)-1 || i == len(row)-1 {
				b.WriteString(row[i])
				break
			}
			fmt.Fprintf(&b, "%-*s  ", widths[i], row[i])
		}
		if _, err := fmt.Fprintln(r.w, b.String()); err != nil {
			return err
		}
	}
	return nil
}
