package dump

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformedRecord marks a row that does not match its table header
var ErrMalformedRecord = errors.New("malformed record")

// MalformedRecordError describes a skipped row
type MalformedRecordError struct {
	Kind   Kind
	Line   int
	Fields int
	Want   int
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("%s line %d: %d fields, header declares %d", e.Kind, e.Line, e.Fields, e.Want)
}

func (e *MalformedRecordError) Unwrap() error {
	return ErrMalformedRecord
}

// Record is one decoded row. Values are nil for SQL NULL.
type Record struct {
	Kind    Kind
	Line    int
	columns map[string]int
	values  []*string
}

// Get returns the value of col. ok is false for NULL or an unknown column.
func (r Record) Get(col string) (string, bool) {
	i, found := r.columns[col]
	if !found || r.values[i] == nil {
		return "", false
	}
	return *r.values[i], true
}

// String returns the value of col, or "" for NULL.
func (r Record) String(col string) string {
	v, _ := r.Get(col)
	return v
}

// Nullable returns a pointer to the value of col, or nil for NULL.
func (r Record) Nullable(col string) *string {
	v, ok := r.Get(col)
	if !ok {
		return nil
	}
	return &v
}

// Int64 parses col as an integer. NULL yields 0.
func (r Record) Int64(col string) (int64, error) {
	v, ok := r.Get(col)
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s line %d: column %s: %w", r.Kind, r.Line, col, err)
	}
	return n, nil
}

// Bool reads a Postgres boolean ('t' / 'f'). NULL yields false.
func (r Record) Bool(col string) bool {
	v, _ := r.Get(col)
	return v == "t" || v == "true"
}
