package db

import (
	"context"
	"fmt"
)

// Rehearsal is the outcome of applying a batch twice
type Rehearsal struct {
	First      Counts       `json:"first"`
	Second     Counts       `json:"second"`
	Drifts     []CountDrift `json:"drifts"`
	Idempotent bool         `json:"idempotent"`
}

// Rehearse applies script twice and compares row counts after each pass.
// A batch that is safe to re-run leaves the counts unchanged.
func (db *DB) Rehearse(ctx context.Context, script string) (*Rehearsal, error) {
	if err := db.RequiresMigrationError(); err != nil {
		return nil, err
	}

	if err := db.ApplyScript(ctx, script); err != nil {
		return nil, fmt.Errorf("first application: %w", err)
	}
	first, err := TableCounts(db, Tables)
	if err != nil {
		return nil, err
	}

	if err := db.ApplyScript(ctx, script); err != nil {
		return nil, fmt.Errorf("second application: %w", err)
	}
	second, err := TableCounts(db, Tables)
	if err != nil {
		return nil, err
	}

	drifts := CountDrifts(first, second)
	return &Rehearsal{
		First:      first,
		Second:     second,
		Drifts:     drifts,
		Idempotent: len(drifts) == 0,
	}, nil
}
