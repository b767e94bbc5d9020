package db

import (
	"database/sql"
	"fmt"
	"sort"
)

// Tables written by a migration batch, in batch order
var Tables = []string{"rooms", "state_events", "events", "event_json", "event_edges", "event_auth"}

// Counts maps a table to its row count
type Counts map[string]int64

// CountDrift captures a table whose row count changed between two snapshots
type CountDrift struct {
	Table  string `json:"table"`
	Before int64  `json:"before"`
	After  int64  `json:"after"`
}

type sqlQuerier interface {
	QueryRow(query string, args ...any) *sql.Row
}

// TableCounts counts the rows of each table
func TableCounts(q sqlQuerier, tables []string) (Counts, error) {
	counts := make(Counts, len(tables))
	for _, table := range tables {
		var n int64
		if err := q.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

// CountDrifts returns every table whose count differs between before and
// after, sorted by table name.
func CountDrifts(before, after Counts) []CountDrift {
	drifts := []CountDrift{}
	seen := make(map[string]bool)
	for _, c := range []Counts{before, after} {
		for table := range c {
			if seen[table] {
				continue
			}
			seen[table] = true
			if before[table] != after[table] {
				drifts = append(drifts, CountDrift{Table: table, Before: before[table], After: after[table]})
			}
		}
	}
	sort.Slice(drifts, func(i, j int) bool { return drifts[i].Table < drifts[j].Table })
	return drifts
}

// MaxStreamOrdering returns the highest stream ordering in events, 0 when
// the table is empty.
func MaxStreamOrdering(q sqlQuerier) (int64, error) {
	var maxOrdering sql.NullInt64
	if err := q.QueryRow("SELECT MAX(stream_ordering) FROM events").Scan(&maxOrdering); err != nil {
		return 0, fmt.Errorf("failed to read max stream ordering: %w", err)
	}
	return maxOrdering.Int64, nil
}
