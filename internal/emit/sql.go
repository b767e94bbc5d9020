package emit

import (
	"strconv"
	"strings"
)

// Tables and column lists of the destination schema
var (
	roomColumns      = []string{"room_id", "is_public", "creator", "room_version", "has_auth_chain_index"}
	stateColumns     = []string{"event_id", "room_id", "type", "state_key", "prev_state"}
	eventColumns     = []string{"topological_ordering", "event_id", "type", "room_id", "content", "unrecognized_keys", "processed", "outlier", "depth", "origin_server_ts", "received_ts", "sender", "contains_url", "instance_name", "stream_ordering", "state_key", "rejection_reason"}
	eventJSONColumns = []string{"event_id", "room_id", "internal_metadata", "json", "format_version"}
	edgeColumns      = []string{"event_id", "prev_event_id", "room_id", "is_state"}
	authColumns      = []string{"event_id", "auth_id", "room_id"}
)

// Comment tags read back by the verifier
const (
	TagExternalReference = "-- external-reference: "
	TagBestEffort        = "-- best-effort: "
	TagSummary           = "-- migration-summary: "
)

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func nullable(s *string) string {
	if s == nil {
		return "NULL"
	}
	return quote(*s)
}

func nullableInt(n *int64) string {
	if n == nil {
		return "NULL"
	}
	return strconv.FormatInt(*n, 10)
}

func boolean(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

func integer(n int64) string {
	return strconv.FormatInt(n, 10)
}

// insert renders an idempotent single-row insert
func insert(table string, columns []string, values ...string) string {
	return "INSERT INTO " + table + " (" + strings.Join(columns, ", ") + ") VALUES (" +
		strings.Join(values, ", ") + ") ON CONFLICT DO NOTHING;\n"
}

// insertIfAbsent renders an insert guarded by NOT EXISTS, for tables with
// no unique key to conflict on. keys are the columns that identify a row.
func insertIfAbsent(table string, columns []string, keys int, values ...string) string {
	conds := make([]string, keys)
	for i := 0; i < keys; i++ {
		conds[i] = columns[i] + " = " + values[i]
	}
	return "INSERT INTO " + table + " (" + strings.Join(columns, ", ") + ") SELECT " +
		strings.Join(values, ", ") + " WHERE NOT EXISTS (SELECT 1 FROM " + table +
		" WHERE " + strings.Join(conds, " AND ") + ");\n"
}
