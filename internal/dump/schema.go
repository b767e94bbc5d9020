package dump

import "fmt"

// Kind selects one table of the dump
type Kind string

const (
	KindRooms       Kind = "rooms"
	KindStateEvents Kind = "state_events"
	KindEvents      Kind = "events"
	KindEventJSON   Kind = "event_json"
)

// Kinds lists every record kind in the order the extractor consumes them
var Kinds = []Kind{KindRooms, KindStateEvents, KindEvents, KindEventJSON}

// Schema describes the columns a kind must carry. The COPY header in the
// dump is authoritative for column positions; Required only lists the
// columns the migration reads.
type Schema struct {
	Kind     Kind
	Version  int
	Table    string
	Required []string
}

// SchemaVersion is the dump layout this reader understands
const SchemaVersion = 1

var schemas = map[Kind]Schema{
	KindRooms: {
		Kind:     KindRooms,
		Version:  SchemaVersion,
		Table:    "rooms",
		Required: []string{"room_id", "is_public", "creator", "room_version"},
	},
	KindStateEvents: {
		Kind:     KindStateEvents,
		Version:  SchemaVersion,
		Table:    "state_events",
		Required: []string{"event_id", "room_id", "type", "state_key"},
	},
	KindEvents: {
		Kind:    KindEvents,
		Version: SchemaVersion,
		Table:   "events",
		Required: []string{
			"topological_ordering", "event_id", "type", "room_id", "depth",
			"origin_server_ts", "sender", "stream_ordering",
		},
	},
	KindEventJSON: {
		Kind:     KindEventJSON,
		Version:  SchemaVersion,
		Table:    "event_json",
		Required: []string{"event_id", "room_id", "json"},
	},
}

// SchemaFor returns the schema registered for kind
func SchemaFor(kind Kind) (Schema, error) {
	s, ok := schemas[kind]
	if !ok {
		return Schema{}, fmt.Errorf("unknown record kind: %q", kind)
	}
	return s, nil
}

// check verifies that a COPY header carries every required column
func (s Schema) check(columns []string) error {
	have := make(map[string]bool, len(columns))
	for _, c := range columns {
		have[c] = true
	}
	for _, req := range s.Required {
		if !have[req] {
			return fmt.Errorf("table %s (schema v%d) is missing column %q", s.Table, s.Version, req)
		}
	}
	return nil
}
