// Package graph groups dump records into per-room event graphs.
package graph

import (
	"github.com/neohoods/matrixmig/internal/eventjson"
)

// Well known event types
const (
	TypeCreate      = "m.room.create"
	TypeName        = "m.room.name"
	TypeMember      = "m.room.member"
	TypePowerLevels = "m.room.power_levels"
	TypeEncryption  = "m.room.encryption"
	TypeSpaceParent = "m.space.parent"
)

// Room is one row of the rooms table plus derived attributes
type Room struct {
	ID                string
	Name              string
	IsPublic          bool
	Creator           string
	Version           string
	HasAuthChainIndex bool
	// Encrypted is fixed at extraction time from the state edges
	Encrypted bool
}

// HasName reports whether a display name was found for the room
func (r *Room) HasName() bool {
	return r.Name != ""
}

// StateEdge maps a (room, type, state key) tuple to the event holding it
type StateEdge struct {
	EventID   string
	RoomID    string
	Type      string
	StateKey  string
	PrevState *string
}

// Body is the authoritative JSON of an event, decoded once
type Body struct {
	Raw              string
	Value            eventjson.Object
	DecodeErr        error
	Synthesized      bool
	InternalMetadata string
	FormatVersion    *string
	Prev             []string
	Auth             []string
}

// Decoded reports whether Value is usable
func (b *Body) Decoded() bool {
	return b.DecodeErr == nil && b.Value != nil
}

// Event is one row of the events table joined with its body
type Event struct {
	ID                  string
	RoomID              string
	Type                string
	StateKey            *string
	Sender              string
	TopologicalOrdering int64
	Depth               int64
	StreamOrdering      int64
	OriginServerTS      int64
	ReceivedTS          *int64
	Processed           bool
	Outlier             bool
	ContainsURL         bool
	InstanceName        *string
	RejectionReason     *string
	Content             *string
	UnrecognizedKeys    *string
	Body                Body
}

// IsState reports whether the event carries a state key
func (e *Event) IsState() bool {
	return e.StateKey != nil
}

// RoomGraph holds everything the dump says about one room
type RoomGraph struct {
	Room   *Room
	State  []StateEdge
	Events []*Event // ordered by stream ordering

	byID map[string]*Event
}

// Event returns the event with the given id, if it belongs to the room
func (rg *RoomGraph) Event(id string) (*Event, bool) {
	e, ok := rg.byID[id]
	return e, ok
}

// EventIDs returns every event id the room references as its own, timeline
// events first in stream order followed by state-only ids.
func (rg *RoomGraph) EventIDs() []string {
	seen := make(map[string]bool, len(rg.Events)+len(rg.State))
	ids := make([]string, 0, len(rg.Events)+len(rg.State))
	for _, e := range rg.Events {
		if !seen[e.ID] {
			seen[e.ID] = true
			ids = append(ids, e.ID)
		}
	}
	for _, s := range rg.State {
		if !seen[s.EventID] {
			seen[s.EventID] = true
			ids = append(ids, s.EventID)
		}
	}
	return ids
}

// Stats summarizes an extraction
type Stats struct {
	Rooms          int `json:"rooms"`
	StateEvents    int `json:"state_events"`
	Events         int `json:"events"`
	EventBodies    int `json:"event_bodies"`
	DecodeErrors   int `json:"decode_errors"`
	MissingBodies  int `json:"missing_bodies"`
	OrphanRecords  int `json:"orphan_records"`
	EncryptedRooms int `json:"encrypted_rooms"`
	NamedRooms     int `json:"named_rooms"`
}

// Graph is the extractor's output
type Graph struct {
	Rooms     []*Room // dump order
	RoomGraph map[string]*RoomGraph
	Users     []string // sorted
	Stats     Stats

	eventRoom map[string]string
}

// Room returns the room with the given id
func (g *Graph) Room(id string) (*Room, bool) {
	rg, ok := g.RoomGraph[id]
	if !ok {
		return nil, false
	}
	return rg.Room, true
}

// RoomOf returns the room an event id belongs to
func (g *Graph) RoomOf(eventID string) (string, bool) {
	r, ok := g.eventRoom[eventID]
	return r, ok
}

// Candidates returns the non-encrypted rooms in dump order
func (g *Graph) Candidates() []*Room {
	var out []*Room
	for _, r := range g.Rooms {
		if !r.Encrypted {
			out = append(out, r)
		}
	}
	return out
}
