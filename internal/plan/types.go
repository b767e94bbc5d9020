// Package plan decides, for every migrated room, user and event, the
// identifier it will carry on the destination server.
package plan

import "errors"

// SchemaVersion of the plan artifact
const SchemaVersion = 1

// Provenance tells whether a destination room already existed
type Provenance string

const (
	ProvenanceReused  Provenance = "reused"
	ProvenanceCreated Provenance = "created"
)

// Reasons recorded alongside room decisions
const (
	ReasonNoName    = "no name available"
	ReasonNoMatch   = "no matching room found, creating new"
	reasonMatchedFm = "matched existing room %q"
)

// SpaceParentKey is the event mapping key of the synthetic m.space.parent
// event attached to a migrated room.
func SpaceParentKey(oldRoomID string) string {
	return "space-parent:" + oldRoomID
}

// RoomMapping is the decision taken for one source room
type RoomMapping struct {
	NewRoomID     string     `json:"new_room_id"`
	RoomName      *string    `json:"room_name"`
	Reused        bool       `json:"reused"`
	Provenance    Provenance `json:"provenance"`
	Reason        string     `json:"reason"`
	CreatedViaAPI bool       `json:"created_via_api,omitempty"`
}

// Statistics summarize a plan
type Statistics struct {
	TotalRooms     int `json:"total_rooms"`
	ReusedRooms    int `json:"reused_rooms"`
	NewRooms       int `json:"new_rooms"`
	UnnamedRooms   int `json:"unnamed_rooms"`
	EncryptedRooms int `json:"encrypted_rooms_skipped"`
	TotalUsers     int `json:"total_users"`
	TotalEvents    int `json:"total_events"`
	CachedIDs      int `json:"cached_ids"`
}

// Meta describes the artifact itself
type Meta struct {
	SchemaVersion int    `json:"schema_version"`
	GeneratedAt   string `json:"generated_at,omitempty"`
	PlanRev       string `json:"plan_rev,omitempty"`
}

// Plan is the full identifier mapping of one migration run
type Plan struct {
	Meta       Meta                   `json:"meta"`
	OldServer  string                 `json:"old_server"`
	NewServer  string                 `json:"new_server"`
	SpaceID    string                 `json:"space_id"`
	Rooms      map[string]RoomMapping `json:"room_mapping"`
	Users      map[string]string      `json:"user_mapping"`
	Events     map[string]string      `json:"event_mapping"`
	Statistics Statistics             `json:"statistics"`
}

// Created returns the old ids of rooms the migration has to create,
// sorted.
func (p *Plan) Created() []string {
	var out []string
	for _, old := range sortedKeys(p.Rooms) {
		if p.Rooms[old].Provenance == ProvenanceCreated {
			out = append(out, old)
		}
	}
	return out
}

// ErrDuplicateAssignment marks two keys receiving the same new identifier
var ErrDuplicateAssignment = errors.New("duplicate identifier assignment")

// DuplicateAssignmentError names the colliding keys
type DuplicateAssignmentError struct {
	Value    string
	Key      string
	Existing string
}

func (e *DuplicateAssignmentError) Error() string {
	return "identifier " + e.Value + " assigned to both " + e.Existing + " and " + e.Key
}

func (e *DuplicateAssignmentError) Unwrap() error {
	return ErrDuplicateAssignment
}
