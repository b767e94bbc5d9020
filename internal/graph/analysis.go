package graph

import "sort"

// AnalyzedRoom is one migration candidate in the analysis report
type AnalyzedRoom struct {
	RoomID      string  `json:"room_id" yaml:"room_id"`
	Name        *string `json:"name" yaml:"name"`
	IsPublic    bool    `json:"is_public" yaml:"is_public"`
	Creator     string  `json:"creator" yaml:"creator"`
	RoomVersion string  `json:"room_version" yaml:"room_version"`
	IsEncrypted bool    `json:"is_encrypted" yaml:"is_encrypted"`
	Events      int     `json:"events" yaml:"events"`
	StateEvents int     `json:"state_events" yaml:"state_events"`
}

// AnalysisStats are the headline numbers of a dump
type AnalysisStats struct {
	TotalRooms        int `json:"total_rooms" yaml:"total_rooms"`
	EncryptedRooms    int `json:"encrypted_rooms" yaml:"encrypted_rooms"`
	NonEncryptedRooms int `json:"non_encrypted_rooms" yaml:"non_encrypted_rooms"`
	RoomsWithNames    int `json:"rooms_with_names" yaml:"rooms_with_names"`
	TotalUsers        int `json:"total_users" yaml:"total_users"`
	TotalEvents       int `json:"total_events" yaml:"total_events"`
	TotalStateEvents  int `json:"total_state_events" yaml:"total_state_events"`
	DecodeErrors      int `json:"decode_errors" yaml:"decode_errors"`
	MissingBodies     int `json:"missing_bodies" yaml:"missing_bodies"`
	DependencyTargets int `json:"dependency_targets" yaml:"dependency_targets"`
}

// Analysis is the report produced before any mapping is decided
type Analysis struct {
	OldServer      string         `json:"old_server" yaml:"old_server"`
	NewServer      string         `json:"new_server" yaml:"new_server"`
	Rooms          []AnalyzedRoom `json:"rooms" yaml:"rooms"`
	Users          []string       `json:"users" yaml:"users"`
	EncryptedRooms []string       `json:"encrypted_rooms" yaml:"encrypted_rooms"`
	Statistics     AnalysisStats  `json:"statistics" yaml:"statistics"`
}

// Analyze summarizes g. Only non-encrypted rooms are listed as candidates.
func Analyze(g *Graph, oldServer, newServer string) *Analysis {
	a := &Analysis{
		OldServer:      oldServer,
		NewServer:      newServer,
		Rooms:          []AnalyzedRoom{},
		Users:          append([]string{}, g.Users...),
		EncryptedRooms: []string{},
	}

	targets := make(map[string]bool)
	for _, room := range g.Rooms {
		rg := g.RoomGraph[room.ID]
		if room.Encrypted {
			a.EncryptedRooms = append(a.EncryptedRooms, room.ID)
			continue
		}
		ar := AnalyzedRoom{
			RoomID:      room.ID,
			IsPublic:    room.IsPublic,
			Creator:     room.Creator,
			RoomVersion: room.Version,
			Events:      len(rg.Events),
			StateEvents: len(rg.State),
		}
		if room.HasName() {
			name := room.Name
			ar.Name = &name
		}
		a.Rooms = append(a.Rooms, ar)

		for _, ev := range rg.Events {
			for _, ref := range ev.Body.Prev {
				targets[ref] = true
			}
			for _, ref := range ev.Body.Auth {
				targets[ref] = true
			}
		}
	}
	sort.Strings(a.EncryptedRooms)

	a.Statistics = AnalysisStats{
		TotalRooms:        g.Stats.Rooms,
		EncryptedRooms:    g.Stats.EncryptedRooms,
		NonEncryptedRooms: g.Stats.Rooms - g.Stats.EncryptedRooms,
		RoomsWithNames:    g.Stats.NamedRooms,
		TotalUsers:        len(g.Users),
		TotalEvents:       g.Stats.Events,
		TotalStateEvents:  g.Stats.StateEvents,
		DecodeErrors:      g.Stats.DecodeErrors,
		MissingBodies:     g.Stats.MissingBodies,
		DependencyTargets: len(targets),
	}
	return a
}
