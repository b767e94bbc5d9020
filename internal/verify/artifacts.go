package verify

import (
	"strings"

	"github.com/neohoods/matrixmig/internal/graph"
	"github.com/neohoods/matrixmig/internal/id"
	"github.com/neohoods/matrixmig/internal/plan"
)

// VerifyPlan checks a plan artifact on its own
func VerifyPlan(p *plan.Plan) *Report {
	r := newReport("plan")

	if p.OldServer == "" || p.NewServer == "" {
		r.errorf(CheckPlan, "old_server and new_server must both be set")
	}
	if p.SpaceID == "" {
		r.errorf(CheckPlan, "space_id is empty")
	} else if !id.IsRoomID(p.SpaceID) {
		r.errorf(CheckPlan, "space_id %q is not a room id", p.SpaceID)
	}
	if len(p.Rooms) == 0 {
		r.errorf(CheckPlan, "room_mapping is empty")
	}

	reused := make(map[string]bool)
	owners := make(map[string][]string)
	for _, old := range sortedKeys(p.Rooms) {
		m := p.Rooms[old]
		if !id.IsRoomID(m.NewRoomID) {
			r.errorf(CheckPlan, "room %s maps to malformed id %q", old, m.NewRoomID)
			continue
		}
		switch m.Provenance {
		case plan.ProvenanceReused:
			reused[m.NewRoomID] = true
			if !m.Reused {
				r.errorf(CheckPlan, "room %s is reused but its reused flag is unset", old)
			}
		case plan.ProvenanceCreated:
			owners[m.NewRoomID] = append(owners[m.NewRoomID], old)
			if m.Reused {
				r.errorf(CheckPlan, "room %s is created but flagged reused", old)
			}
			if !id.OnDomain(m.NewRoomID, p.NewServer) {
				r.errorf(CheckPlan, "created room %s is not on %s", m.NewRoomID, p.NewServer)
			}
		default:
			r.errorf(CheckPlan, "room %s has unknown provenance %q", old, m.Provenance)
		}
		if _, ok := p.Events[plan.SpaceParentKey(old)]; !ok {
			r.errorf(CheckPlan, "room %s has no space parent event id", old)
		}
	}
	for _, newID := range sortedKeys(owners) {
		if len(owners[newID]) > 1 {
			r.errorf(CheckDuplicate, "minted room %s assigned to %s", newID, strings.Join(owners[newID], ", "))
		}
		if reused[newID] {
			r.errorf(CheckDuplicate, "minted room %s collides with a reused room", newID)
		}
	}

	if len(p.Users) == 0 {
		r.warnf(CheckPlan, "user_mapping is empty")
	}
	for _, old := range sortedKeys(p.Users) {
		if !id.IsUserID(p.Users[old]) {
			r.errorf(CheckPlan, "user %s maps to malformed id %q", old, p.Users[old])
		}
	}

	if len(p.Events) == 0 {
		r.warnf(CheckPlan, "event_mapping is empty")
	}
	seen := make(map[string]string, len(p.Events))
	for _, old := range sortedKeys(p.Events) {
		newID := p.Events[old]
		if !id.IsEventID(newID) {
			r.errorf(CheckPlan, "event %s maps to malformed id %q", old, newID)
		}
		if prev, dup := seen[newID]; dup {
			r.errorf(CheckDuplicate, "event id %s assigned to both %s and %s", newID, prev, old)
		}
		seen[newID] = old
	}

	if p.Statistics.TotalRooms != len(p.Rooms) {
		r.warnf(CheckPlan, "statistics report %d rooms, mapping has %d", p.Statistics.TotalRooms, len(p.Rooms))
	}
	if p.Meta.PlanRev != "" {
		rev, err := plan.ComputeRev(p)
		switch {
		case err != nil:
			r.errorf(CheckPlan, "cannot compute plan_rev: %v", err)
		case rev != p.Meta.PlanRev:
			r.errorf(CheckPlan, "plan_rev %s does not match content (%s)", p.Meta.PlanRev, rev)
		}
	}
	return r.finish()
}

// VerifyCatalog checks a destination catalog
func VerifyCatalog(c *plan.Catalog) *Report {
	r := newReport("catalog")
	if c.SpaceID == "" {
		r.errorf(CheckCatalog, "space_id is empty")
	} else if !id.IsRoomID(c.SpaceID) {
		r.errorf(CheckCatalog, "space_id %q is not a room id", c.SpaceID)
	}
	if len(c.Rooms) == 0 {
		r.warnf(CheckCatalog, "catalog lists no rooms; every room will be created")
	}
	if c.Count != len(c.Rooms) {
		r.warnf(CheckCatalog, "count is %d but %d rooms are listed", c.Count, len(c.Rooms))
	}

	byKey := make(map[string]string)
	for _, name := range sortedKeys(c.Rooms) {
		if !id.IsRoomID(c.Rooms[name]) {
			r.errorf(CheckCatalog, "room %q has malformed id %q", name, c.Rooms[name])
		}
		key := plan.NormalizeName(name)
		if first, ok := byKey[key]; ok {
			r.warnf(CheckCatalog, "names %q and %q normalize equal; %q wins", first, name, first)
			continue
		}
		byKey[key] = name
	}
	return r.finish()
}

// VerifyAnalysis checks an analysis report for consistency
func VerifyAnalysis(a *graph.Analysis) *Report {
	r := newReport("analysis")
	s := a.Statistics

	if len(a.Rooms) == 0 {
		r.warnf(CheckAnalysis, "no migratable rooms")
	}
	if len(a.Users) == 0 {
		r.warnf(CheckAnalysis, "no users")
	}
	if s.NonEncryptedRooms != len(a.Rooms) {
		r.errorf(CheckAnalysis, "statistics report %d non-encrypted rooms, %d listed", s.NonEncryptedRooms, len(a.Rooms))
	}
	if s.EncryptedRooms != len(a.EncryptedRooms) {
		r.errorf(CheckAnalysis, "statistics report %d encrypted rooms, %d listed", s.EncryptedRooms, len(a.EncryptedRooms))
	}
	if s.TotalRooms != s.EncryptedRooms+s.NonEncryptedRooms {
		r.errorf(CheckAnalysis, "total_rooms %d is not encrypted + non-encrypted", s.TotalRooms)
	}
	if s.TotalUsers != len(a.Users) {
		r.errorf(CheckAnalysis, "statistics report %d users, %d listed", s.TotalUsers, len(a.Users))
	}

	unnamed := 0
	for _, room := range a.Rooms {
		if room.IsEncrypted {
			r.errorf(CheckEncryption, "encrypted room %s is listed as a candidate", room.RoomID)
		}
		if room.Name == nil {
			unnamed++
		}
	}
	if unnamed > 0 {
		r.warnf(CheckAnalysis, "%d room(s) have no name and will always be created", unnamed)
	}
	if s.DecodeErrors > 0 {
		r.warnf(CheckAnalysis, "%d event body(ies) could not be decoded and will be rewritten by text substitution", s.DecodeErrors)
	}
	if s.MissingBodies > 0 {
		r.warnf(CheckAnalysis, "%d event(s) have no body in the dump", s.MissingBodies)
	}
	return r.finish()
}
