package verify

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/neohoods/matrixmig/internal/emit"
	"github.com/neohoods/matrixmig/internal/graph"
	"github.com/neohoods/matrixmig/internal/id"
	"github.com/neohoods/matrixmig/internal/plan"
)

// batch is the parsed content of an emitted SQL file
type batch struct {
	rows       map[string][]Row
	external   map[string]map[string]bool
	bestEffort []string
	summary    *emit.Summary
}

// VerifyBatchFile reads and verifies the batch at path
func VerifyBatchFile(path string, p *plan.Plan) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch: %w", err)
	}
	r := VerifyBatch(data, p)
	r.Subject = path
	return r, nil
}

// VerifyBatch checks an emitted batch. When p is not nil the batch is also
// checked against the plan it was generated from.
func VerifyBatch(data []byte, p *plan.Plan) *Report {
	r := newReport("batch")

	stmts, comments, err := Split(string(data))
	if err != nil {
		r.errorf(CheckSyntax, "%v", err)
		return r.finish()
	}
	if len(stmts) == 0 {
		r.errorf(CheckAtomicity, "batch contains no statements")
		return r.finish()
	}

	b := &batch{
		rows:     make(map[string][]Row),
		external: make(map[string]map[string]bool),
	}
	checkAtomicity(r, stmts)
	for _, st := range stmts {
		if st.Keyword() != "INSERT" {
			continue
		}
		row, err := ParseInsert(st)
		if err != nil {
			r.errorf(CheckSyntax, "line %d: %v", st.Line, err)
			continue
		}
		if !row.Guarded {
			r.errorf(CheckIdempotency, "line %d: insert into %s is not guarded against re-application", row.Line, row.Table)
		}
		b.rows[row.Table] = append(b.rows[row.Table], row)
	}
	b.readComments(r, comments)

	events := b.checkEvents(r)
	b.checkReferences(r, events)
	b.checkBestEffortBodies(r, events)
	b.checkState(r, events)
	b.checkRooms(r, p)
	b.checkSummary(r)
	for _, ev := range b.bestEffort {
		r.warnf(CheckBestEffort, "event %s was rewritten by text substitution", ev)
	}
	return r.finish()
}

func checkAtomicity(r *Report, stmts []Statement) {
	const (
		before = iota
		inside
		after
	)
	state := before
	for _, st := range stmts {
		switch kw := st.Keyword(); kw {
		case "BEGIN":
			if state != before {
				r.errorf(CheckAtomicity, "line %d: unexpected BEGIN", st.Line)
			}
			state = inside
		case "COMMIT":
			if state != inside {
				r.errorf(CheckAtomicity, "line %d: COMMIT without BEGIN", st.Line)
			}
			state = after
		case "INSERT":
			if state != inside {
				r.errorf(CheckAtomicity, "line %d: insert outside the transaction", st.Line)
			}
		default:
			r.errorf(CheckSyntax, "line %d: unsupported statement %s", st.Line, kw)
		}
	}
	switch state {
	case before:
		r.errorf(CheckAtomicity, "batch has no BEGIN")
	case inside:
		r.errorf(CheckAtomicity, "batch has no COMMIT")
	}
}

func (b *batch) readComments(r *Report, comments []Comment) {
	for _, c := range comments {
		switch {
		case strings.HasPrefix(c.Text, emit.TagExternalReference):
			event, ref, ok := strings.Cut(strings.TrimPrefix(c.Text, emit.TagExternalReference), " -> ")
			if !ok {
				r.errorf(CheckSyntax, "line %d: malformed external reference tag", c.Line)
				continue
			}
			if b.external[event] == nil {
				b.external[event] = make(map[string]bool)
			}
			b.external[event][ref] = true
		case strings.HasPrefix(c.Text, emit.TagBestEffort):
			b.bestEffort = append(b.bestEffort, strings.TrimPrefix(c.Text, emit.TagBestEffort))
		case strings.HasPrefix(c.Text, emit.TagSummary):
			var s emit.Summary
			if err := json.Unmarshal([]byte(strings.TrimPrefix(c.Text, emit.TagSummary)), &s); err != nil {
				r.errorf(CheckSummary, "line %d: unreadable summary: %v", c.Line, err)
				continue
			}
			b.summary = &s
		}
	}
}

// checkEvents returns the event ids inserted by the batch, mapped to their
// room.
func (b *batch) checkEvents(r *Report) map[string]string {
	events := make(map[string]string)
	for _, row := range b.rows["events"] {
		eventID := row.Get("event_id")
		if _, dup := events[eventID]; dup {
			r.errorf(CheckDuplicate, "line %d: event %s inserted twice", row.Line, eventID)
		}
		events[eventID] = row.Get("room_id")
		if row.Get("type") == graph.TypeEncryption {
			r.errorf(CheckEncryption, "line %d: event %s is an %s event", row.Line, eventID, graph.TypeEncryption)
		}
	}

	bodies := make(map[string]bool)
	for _, row := range b.rows["event_json"] {
		eventID := row.Get("event_id")
		bodies[eventID] = true
		if _, ok := events[eventID]; !ok {
			r.errorf(CheckEventJSON, "line %d: body for %s has no events row", row.Line, eventID)
		}
		if !json.Valid([]byte(row.Get("json"))) {
			r.warnf(CheckEventJSON, "line %d: body of %s is not valid JSON", row.Line, eventID)
		}
	}
	for _, eventID := range sortedKeys(events) {
		if !bodies[eventID] {
			r.errorf(CheckEventJSON, "event %s has no event_json row", eventID)
		}
	}
	return events
}

func (b *batch) checkReferences(r *Report, events map[string]string) {
	check := func(table, refColumn string) {
		for _, row := range b.rows[table] {
			eventID, ref := row.Get("event_id"), row.Get(refColumn)
			if _, ok := events[eventID]; !ok {
				r.errorf(CheckReferences, "line %d: %s row for unknown event %s", row.Line, table, eventID)
			}
			if _, ok := events[ref]; ok {
				continue
			}
			if !b.external[eventID][ref] {
				r.errorf(CheckReferences, "line %d: %s of %s references %s, which is neither in the batch nor tagged external",
					row.Line, refColumn, eventID, ref)
			}
		}
	}
	check("event_edges", "prev_event_id")
	check("event_auth", "auth_id")
}

// checkBestEffortBodies looks for event references left in bodies that
// were rewritten by text substitution. Each must be in the batch or tagged
// external.
func (b *batch) checkBestEffortBodies(r *Report, events map[string]string) {
	bestEffort := make(map[string]bool, len(b.bestEffort))
	for _, ev := range b.bestEffort {
		bestEffort[ev] = true
	}
	for _, row := range b.rows["event_json"] {
		eventID := row.Get("event_id")
		if !bestEffort[eventID] {
			continue
		}
		body := row.Get("json")
		for _, m := range id.FindAll(body) {
			ref := body[m[0]:m[1]]
			if ref[0] != '$' || !quotedWhole(body, m[0], m[1]) {
				continue
			}
			if _, ok := events[ref]; ok || b.external[eventID][ref] {
				continue
			}
			r.errorf(CheckReferences, "line %d: body of %s references %s, which is neither in the batch nor tagged external",
				row.Line, eventID, ref)
		}
	}
}

func quotedWhole(s string, start, end int) bool {
	return start > 0 && s[start-1] == '"' && end < len(s) && s[end] == '"'
}

func (b *batch) checkState(r *Report, events map[string]string) {
	parented := make(map[string]bool)
	for _, row := range b.rows["state_events"] {
		switch row.Get("type") {
		case graph.TypeEncryption:
			r.errorf(CheckEncryption, "line %d: room %s keeps an %s state edge", row.Line, row.Get("room_id"), graph.TypeEncryption)
		case graph.TypeSpaceParent:
			parented[row.Get("room_id")] = true
		}
		if _, ok := events[row.Get("event_id")]; !ok {
			r.warnf(CheckReferences, "line %d: state edge points at %s, which the batch does not insert", row.Line, row.Get("event_id"))
		}
	}

	rooms := make(map[string]bool)
	for _, room := range events {
		rooms[room] = true
	}
	for _, room := range sortedKeys(rooms) {
		if !parented[room] {
			r.errorf(CheckSpaceParent, "room %s has no %s state edge", room, graph.TypeSpaceParent)
		}
	}
	if len(rooms) == 0 {
		r.warnf(CheckRooms, "batch migrates no rooms")
	}
}

func (b *batch) checkRooms(r *Report, p *plan.Plan) {
	inserted := make(map[string]int)
	for _, row := range b.rows["rooms"] {
		inserted[row.Get("room_id")]++
	}
	for _, room := range sortedKeys(inserted) {
		if n := inserted[room]; n > 1 {
			r.errorf(CheckDuplicate, "room %s inserted %d times", room, n)
		}
	}
	if p == nil {
		return
	}

	skipped := make(map[string]bool)
	if b.summary != nil {
		for _, s := range b.summary.RoomsSkipped {
			skipped[s.RoomID] = true
		}
	}

	owners := make(map[string][]string)
	expected := make(map[string]bool)
	for _, old := range sortedKeys(p.Rooms) {
		m := p.Rooms[old]
		if m.Provenance == plan.ProvenanceCreated {
			owners[m.NewRoomID] = append(owners[m.NewRoomID], old)
		}
		if skipped[old] {
			continue
		}
		switch {
		case m.Provenance == plan.ProvenanceReused:
			if inserted[m.NewRoomID] > 0 {
				r.errorf(CheckRooms, "reused room %s is inserted by the batch", m.NewRoomID)
			}
		case m.CreatedViaAPI:
			if inserted[m.NewRoomID] > 0 {
				r.errorf(CheckRooms, "room %s was created through the API and is inserted again", m.NewRoomID)
			}
		default:
			expected[m.NewRoomID] = true
			if inserted[m.NewRoomID] == 0 {
				r.errorf(CheckRooms, "room %s (from %s) slated for creation is missing", m.NewRoomID, old)
			}
		}
	}
	for _, newID := range sortedKeys(owners) {
		if len(owners[newID]) > 1 {
			r.errorf(CheckDuplicate, "minted room %s assigned to %s", newID, strings.Join(owners[newID], ", "))
		}
	}
	for _, room := range sortedKeys(inserted) {
		if !expected[room] {
			r.errorf(CheckRooms, "room %s is inserted but not slated for creation by the plan", room)
		}
	}
}

func (b *batch) checkSummary(r *Report) {
	s := b.summary
	if s == nil {
		r.errorf(CheckSummary, "batch has no migration summary")
		return
	}
	tagged := len(b.external)
	counts := []struct {
		name      string
		want, got int
	}{
		{"rooms_inserted", s.RoomsInserted, len(b.rows["rooms"])},
		{"state_edges", s.StateEdges, len(b.rows["state_events"])},
		{"events", s.Events, len(b.rows["events"])},
		{"event_edges", s.EventEdges, len(b.rows["event_edges"])},
		{"event_auth", s.EventAuth, len(b.rows["event_auth"])},
		{"external_references", s.ExternalReferences, tagged},
		{"best_effort", s.BestEffort, len(b.bestEffort)},
	}
	for _, c := range counts {
		if c.want != c.got {
			r.errorf(CheckSummary, "summary reports %s=%d, batch has %d", c.name, c.want, c.got)
		}
	}
	for _, sk := range s.RoomsSkipped {
		r.warnf(CheckRooms, "room %s was skipped: %s", sk.RoomID, sk.Reason)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ReadSummary returns the summary trailer of an emitted batch
func ReadSummary(data []byte) (*emit.Summary, error) {
	_, comments, err := Split(string(data))
	if err != nil {
		return nil, err
	}
	for _, c := range comments {
		if !strings.HasPrefix(c.Text, emit.TagSummary) {
			continue
		}
		var s emit.Summary
		if err := json.Unmarshal([]byte(strings.TrimPrefix(c.Text, emit.TagSummary)), &s); err != nil {
			return nil, fmt.Errorf("line %d: unreadable summary: %w", c.Line, err)
		}
		return &s, nil
	}
	return nil, fmt.Errorf("batch has no summary")
}
