// Package emit renders rewritten rooms as one transactional, idempotent
// SQL batch for the destination database.
package emit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/neohoods/matrixmig/internal/eventjson"
	"github.com/neohoods/matrixmig/internal/graph"
	"github.com/neohoods/matrixmig/internal/id"
	"github.com/neohoods/matrixmig/internal/plan"
	"github.com/neohoods/matrixmig/internal/rewrite"
)

// Skipped records a room left out of the batch
type Skipped struct {
	RoomID string `json:"room_id"`
	Reason string `json:"reason"`
}

// Summary is appended to the batch as a trailing comment and printed at
// the end of a run.
type Summary struct {
	RunID              string    `json:"run_id"`
	PlanRev            string    `json:"plan_rev,omitempty"`
	RoomsMigrated      int       `json:"rooms_migrated"`
	RoomsInserted      int       `json:"rooms_inserted"`
	RoomsReused        int       `json:"rooms_reused"`
	RoomsCreatedViaAPI int       `json:"rooms_created_via_api"`
	RoomsSkipped       []Skipped `json:"rooms_skipped"`
	StateEdges         int       `json:"state_edges"`
	Events             int       `json:"events"`
	EventsRewritten    int       `json:"events_rewritten"`
	EventEdges         int       `json:"event_edges"`
	EventAuth          int       `json:"event_auth"`
	ExternalReferences int       `json:"external_references"`
	BestEffort         int       `json:"best_effort"`
	StreamOrderingBase int64     `json:"stream_ordering_base"`
}

// Batch is everything one emission covers
type Batch struct {
	Plan    *plan.Plan
	Rooms   []*rewrite.Room
	Skipped []Skipped
}

// Options tunes rendering
type Options struct {
	RunID string
	Now   func() time.Time
	// StreamOrderingBase is added to each event's position in the batch
	StreamOrderingBase int64
}

type renderer struct {
	buf     bytes.Buffer
	batch   *Batch
	opts    Options
	summary *Summary
	stream  int64
}

// Render produces the SQL batch. Nothing is returned on error.
func Render(b *Batch, opts Options) ([]byte, *Summary, error) {
	if b.Plan == nil {
		return nil, nil, errors.New("batch has no plan")
	}
	if b.Plan.SpaceID == "" {
		return nil, nil, errors.New("plan has no destination space id")
	}
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	rooms := append([]*rewrite.Room{}, b.Rooms...)
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].OldRoomID < rooms[j].OldRoomID })

	skipped := append([]Skipped{}, b.Skipped...)
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].RoomID < skipped[j].RoomID })

	r := &renderer{
		batch: b,
		opts:  opts,
		summary: &Summary{
			RunID:              opts.RunID,
			PlanRev:            b.Plan.Meta.PlanRev,
			RoomsSkipped:       skipped,
			StreamOrderingBase: opts.StreamOrderingBase,
		},
	}
	if err := r.render(rooms); err != nil {
		return nil, nil, err
	}
	return r.buf.Bytes(), r.summary, nil
}

func (r *renderer) render(rooms []*rewrite.Room) error {
	p := r.batch.Plan
	fmt.Fprintf(&r.buf, "-- matrixmig migration batch\n")
	fmt.Fprintf(&r.buf, "-- run: %s\n", r.opts.RunID)
	fmt.Fprintf(&r.buf, "-- generated: %s\n", r.opts.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&r.buf, "-- old server: %s\n", p.OldServer)
	fmt.Fprintf(&r.buf, "-- new server: %s\n", p.NewServer)
	fmt.Fprintf(&r.buf, "-- space: %s\n", p.SpaceID)
	if p.Meta.PlanRev != "" {
		fmt.Fprintf(&r.buf, "-- plan: %s\n", p.Meta.PlanRev)
	}
	for _, s := range r.summary.RoomsSkipped {
		fmt.Fprintf(&r.buf, "-- skipped room %s: %s\n", s.RoomID, s.Reason)
	}
	r.buf.WriteString("\nBEGIN;\n")

	r.section("rooms")
	for _, room := range rooms {
		r.summary.RoomsMigrated++
		switch {
		case room.Mapping.Provenance == plan.ProvenanceReused:
			r.summary.RoomsReused++
			continue
		case room.Mapping.CreatedViaAPI:
			r.summary.RoomsCreatedViaAPI++
			continue
		}
		r.buf.WriteString(insert("rooms", roomColumns,
			quote(room.Room.ID),
			boolean(room.Room.IsPublic),
			nullable(optional(room.Room.Creator)),
			quote(room.Room.Version),
			boolean(room.Room.HasAuthChainIndex),
		))
		r.summary.RoomsInserted++
	}

	parents := make([]spaceParent, 0, len(rooms))
	for _, room := range rooms {
		sp, err := r.spaceParent(room)
		if err != nil {
			return err
		}
		parents = append(parents, sp)
	}

	r.section("state")
	for _, room := range rooms {
		for _, edge := range room.State {
			r.stateEdge(edge)
		}
	}
	for _, sp := range parents {
		r.stateEdge(graph.StateEdge{EventID: sp.event.NewID, RoomID: sp.event.RoomID, Type: graph.TypeSpaceParent, StateKey: *sp.event.StateKey})
	}

	r.section("events")
	var all []*rewrite.Event
	for _, room := range rooms {
		all = append(all, room.Events...)
	}
	ordered, err := topoOrder(all)
	if err != nil {
		return err
	}
	for _, ev := range ordered {
		r.event(ev)
		r.summary.EventsRewritten++
	}
	for _, sp := range parents {
		r.event(sp.event)
	}

	r.buf.WriteString("\nCOMMIT;\n\n")

	summary, err := json.Marshal(r.summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	r.buf.WriteString(TagSummary)
	r.buf.Write(summary)
	r.buf.WriteByte('\n')
	return nil
}

func (r *renderer) section(name string) {
	fmt.Fprintf(&r.buf, "\n-- %s\n", name)
}

func (r *renderer) stateEdge(edge graph.StateEdge) {
	r.buf.WriteString(insert("state_events", stateColumns,
		quote(edge.EventID),
		quote(edge.RoomID),
		quote(edge.Type),
		quote(edge.StateKey),
		nullable(edge.PrevState),
	))
	r.summary.StateEdges++
}

func (r *renderer) event(ev *rewrite.Event) {
	src := ev.Source
	r.stream++

	seen := make(map[string]bool)
	for _, ext := range ev.External {
		if !seen[ext] {
			seen[ext] = true
			fmt.Fprintf(&r.buf, "%s%s -> %s\n", TagExternalReference, ev.NewID, ext)
		}
	}
	if ev.HasExternalReference() {
		r.summary.ExternalReferences++
	}
	if ev.BestEffort {
		fmt.Fprintf(&r.buf, "%s%s\n", TagBestEffort, ev.NewID)
		r.summary.BestEffort++
	}

	r.buf.WriteString(insert("events", eventColumns,
		integer(src.TopologicalOrdering),
		quote(ev.NewID),
		quote(src.Type),
		quote(ev.RoomID),
		nullable(ev.Content),
		nullable(src.UnrecognizedKeys),
		boolean(src.Processed),
		boolean(src.Outlier),
		integer(src.Depth),
		integer(src.OriginServerTS),
		nullableInt(src.ReceivedTS),
		quote(ev.Sender),
		boolean(src.ContainsURL),
		nullable(src.InstanceName),
		integer(r.opts.StreamOrderingBase+r.stream),
		nullable(ev.StateKey),
		nullable(src.RejectionReason),
	))
	r.summary.Events++

	metadata := src.Body.InternalMetadata
	if metadata == "" {
		metadata = "{}"
	}
	r.buf.WriteString(insert("event_json", eventJSONColumns,
		quote(ev.NewID),
		quote(ev.RoomID),
		quote(metadata),
		quote(string(ev.Body)),
		nullable(src.Body.FormatVersion),
	))

	for _, prev := range uniq(ev.Prev) {
		r.buf.WriteString(insert("event_edges", edgeColumns,
			quote(ev.NewID), quote(prev), quote(ev.RoomID), boolean(false)))
		r.summary.EventEdges++
	}
	for _, auth := range uniq(ev.Auth) {
		r.buf.WriteString(insertIfAbsent("event_auth", authColumns, 2,
			quote(ev.NewID), quote(auth), quote(ev.RoomID)))
		r.summary.EventAuth++
	}
}

type spaceParent struct {
	event *rewrite.Event
}

// spaceParent builds the m.space.parent state event linking a migrated
// room to the destination space. It follows the room's last event.
func (r *renderer) spaceParent(room *rewrite.Room) (spaceParent, error) {
	p := r.batch.Plan
	eventID, ok := p.Events[plan.SpaceParentKey(room.OldRoomID)]
	if !ok {
		return spaceParent{}, &rewrite.UnmappedError{Kind: id.KindEvent, ID: plan.SpaceParentKey(room.OldRoomID)}
	}

	var (
		depth int64
		prev  []string
		last  *rewrite.Event
	)
	for _, ev := range room.Events {
		if last == nil || ev.Source.Depth > last.Source.Depth ||
			(ev.Source.Depth == last.Source.Depth && ev.Source.StreamOrdering > last.Source.StreamOrdering) {
			last = ev
		}
	}
	if last != nil {
		depth = last.Source.Depth
		prev = []string{last.NewID}
	}
	depth++

	sender := room.Room.Creator
	if sender == "" {
		sender = "@admin:" + p.NewServer
	}
	ts := r.opts.Now().UnixMilli()
	spaceID := p.SpaceID

	prevArr := make(eventjson.Array, len(prev))
	for i, ref := range prev {
		prevArr[i] = eventjson.String(ref)
	}
	body, err := eventjson.Marshal(eventjson.Object{
		"type":             eventjson.String(graph.TypeSpaceParent),
		"room_id":          eventjson.String(room.NewRoomID()),
		"sender":           eventjson.String(sender),
		"state_key":        eventjson.String(spaceID),
		"origin":           eventjson.String(p.NewServer),
		"origin_server_ts": eventjson.Number(fmt.Sprint(ts)),
		"depth":            eventjson.Number(fmt.Sprint(depth)),
		"prev_events":      prevArr,
		"auth_events":      eventjson.Array{},
		"content": eventjson.Object{
			"canonical": eventjson.Bool(true),
			"via":       eventjson.Array{eventjson.String(p.NewServer)},
		},
	})
	if err != nil {
		return spaceParent{}, err
	}

	formatVersion := "3"
	return spaceParent{event: &rewrite.Event{
		OldID:    plan.SpaceParentKey(room.OldRoomID),
		NewID:    eventID,
		RoomID:   room.NewRoomID(),
		Sender:   sender,
		StateKey: &spaceID,
		Prev:     prev,
		Body:     body,
		Source: &graph.Event{
			ID:                  plan.SpaceParentKey(room.OldRoomID),
			Type:                graph.TypeSpaceParent,
			TopologicalOrdering: depth,
			Depth:               depth,
			OriginServerTS:      ts,
			ReceivedTS:          &ts,
			Processed:           true,
			Body:                graph.Body{InternalMetadata: "{}", FormatVersion: &formatVersion},
		},
	}}, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func uniq(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// Emit renders the batch and writes it to path through a temp file and a
// rename, so a failed run never leaves a partial batch behind.
func Emit(path string, b *Batch, opts Options) (*Summary, error) {
	data, summary, err := Render(b, opts)
	if err != nil {
		return nil, err
	}
	if err := WriteFile(path, data); err != nil {
		return nil, err
	}
	return summary, nil
}

// WriteFile atomically replaces path with data
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write batch: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync batch: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write batch: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move batch into place: %w", err)
	}
	return nil
}
