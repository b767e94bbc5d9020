package graph

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/neohoods/matrixmig/internal/dump"
	"github.com/neohoods/matrixmig/internal/eventjson"
	"github.com/neohoods/matrixmig/internal/id"
)

// Source yields dump records one kind at a time
type Source interface {
	Records(kind dump.Kind) iter.Seq2[dump.Record, error]
}

// ErrMissingBody marks an event with no event_json row
var ErrMissingBody = errors.New("event has no stored body")

// Options tunes extraction
type Options struct {
	Workers int
	Logger  zerolog.Logger
}

// Extract reads every record kind from src and builds the room graphs.
// Bodies of encrypted rooms are only kept for the state needed to name
// the room.
func Extract(ctx context.Context, src Source, opts Options) (*Graph, error) {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	log := opts.Logger.With().Str("component", "extract").Logger()

	g := &Graph{
		RoomGraph: make(map[string]*RoomGraph),
		eventRoom: make(map[string]string),
	}

	if err := g.readRooms(src); err != nil {
		return nil, err
	}
	nameEvents, err := g.readState(src)
	if err != nil {
		return nil, err
	}
	if err := g.readEvents(src); err != nil {
		return nil, err
	}
	if err := g.readBodies(src, nameEvents); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := g.decodeBodies(ctx, opts.Workers); err != nil {
		return nil, err
	}

	g.resolveNames(nameEvents)
	g.collectUsers()

	for _, rg := range g.RoomGraph {
		sort.SliceStable(rg.Events, func(i, j int) bool {
			a, b := rg.Events[i], rg.Events[j]
			if a.StreamOrdering != b.StreamOrdering {
				return a.StreamOrdering < b.StreamOrdering
			}
			return a.ID < b.ID
		})
	}

	log.Info().
		Int("rooms", g.Stats.Rooms).
		Int("encrypted", g.Stats.EncryptedRooms).
		Int("events", g.Stats.Events).
		Int("decode_errors", g.Stats.DecodeErrors).
		Msg("extracted room graphs")
	return g, nil
}

func (g *Graph) readRooms(src Source) error {
	for rec, err := range src.Records(dump.KindRooms) {
		if err != nil {
			return fmt.Errorf("failed to read rooms: %w", err)
		}
		roomID := rec.String("room_id")
		if roomID == "" {
			g.Stats.OrphanRecords++
			continue
		}
		if _, dup := g.RoomGraph[roomID]; dup {
			continue
		}
		room := &Room{
			ID:                roomID,
			IsPublic:          rec.Bool("is_public"),
			Creator:           rec.String("creator"),
			Version:           rec.String("room_version"),
			HasAuthChainIndex: rec.Bool("has_auth_chain_index"),
		}
		g.Rooms = append(g.Rooms, room)
		g.RoomGraph[roomID] = &RoomGraph{Room: room, byID: make(map[string]*Event)}
		g.Stats.Rooms++
	}
	return nil
}

// readState returns room id -> event id of the m.room.name edge
func (g *Graph) readState(src Source) (map[string]string, error) {
	nameEvents := make(map[string]string)
	for rec, err := range src.Records(dump.KindStateEvents) {
		if err != nil {
			return nil, fmt.Errorf("failed to read state_events: %w", err)
		}
		edge := StateEdge{
			EventID:   rec.String("event_id"),
			RoomID:    rec.String("room_id"),
			Type:      rec.String("type"),
			StateKey:  rec.String("state_key"),
			PrevState: rec.Nullable("prev_state"),
		}
		rg, ok := g.RoomGraph[edge.RoomID]
		if !ok {
			g.Stats.OrphanRecords++
			continue
		}
		rg.State = append(rg.State, edge)
		g.eventRoom[edge.EventID] = edge.RoomID
		g.Stats.StateEvents++

		switch {
		case edge.Type == TypeEncryption:
			if !rg.Room.Encrypted {
				rg.Room.Encrypted = true
				g.Stats.EncryptedRooms++
			}
		case edge.Type == TypeName && edge.StateKey == "":
			nameEvents[edge.RoomID] = edge.EventID
		}
	}
	return nameEvents, nil
}

func (g *Graph) readEvents(src Source) error {
	for rec, err := range src.Records(dump.KindEvents) {
		if err != nil {
			return fmt.Errorf("failed to read events: %w", err)
		}
		ev, err := eventFromRecord(rec)
		if err != nil {
			return err
		}
		rg, ok := g.RoomGraph[ev.RoomID]
		if !ok {
			g.Stats.OrphanRecords++
			continue
		}
		if _, dup := rg.byID[ev.ID]; dup {
			continue
		}
		rg.Events = append(rg.Events, ev)
		rg.byID[ev.ID] = ev
		g.eventRoom[ev.ID] = ev.RoomID
		g.Stats.Events++
	}
	return nil
}

func eventFromRecord(rec dump.Record) (*Event, error) {
	ev := &Event{
		ID:               rec.String("event_id"),
		RoomID:           rec.String("room_id"),
		Type:             rec.String("type"),
		StateKey:         rec.Nullable("state_key"),
		Sender:           rec.String("sender"),
		Processed:        rec.Bool("processed"),
		Outlier:          rec.Bool("outlier"),
		ContainsURL:      rec.Bool("contains_url"),
		InstanceName:     rec.Nullable("instance_name"),
		RejectionReason:  rec.Nullable("rejection_reason"),
		Content:          rec.Nullable("content"),
		UnrecognizedKeys: rec.Nullable("unrecognized_keys"),
	}

	var err error
	if ev.TopologicalOrdering, err = rec.Int64("topological_ordering"); err != nil {
		return nil, err
	}
	if ev.Depth, err = rec.Int64("depth"); err != nil {
		return nil, err
	}
	if ev.StreamOrdering, err = rec.Int64("stream_ordering"); err != nil {
		return nil, err
	}
	if ev.OriginServerTS, err = rec.Int64("origin_server_ts"); err != nil {
		return nil, err
	}
	if _, ok := rec.Get("received_ts"); ok {
		ts, err := rec.Int64("received_ts")
		if err != nil {
			return nil, err
		}
		ev.ReceivedTS = &ts
	}
	return ev, nil
}

func (g *Graph) readBodies(src Source, nameEvents map[string]string) error {
	isNameEvent := make(map[string]bool, len(nameEvents))
	for _, eid := range nameEvents {
		isNameEvent[eid] = true
	}

	// Name events of encrypted rooms may only exist as state edges
	stateOnly := make(map[string]*Event)

	for rec, err := range src.Records(dump.KindEventJSON) {
		if err != nil {
			return fmt.Errorf("failed to read event_json: %w", err)
		}
		eventID := rec.String("event_id")
		rg, ok := g.RoomGraph[rec.String("room_id")]
		if !ok {
			g.Stats.OrphanRecords++
			continue
		}
		if rg.Room.Encrypted && !isNameEvent[eventID] {
			continue
		}
		ev, ok := rg.byID[eventID]
		if !ok {
			if !isNameEvent[eventID] {
				g.Stats.OrphanRecords++
				continue
			}
			ev = &Event{ID: eventID, RoomID: rg.Room.ID}
			stateOnly[eventID] = ev
		}
		ev.Body.Raw = rec.String("json")
		ev.Body.InternalMetadata = rec.String("internal_metadata")
		ev.Body.FormatVersion = rec.Nullable("format_version")
		g.Stats.EventBodies++
	}

	for eid, ev := range stateOnly {
		g.RoomGraph[ev.RoomID].byID[eid] = ev
	}
	return nil
}

// decodeBodies parses every stored body exactly once, one room per task
func (g *Graph) decodeBodies(ctx context.Context, workers int) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)

	stats := make([]Stats, len(g.Rooms))
	for i, room := range g.Rooms {
		rg := g.RoomGraph[room.ID]
		st := &stats[i]
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for _, ev := range rg.byID {
				decodeBody(ev, rg.Room, st)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for _, st := range stats {
		g.Stats.DecodeErrors += st.DecodeErrors
		g.Stats.MissingBodies += st.MissingBodies
	}
	return nil
}

func decodeBody(ev *Event, room *Room, st *Stats) {
	if ev.Body.Raw == "" {
		if room.Encrypted {
			return
		}
		st.MissingBodies++
		ev.Body.Raw = synthesizeBody(ev)
		ev.Body.Synthesized = true
	}

	obj, err := eventjson.Decode([]byte(ev.Body.Raw))
	if err != nil {
		ev.Body.DecodeErr = err
		st.DecodeErrors++
		return
	}
	ev.Body.Value = obj
	ev.Body.Prev = refList(obj["prev_events"])
	ev.Body.Auth = refList(obj["auth_events"])
}

// refList reads prev_events / auth_events in either the plain id list
// format or the [id, {hashes}] pair format of early room versions.
func refList(v eventjson.Value) []string {
	arr, ok := v.(eventjson.Array)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, elem := range arr {
		switch e := elem.(type) {
		case eventjson.String:
			out = append(out, string(e))
		case eventjson.Array:
			if len(e) > 0 {
				if s, ok := e[0].(eventjson.String); ok {
					out = append(out, string(s))
				}
			}
		}
	}
	return out
}

// synthesizeBody rebuilds a minimal body from the events row when the
// event_json row is missing.
func synthesizeBody(ev *Event) string {
	obj := eventjson.Object{
		"event_id":         eventjson.String(ev.ID),
		"type":             eventjson.String(ev.Type),
		"room_id":          eventjson.String(ev.RoomID),
		"sender":           eventjson.String(ev.Sender),
		"depth":            eventjson.Number(fmt.Sprint(ev.Depth)),
		"origin_server_ts": eventjson.Number(fmt.Sprint(ev.OriginServerTS)),
		"prev_events":      eventjson.Array{},
		"auth_events":      eventjson.Array{},
		"content":          eventjson.Object{},
	}
	if ev.StateKey != nil {
		obj["state_key"] = eventjson.String(*ev.StateKey)
	}
	if ev.Content != nil {
		if content, err := eventjson.Decode([]byte(*ev.Content)); err == nil {
			obj["content"] = content
		}
	}
	if sender, err := id.Parse(ev.Sender); err == nil {
		obj["origin"] = eventjson.String(sender.Domain)
	}
	out, _ := eventjson.Marshal(obj)
	return string(out)
}

func (g *Graph) resolveNames(nameEvents map[string]string) {
	for roomID, eventID := range nameEvents {
		rg := g.RoomGraph[roomID]
		ev, ok := rg.Event(eventID)
		if !ok || !ev.Body.Decoded() {
			continue
		}
		if name, ok := ev.Body.Value.Path("content", "name"); ok {
			if s, ok := name.(eventjson.String); ok && strings.TrimSpace(string(s)) != "" {
				rg.Room.Name = string(s)
				g.Stats.NamedRooms++
			}
		}
	}
}

// collectUsers gathers every user id the dump mentions: senders, room
// creators, membership targets, power level keys and user-shaped strings
// at the top of event content.
func (g *Graph) collectUsers() {
	users := make(map[string]bool)
	add := func(s string) {
		if id.IsUserID(s) {
			users[s] = true
		}
	}

	for _, room := range g.Rooms {
		add(room.Creator)
		rg := g.RoomGraph[room.ID]
		for _, s := range rg.State {
			if strings.HasPrefix(s.StateKey, "@") {
				add(s.StateKey)
			}
		}
		for _, ev := range rg.byID {
			add(ev.Sender)
			if !ev.Body.Decoded() {
				continue
			}
			if s, ok := ev.Body.Value.Str("sender"); ok {
				add(s)
			}
			content, ok := ev.Body.Value.Obj("content")
			if !ok {
				continue
			}
			for _, v := range content {
				switch val := v.(type) {
				case eventjson.String:
					add(string(val))
				case eventjson.Array:
					for _, item := range val {
						if s, ok := item.(eventjson.String); ok {
							add(string(s))
						}
					}
				case eventjson.Object:
					for k := range val {
						add(k)
					}
				}
			}
		}
	}

	g.Users = make([]string, 0, len(users))
	for u := range users {
		g.Users = append(g.Users, u)
	}
	sort.Strings(g.Users)
}
