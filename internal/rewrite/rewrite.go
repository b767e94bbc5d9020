// Package rewrite substitutes new identifiers into a room's events, state
// and room row according to a migration plan.
package rewrite

import (
	"errors"
	"fmt"
	"strings"

	"github.com/neohoods/matrixmig/internal/eventjson"
	"github.com/neohoods/matrixmig/internal/graph"
	"github.com/neohoods/matrixmig/internal/id"
	"github.com/neohoods/matrixmig/internal/plan"
)

// ErrUnmappedIdentifier marks an identifier that must be in the plan but
// is not. It is fatal for the room being rewritten.
var ErrUnmappedIdentifier = errors.New("unmapped identifier")

// UnmappedError names the identifier that could not be mapped
type UnmappedError struct {
	Kind    id.Kind
	ID      string
	EventID string
}

func (e *UnmappedError) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("event %s: no mapping for %s %s", e.EventID, e.Kind, e.ID)
	}
	return fmt.Sprintf("no mapping for %s %s", e.Kind, e.ID)
}

func (e *UnmappedError) Unwrap() error {
	return ErrUnmappedIdentifier
}

// Locator tells which room an old event id belongs to
type Locator interface {
	RoomOf(eventID string) (string, bool)
}

// Options configures a Rewriter
type Options struct {
	// Exclude lists old room ids left out of this emission. References
	// into them are treated as external.
	Exclude []string
}

// Rewriter applies a plan to room graphs. It only reads the plan and is
// safe for concurrent use.
type Rewriter struct {
	plan    *plan.Plan
	locator Locator
	exclude map[string]bool
}

// New returns a Rewriter for p. locator resolves event ids to rooms.
func New(p *plan.Plan, locator Locator, opts Options) *Rewriter {
	exclude := make(map[string]bool, len(opts.Exclude))
	for _, r := range opts.Exclude {
		exclude[r] = true
	}
	return &Rewriter{plan: p, locator: locator, exclude: exclude}
}

// Event is one rewritten event
type Event struct {
	OldID    string
	NewID    string
	RoomID   string
	Sender   string
	StateKey *string
	Prev     []string
	Auth     []string
	Body     []byte
	// Content is the rewritten legacy events.content column, if the dump
	// carried one
	Content *string
	Source  *graph.Event

	// External lists references passed through unchanged
	External   []string
	BestEffort bool
}

// HasExternalReference reports whether any reference was passed through
func (e *Event) HasExternalReference() bool {
	return len(e.External) > 0
}

// Room is the rewritten form of one room graph
type Room struct {
	OldRoomID string
	Mapping   plan.RoomMapping
	Room      graph.Room
	State     []graph.StateEdge
	Events    []*Event
}

// NewRoomID returns the destination room id
func (r *Room) NewRoomID() string {
	return r.Mapping.NewRoomID
}

// Counts of notable rewrites in a room
type Counts struct {
	Events             int
	ExternalReferences int
	BestEffort         int
}

// Counts tallies the room's flags
func (r *Room) Counts() Counts {
	c := Counts{Events: len(r.Events)}
	for _, e := range r.Events {
		if e.HasExternalReference() {
			c.ExternalReferences++
		}
		if e.BestEffort {
			c.BestEffort++
		}
	}
	return c
}

// Rewrite maps every identifier of rg. Events are returned in the order of
// rg.Events.
func (rw *Rewriter) Rewrite(rg *graph.RoomGraph) (*Room, error) {
	oldRoomID := rg.Room.ID
	mapping, ok := rw.plan.Rooms[oldRoomID]
	if !ok {
		return nil, &UnmappedError{Kind: id.KindRoom, ID: oldRoomID}
	}

	out := &Room{
		OldRoomID: oldRoomID,
		Mapping:   mapping,
		Room:      *rg.Room,
	}
	out.Room.ID = mapping.NewRoomID
	out.Room.Creator = rw.user(rg.Room.Creator)

	for _, edge := range rg.State {
		if edge.Type == graph.TypeEncryption {
			continue
		}
		newEvent, ok := rw.internalEvent(edge.EventID)
		if !ok {
			return nil, &UnmappedError{Kind: id.KindEvent, ID: edge.EventID}
		}
		rewritten := graph.StateEdge{
			EventID:  newEvent,
			RoomID:   mapping.NewRoomID,
			Type:     edge.Type,
			StateKey: rw.stateKey(edge.StateKey),
		}
		if edge.PrevState != nil {
			prev, _ := rw.internalEvent(*edge.PrevState)
			if prev == "" {
				prev = *edge.PrevState
			}
			rewritten.PrevState = &prev
		}
		out.State = append(out.State, rewritten)
	}

	for _, ev := range rg.Events {
		rev, err := rw.rewriteEvent(ev, mapping.NewRoomID)
		if err != nil {
			return nil, err
		}
		out.Events = append(out.Events, rev)
	}
	return out, nil
}

func (rw *Rewriter) rewriteEvent(ev *graph.Event, newRoomID string) (*Event, error) {
	newID, ok := rw.internalEvent(ev.ID)
	if !ok {
		return nil, &UnmappedError{Kind: id.KindEvent, ID: ev.ID}
	}
	sender, ok := rw.plan.Users[ev.Sender]
	if !ok {
		return nil, &UnmappedError{Kind: id.KindUser, ID: ev.Sender, EventID: ev.ID}
	}

	out := &Event{
		OldID:  ev.ID,
		NewID:  newID,
		RoomID: newRoomID,
		Sender: sender,
		Source: ev,
	}
	if ev.StateKey != nil {
		sk := rw.stateKey(*ev.StateKey)
		out.StateKey = &sk
	}

	v := &visitor{rw: rw, event: out}
	if ev.Content != nil {
		content, err := v.contentColumn(*ev.Content)
		if err != nil {
			return nil, fmt.Errorf("failed to encode content of event %s: %w", ev.ID, err)
		}
		out.Content = &content
	}

	if !ev.Body.Decoded() {
		out.Prev = v.rawRefs(ev.Body.Raw, "prev_events")
		out.Auth = v.rawRefs(ev.Body.Raw, "auth_events")
		out.Body = []byte(v.text(ev.Body.Raw))
		out.BestEffort = true
		return out, nil
	}

	if ev.Body.Synthesized {
		v.tagReferences(ev.Body.Raw)
	}
	body := eventjson.Clone(ev.Body.Value).(eventjson.Object)
	v.object(body, newRoomID)

	encoded, err := eventjson.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
	}
	out.Body = encoded
	out.BestEffort = ev.Body.Synthesized
	return out, nil
}

// internalEvent returns the new id of an event migrated in this emission
func (rw *Rewriter) internalEvent(old string) (string, bool) {
	newID, ok := rw.plan.Events[old]
	if !ok {
		return "", false
	}
	if len(rw.exclude) > 0 && rw.locator != nil {
		if room, found := rw.locator.RoomOf(old); found && rw.exclude[room] {
			return "", false
		}
	}
	return newID, true
}

// user maps a user id, falling back to a plain server swap for users the
// plan has not seen.
func (rw *Rewriter) user(old string) string {
	if newID, ok := rw.plan.Users[old]; ok {
		return newID
	}
	newID, _ := id.ReplaceDomain(old, rw.plan.OldServer, rw.plan.NewServer)
	return newID
}

// room maps a room id if the plan migrates it
func (rw *Rewriter) room(old string) string {
	if m, ok := rw.plan.Rooms[old]; ok && !rw.exclude[old] {
		return m.NewRoomID
	}
	return old
}

func (rw *Rewriter) stateKey(sk string) string {
	switch {
	case strings.HasPrefix(sk, "@"):
		return rw.user(sk)
	case strings.HasPrefix(sk, "!"):
		return rw.room(sk)
	default:
		return sk
	}
}
