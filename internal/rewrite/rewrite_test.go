package rewrite

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neohoods/matrixmig/internal/dump"
	"github.com/neohoods/matrixmig/internal/eventjson"
	"github.com/neohoods/matrixmig/internal/graph"
	"github.com/neohoods/matrixmig/internal/id"
	"github.com/neohoods/matrixmig/internal/plan"
	"github.com/neohoods/matrixmig/internal/testutil"
)

const (
	roomA  = "!roomA:old.example"
	roomB  = "!roomB:old.example"
	secret = "!secret:old.example"
	alice  = "@alice:old.example"
	bob    = "@bob:matrix.org"
)

type fixture struct {
	graph *graph.Graph
	plan  *plan.Plan
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d := testutil.NewDump().
		Room(roomA, alice).
		Room(roomB, alice).
		Room(secret, alice).
		State("$createA", roomA, graph.TypeCreate, "").
		State("$plA", roomA, graph.TypePowerLevels, "").
		State("$memberBob", roomA, graph.TypeMember, bob).
		State("$encS", secret, graph.TypeEncryption, "")

	d.Event(testutil.Event{ID: "$createA", RoomID: roomA, Type: graph.TypeCreate, Sender: alice,
		StateKey: testutil.StateKey(""), Content: map[string]any{"creator": alice,
			"predecessor": map[string]any{"room_id": roomB, "event_id": "$b1"}}, Depth: 1, Stream: 1})
	d.Event(testutil.Event{ID: "$plA", RoomID: roomA, Type: graph.TypePowerLevels, Sender: alice,
		StateKey: testutil.StateKey(""), Content: map[string]any{"users": map[string]any{alice: 100, bob: 50}},
		Prev: []string{"$createA"}, Auth: []string{"$createA"}, Depth: 2, Stream: 2})
	d.Event(testutil.Event{ID: "$memberBob", RoomID: roomA, Type: graph.TypeMember, Sender: bob,
		StateKey: testutil.StateKey(bob), Content: map[string]any{"membership": "join"},
		Prev: []string{"$plA"}, Auth: []string{"$createA", "$plA"}, Depth: 3, Stream: 3})
	d.Event(testutil.Event{ID: "$a1", RoomID: roomA, Type: "m.room.message", Sender: alice,
		Content: map[string]any{"body": "crossing", "m.relates_to": map[string]any{
			"m.in_reply_to": map[string]any{"event_id": "$memberBob"}}},
		Prev: []string{"$memberBob", "$e1"}, Auth: []string{"$createA"}, Depth: 4, Stream: 4})
	d.Event(testutil.Event{ID: "$broken", RoomID: roomA, Type: "m.room.message", Sender: alice,
		Body:  `{"room_id":"!roomA:old.example","sender":"@alice:old.example","prev_events":["$a1"],"origin":"old.example","content":{"body":"cut`,
		Depth: 5, Stream: 5})
	d.Event(testutil.Event{ID: "$b1", RoomID: roomB, Type: "m.room.message", Sender: alice,
		Body:  `{"type":"m.room.message","room_id":"!roomB:old.example","sender":"@alice:old.example","origin":"old.example","event_id":"$b1","prev_events":[["$a1",{"sha256":"abc"}]],"auth_events":[],"signatures":{"old.example":{"ed25519:k":"s"},"matrix.org":{"ed25519:k":"t"}},"unsigned":{"replaces_state":"$plA","prev_sender":"@alice:old.example"},"content":{}}`,
		Depth: 1, Stream: 6})
	d.Event(testutil.Event{ID: "$e1", RoomID: secret, Type: graph.TypeEncryption, Sender: alice,
		StateKey: testutil.StateKey(""), Depth: 1, Stream: 7})

	r, err := dump.Open(d.Write(t), zerolog.Nop())
	require.NoError(t, err)
	g, err := graph.Extract(context.Background(), r, graph.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)

	p, err := plan.Resolve(context.Background(), g, &plan.Catalog{SpaceID: "!space:new.example"}, plan.Options{
		OldServer: "old.example",
		NewServer: "new.example",
		Generator: &id.Sequential{},
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	return &fixture{graph: g, plan: p}
}

func (f *fixture) rewrite(t *testing.T, roomID string, opts Options) *Room {
	t.Helper()
	rw := New(f.plan, f.graph, opts)
	out, err := rw.Rewrite(f.graph.RoomGraph[roomID])
	require.NoError(t, err)
	return out
}

func eventByOld(t *testing.T, r *Room, old string) *Event {
	t.Helper()
	for _, e := range r.Events {
		if e.OldID == old {
			return e
		}
	}
	t.Fatalf("event %s not in rewritten room", old)
	return nil
}

func decode(t *testing.T, e *Event) eventjson.Object {
	t.Helper()
	obj, err := eventjson.Decode(e.Body)
	require.NoError(t, err)
	return obj
}

func TestRewriteTopLevelFields(t *testing.T) {
	f := newFixture(t)
	out := f.rewrite(t, roomA, Options{})

	newRoom := f.plan.Rooms[roomA].NewRoomID
	assert.Equal(t, newRoom, out.NewRoomID())
	assert.Equal(t, newRoom, out.Room.ID)
	assert.Equal(t, "@alice:new.example", out.Room.Creator)

	a1 := eventByOld(t, out, "$a1")
	assert.Equal(t, f.plan.Events["$a1"], a1.NewID)
	assert.Equal(t, "@alice:new.example", a1.Sender)

	body := decode(t, a1)
	roomID, _ := body.Str("room_id")
	assert.Equal(t, newRoom, roomID)
	sender, _ := body.Str("sender")
	assert.Equal(t, "@alice:new.example", sender)
	origin, _ := body.Str("origin")
	assert.Equal(t, "new.example", origin)
}

func TestRewriteExternalPrevEventFromEncryptedRoom(t *testing.T) {
	f := newFixture(t)
	out := f.rewrite(t, roomA, Options{})

	a1 := eventByOld(t, out, "$a1")
	assert.Equal(t, []string{f.plan.Events["$memberBob"], "$e1"}, a1.Prev)
	assert.True(t, a1.HasExternalReference())
	assert.Equal(t, []string{"$e1"}, a1.External)

	reply, ok := decode(t, a1).Path("content", "m.relates_to", "m.in_reply_to", "event_id")
	require.True(t, ok)
	assert.Equal(t, eventjson.String(f.plan.Events["$memberBob"]), reply)

	assert.Equal(t, 1, out.Counts().ExternalReferences)
}

func TestRewriteContentFields(t *testing.T) {
	f := newFixture(t)
	out := f.rewrite(t, roomA, Options{})

	create := decode(t, eventByOld(t, out, "$createA"))
	creator, _ := create.Path("content", "creator")
	assert.Equal(t, eventjson.String("@alice:new.example"), creator)
	predRoom, _ := create.Path("content", "predecessor", "room_id")
	assert.Equal(t, eventjson.String(f.plan.Rooms[roomB].NewRoomID), predRoom)
	predEvent, _ := create.Path("content", "predecessor", "event_id")
	assert.Equal(t, eventjson.String(f.plan.Events["$b1"]), predEvent)

	pl := decode(t, eventByOld(t, out, "$plA"))
	users, ok := pl.Path("content", "users")
	require.True(t, ok)
	assert.Equal(t, eventjson.Object{
		"@alice:new.example": eventjson.Number("100"),
		bob:                  eventjson.Number("50"),
	}, users)

	member := eventByOld(t, out, "$memberBob")
	require.NotNil(t, member.StateKey)
	assert.Equal(t, bob, *member.StateKey, "foreign users keep their id")
	assert.Equal(t, []string{f.plan.Events["$createA"], f.plan.Events["$plA"]}, member.Auth)
}

func TestRewriteSignaturesUnsignedAndPairFormat(t *testing.T) {
	f := newFixture(t)
	out := f.rewrite(t, roomB, Options{})

	b1 := eventByOld(t, out, "$b1")
	body := decode(t, b1)

	sigs, ok := body.Obj("signatures")
	require.True(t, ok)
	assert.Contains(t, sigs, "new.example")
	assert.Contains(t, sigs, "matrix.org")
	assert.NotContains(t, sigs, "old.example")

	eventID, _ := body.Str("event_id")
	assert.Equal(t, b1.NewID, eventID)

	prev, _ := body.Arr("prev_events")
	require.Len(t, prev, 1)
	pair := prev[0].(eventjson.Array)
	assert.Equal(t, eventjson.String(f.plan.Events["$a1"]), pair[0])
	assert.Equal(t, eventjson.Object{"sha256": eventjson.String("abc")}, pair[1])
	assert.Equal(t, []string{f.plan.Events["$a1"]}, b1.Prev)

	rs, _ := body.Path("unsigned", "replaces_state")
	assert.Equal(t, eventjson.String(f.plan.Events["$plA"]), rs)
	ps, _ := body.Path("unsigned", "prev_sender")
	assert.Equal(t, eventjson.String("@alice:new.example"), ps)
	assert.False(t, b1.HasExternalReference())
}

func TestRewriteBestEffortFallback(t *testing.T) {
	f := newFixture(t)
	out := f.rewrite(t, roomA, Options{})

	broken := eventByOld(t, out, "$broken")
	assert.True(t, broken.BestEffort)
	body := string(broken.Body)
	assert.Contains(t, body, f.plan.Rooms[roomA].NewRoomID)
	assert.Contains(t, body, `"@alice:new.example"`)
	assert.Contains(t, body, f.plan.Events["$a1"])
	assert.Contains(t, body, `"origin":"new.example"`)
	assert.NotContains(t, body, "old.example")
	assert.Equal(t, 1, out.Counts().BestEffort)

	assert.Equal(t, []string{f.plan.Events["$a1"]}, broken.Prev)
	assert.Empty(t, broken.Auth)
	assert.Empty(t, broken.External)
}

func textPlan() *plan.Plan {
	return &plan.Plan{
		OldServer: "old.example",
		NewServer: "new.example",
		Rooms:     map[string]plan.RoomMapping{roomA: {NewRoomID: "!A:new.example"}},
		Users:     map[string]string{alice: "@alice:new.example", "@bob:old.example": "@bob:new.example"},
		Events:    map[string]string{"$a1": "$N1", "$a1b": "$N2", "$broken": "$NB"},
	}
}

func TestRewriteTextSubstitution(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		want     string
		external []string
	}{
		{"prefix of a longer mapped id", `["$a1b","$a1"]`, `["$N2","$N1"]`, nil},
		{"longer unmapped id keeps its prefix", `"see $a1bc"`, `"see $a1bc"`, nil},
		{"mapped id in prose", `"see $a1b."`, `"see $N2."`, nil},
		{"user on a longer domain", `"ping @bob:old.example.org"`, `"ping @bob:old.example.org"`, nil},
		{"mapped user at end of sentence", `"ping @bob:old.example."`, `"ping @bob:new.example."`, nil},
		{"room id", `{"room_id":"!roomA:old.example"}`, `{"room_id":"!A:new.example"}`, nil},
		{"server name as whole string only", `{"origin":"old.example","x":"old.example.org"}`, `{"origin":"new.example","x":"old.example.org"}`, nil},
		{"unknown reference is external", `{"redacts":"$gone"}`, `{"redacts":"$gone"}`, []string{"$gone"}},
		{"unknown id in prose is not a reference", `"costs $gone now"`, `"costs $gone now"`, nil},
	}

	rw := New(textPlan(), nil, Options{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &Event{}
			v := &visitor{rw: rw, event: ev}
			assert.Equal(t, tt.want, v.text(tt.raw))
			assert.Equal(t, tt.external, ev.External)
		})
	}
}

func TestRewriteBestEffortRecoversReferences(t *testing.T) {
	rw := New(textPlan(), nil, Options{})
	ev := &graph.Event{ID: "$broken", RoomID: roomA, Sender: alice, Body: graph.Body{
		Raw:       `{"prev_events":[["$a1",{"sha256":"x"}],"$elsewhere"],"auth_events":["$a1b"],"content":{"body":"cu`,
		DecodeErr: errors.New("unexpected end of JSON input"),
	}}

	out, err := rw.rewriteEvent(ev, "!A:new.example")
	require.NoError(t, err)
	assert.True(t, out.BestEffort)
	assert.Equal(t, []string{"$N1", "$elsewhere"}, out.Prev)
	assert.Equal(t, []string{"$N2"}, out.Auth)
	assert.Equal(t, []string{"$elsewhere"}, out.External)
	assert.Equal(t, `{"prev_events":[["$N1",{"sha256":"x"}],"$elsewhere"],"auth_events":["$N2"],"content":{"body":"cu`, string(out.Body))
}

func TestRewriteSynthesizedBodyTagsReferences(t *testing.T) {
	rw := New(textPlan(), nil, Options{})
	raw := `{"event_id":"$broken","content":{"custom":"$elsewhere","also":"$a1"}}`
	value, err := eventjson.Decode([]byte(raw))
	require.NoError(t, err)
	ev := &graph.Event{ID: "$broken", RoomID: roomA, Sender: alice,
		Body: graph.Body{Raw: raw, Value: value, Synthesized: true}}

	out, err := rw.rewriteEvent(ev, "!A:new.example")
	require.NoError(t, err)
	assert.True(t, out.BestEffort)
	assert.Equal(t, []string{"$elsewhere"}, out.External)
}

func TestRewriteContentColumn(t *testing.T) {
	rw := New(textPlan(), nil, Options{})
	decoded, err := eventjson.Decode([]byte(`{"content":{}}`))
	require.NoError(t, err)

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"decoded", `{"creator":"@alice:old.example"}`, `{"creator":"@alice:new.example"}`},
		{"undecodable", `{"creator":"@alice:old.example"`, `{"creator":"@alice:new.example"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content := tt.content
			ev := &graph.Event{ID: "$broken", RoomID: roomA, Sender: alice, Content: &content,
				Body: graph.Body{Value: decoded}}
			out, err := rw.rewriteEvent(ev, "!A:new.example")
			require.NoError(t, err)
			require.NotNil(t, out.Content)
			assert.Equal(t, tt.want, *out.Content)
		})
	}
}

func TestRewriteSignaturesMerge(t *testing.T) {
	rw := New(textPlan(), nil, Options{})
	sigs := eventjson.Object{
		"old.example": eventjson.Object{"ed25519:a": eventjson.String("old-a"), "ed25519:b": eventjson.String("old-b")},
		"new.example": eventjson.Object{"ed25519:a": eventjson.String("new-a")},
	}
	v := &visitor{rw: rw, event: &Event{}}
	v.signatures(sigs)

	assert.Equal(t, eventjson.Object{
		"new.example": eventjson.Object{"ed25519:a": eventjson.String("new-a"), "ed25519:b": eventjson.String("old-b")},
	}, sigs)
}

func TestRewriteExcludedRoomBecomesExternal(t *testing.T) {
	f := newFixture(t)
	out := f.rewrite(t, roomB, Options{Exclude: []string{roomA}})

	b1 := eventByOld(t, out, "$b1")
	assert.Equal(t, []string{"$a1"}, b1.Prev)
	assert.True(t, b1.HasExternalReference())
}

func TestRewriteStateEdges(t *testing.T) {
	f := newFixture(t)
	out := f.rewrite(t, roomA, Options{})

	require.Len(t, out.State, 3)
	for _, s := range out.State {
		assert.Equal(t, out.NewRoomID(), s.RoomID)
		assert.True(t, strings.HasSuffix(s.EventID, ":new.example"))
	}
}

func TestRewriteUnmappedIdentifiers(t *testing.T) {
	f := newFixture(t)

	rw := New(f.plan, f.graph, Options{})
	_, err := rw.Rewrite(f.graph.RoomGraph[secret])
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnmappedIdentifier))

	delete(f.plan.Users, alice)
	_, err = New(f.plan, f.graph, Options{}).Rewrite(f.graph.RoomGraph[roomA])
	var unmapped *UnmappedError
	require.True(t, errors.As(err, &unmapped))
	assert.Equal(t, id.KindUser, unmapped.Kind)
	assert.Equal(t, alice, unmapped.ID)
}

func TestRewriteIsReadOnly(t *testing.T) {
	f := newFixture(t)
	before, err := eventjson.Marshal(f.graph.RoomGraph[roomA].Events[0].Body.Value)
	require.NoError(t, err)

	f.rewrite(t, roomA, Options{})

	after, err := eventjson.Marshal(f.graph.RoomGraph[roomA].Events[0].Body.Value)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}
