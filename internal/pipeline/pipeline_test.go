package pipeline

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neohoods/matrixmig/internal/db"
	"github.com/neohoods/matrixmig/internal/emit"
	"github.com/neohoods/matrixmig/internal/graph"
	"github.com/neohoods/matrixmig/internal/id"
	"github.com/neohoods/matrixmig/internal/metrics"
	"github.com/neohoods/matrixmig/internal/plan"
	"github.com/neohoods/matrixmig/internal/rewrite"
	"github.com/neohoods/matrixmig/internal/testutil"
	"github.com/neohoods/matrixmig/internal/verify"
)

const (
	alice   = "@alice:old.example"
	spaceID = "!space:new.example"
)

var fixedNow = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

// room adds a room with a create event and, when name is set, a name event
func room(d *testutil.Dump, roomID, name string, stream int64) (create string) {
	local := strings.TrimPrefix(strings.Split(roomID, ":")[0], "!")
	create = "$create_" + local
	d.Room(roomID, alice)
	d.State(create, roomID, graph.TypeCreate, "")
	d.Event(testutil.Event{ID: create, RoomID: roomID, Type: graph.TypeCreate, Sender: alice,
		StateKey: testutil.StateKey(""), Content: map[string]any{"creator": alice}, Depth: 1, Stream: stream})
	if name != "" {
		nameEvent := "$name_" + local
		d.State(nameEvent, roomID, graph.TypeName, "")
		d.Event(testutil.Event{ID: nameEvent, RoomID: roomID, Type: graph.TypeName, Sender: alice,
			StateKey: testutil.StateKey(""), Content: map[string]any{"name": name},
			Prev: []string{create}, Auth: []string{create}, Depth: 2, Stream: stream + 1})
	}
	return create
}

func scenarioDump() *testutil.Dump {
	d := testutil.NewDump()
	garage := room(d, "!garage:old.example", "Garage", 10)
	d.Event(testutil.Event{ID: "$g_msg", RoomID: "!garage:old.example", Type: "m.room.message", Sender: alice,
		Content: map[string]any{"body": "the door is stuck"}, Prev: []string{"$name_garage"}, Auth: []string{garage},
		Depth: 3, Stream: 12})

	room(d, "!lounge1:old.example", "Lounge ", 20)
	room(d, "!lounge2:old.example", " lounge", 30)

	room(d, "!secret:old.example", "Secret", 40)
	d.State("$enc", "!secret:old.example", graph.TypeEncryption, "")
	d.Event(testutil.Event{ID: "$enc", RoomID: "!secret:old.example", Type: graph.TypeEncryption, Sender: alice,
		StateKey: testutil.StateKey(""), Content: map[string]any{"algorithm": "m.megolm.v1.aes-sha2"}, Depth: 3, Stream: 42})
	d.Event(testutil.Event{ID: "$s_msg", RoomID: "!secret:old.example", Type: "m.room.encrypted", Sender: alice,
		Content: map[string]any{"ciphertext": "xyz"}, Prev: []string{"$enc"}, Depth: 4, Stream: 43})

	attic := room(d, "!attic:old.example", "Attic", 50)
	d.Event(testutil.Event{ID: "$a_msg", RoomID: "!attic:old.example", Type: "m.room.message", Sender: "@bob:old.example",
		Content: map[string]any{"body": "see the secret room"}, Prev: []string{"$name_attic", "$s_msg"}, Auth: []string{attic},
		Depth: 3, Stream: 52})
	return d
}

func scenarioCatalog() *plan.Catalog {
	return &plan.Catalog{
		SpaceID: spaceID,
		Rooms: map[string]string{
			"Garage": "!xyz:new.example",
			"Lounge": "!lounge:new.example",
		},
	}
}

type run struct {
	src    *Source
	plan   *plan.Plan
	result *Result
}

func runScenario(t *testing.T, d *testutil.Dump, cat *plan.Catalog, opts Options, mutate func(*plan.Plan)) *run {
	t.Helper()
	ctx := context.Background()

	src, err := Load(ctx, d.Write(t), opts)
	require.NoError(t, err)
	p, err := Resolve(ctx, src, cat, plan.Options{
		OldServer: "old.example",
		NewServer: "new.example",
		Generator: &id.Sequential{},
		Now:       fixedNow,
	}, opts)
	require.NoError(t, err)
	if mutate != nil {
		mutate(p)
	}
	res, err := Generate(ctx, src.Graph, p, emit.Options{RunID: "run-1", Now: fixedNow}, opts)
	require.NoError(t, err)
	return &run{src: src, plan: p, result: res}
}

func TestGarageIsReused(t *testing.T) {
	r := runScenario(t, scenarioDump(), scenarioCatalog(), Options{Workers: 2}, nil)

	m := r.plan.Rooms["!garage:old.example"]
	assert.Equal(t, "!xyz:new.example", m.NewRoomID)
	assert.Equal(t, plan.ProvenanceReused, m.Provenance)

	batch := string(r.result.Batch)
	assert.NotContains(t, batch, "INSERT INTO rooms (room_id, is_public, creator, room_version, has_auth_chain_index) VALUES ('!xyz:new.example'")
	assert.Contains(t, batch, "'m.space.parent', '"+spaceID+"'")

	report := verify.VerifyBatch(r.result.Batch, r.plan)
	assert.True(t, report.Pass, "%v", report.Findings)
	assert.Empty(t, report.Warnings())
}

func TestLoungeVariantsShareDestination(t *testing.T) {
	r := runScenario(t, scenarioDump(), scenarioCatalog(), Options{}, nil)

	one, two := r.plan.Rooms["!lounge1:old.example"], r.plan.Rooms["!lounge2:old.example"]
	assert.Equal(t, "!lounge:new.example", one.NewRoomID)
	assert.Equal(t, "!lounge:new.example", two.NewRoomID)
	assert.True(t, one.Reused)
	assert.True(t, two.Reused)
	assert.True(t, verify.VerifyPlan(r.plan).Pass)
}

func TestExternalPrevEventFromEncryptedRoom(t *testing.T) {
	r := runScenario(t, scenarioDump(), scenarioCatalog(), Options{}, nil)

	_, planned := r.plan.Rooms["!secret:old.example"]
	assert.False(t, planned)
	assert.Equal(t, 1, r.plan.Statistics.EncryptedRooms)
	assert.Equal(t, 1, r.result.Summary.ExternalReferences)

	newMsg := r.plan.Events["$a_msg"]
	require.NotEmpty(t, newMsg)
	batch := string(r.result.Batch)
	assert.Contains(t, batch, emit.TagExternalReference+newMsg+" -> $s_msg")
	assert.Contains(t, batch, "'"+newMsg+"', '$s_msg'")

	// encryption never reaches the output
	assert.NotContains(t, batch, graph.TypeEncryption)
	assert.NotContains(t, batch, "!secret:old.example")
	assert.True(t, verify.VerifyBatch(r.result.Batch, r.plan).Pass)
}

func TestFailedRoomIsIsolated(t *testing.T) {
	d := testutil.NewDump()
	room(d, "!a:old.example", "", 1)
	bCreate := room(d, "!b:old.example", "", 10)
	d.Event(testutil.Event{ID: "$b_msg", RoomID: "!b:old.example", Type: "m.room.message", Sender: alice,
		Content: map[string]any{"body": "b"}, Prev: []string{bCreate}, Depth: 2, Stream: 11})
	d.Event(testutil.Event{ID: "$a_msg", RoomID: "!a:old.example", Type: "m.room.message", Sender: alice,
		Content: map[string]any{"body": "a"}, Prev: []string{"$create_a", "$b_msg"}, Depth: 2, Stream: 20})

	r := runScenario(t, d, &plan.Catalog{SpaceID: spaceID}, Options{Workers: 2}, func(p *plan.Plan) {
		delete(p.Events, bCreate)
	})

	s := r.result.Summary
	require.Len(t, s.RoomsSkipped, 1)
	assert.Equal(t, "!b:old.example", s.RoomsSkipped[0].RoomID)
	assert.Contains(t, s.RoomsSkipped[0].Reason, "no mapping")
	assert.Equal(t, 1, r.result.Failed())
	assert.Equal(t, 1, s.RoomsMigrated)

	// the reference into the failed room is passed through and tagged
	assert.Contains(t, string(r.result.Batch), emit.TagExternalReference+r.plan.Events["$a_msg"]+" -> $b_msg")

	report := verify.VerifyBatch(r.result.Batch, r.plan)
	assert.True(t, report.Pass, "%v", report.Findings)
	assert.True(t, report.Has(verify.CheckRooms, verify.SeverityWarning))
}

func TestRewriteSkipsStaleRooms(t *testing.T) {
	d := testutil.NewDump()
	room(d, "!a:old.example", "", 1)
	src, err := Load(context.Background(), d.Write(t), Options{Logger: zerolog.Nop()})
	require.NoError(t, err)

	p := &plan.Plan{Rooms: map[string]plan.RoomMapping{
		"!gone:old.example": {NewRoomID: "!g:new.example", Provenance: plan.ProvenanceCreated},
	}}
	rw, err := Rewrite(context.Background(), src.Graph, p, Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.Empty(t, rw.Rooms)
	assert.Equal(t, []emit.Skipped{{RoomID: "!gone:old.example", Reason: ReasonNotInDump}}, rw.Skipped)
}

func TestRewriteHonoursCancellation(t *testing.T) {
	src, err := Load(context.Background(), scenarioDump().Write(t), Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	p, err := plan.Resolve(context.Background(), src.Graph, scenarioCatalog(), plan.Options{
		OldServer: "old.example", NewServer: "new.example", Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Rewrite(ctx, src.Graph, p, Options{Logger: zerolog.Nop()})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBatchRehearsesIdempotently(t *testing.T) {
	r := runScenario(t, scenarioDump(), scenarioCatalog(), Options{}, nil)

	database, err := db.Open(filepath.Join(t.TempDir(), "rehearsal.db"))
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, database.Migrate())

	res, err := database.Rehearse(context.Background(), string(r.result.Batch))
	require.NoError(t, err)
	assert.True(t, res.Idempotent, "%v", res.Drifts)
	assert.Equal(t, int64(r.result.Summary.Events), res.First["events"])
	assert.Equal(t, int64(r.result.Summary.RoomsInserted), res.First["rooms"])
}

func TestGenerateRecordsMetrics(t *testing.T) {
	rec := metrics.New()
	r := runScenario(t, scenarioDump(), scenarioCatalog(), Options{Metrics: rec}, nil)

	path := filepath.Join(t.TempDir(), "run.prom")
	require.NoError(t, rec.WriteTextfile(path, fixedNow()))
	out := testutil.ReadFile(t, path)
	assert.Contains(t, out, `matrixmig_stage_duration_seconds_count{stage="rewrite"} 1`)
	assert.Contains(t, out, `matrixmig_events_total{kind="emitted"} `+strconv.Itoa(r.result.Summary.Events))
}

func TestRewrittenRoomsKeepOrder(t *testing.T) {
	src, err := Load(context.Background(), scenarioDump().Write(t), Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	p, err := plan.Resolve(context.Background(), src.Graph, scenarioCatalog(), plan.Options{
		OldServer: "old.example", NewServer: "new.example", Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	rw, err := Rewrite(context.Background(), src.Graph, p, Options{Workers: 3, Logger: zerolog.Nop()})
	require.NoError(t, err)
	var got []string
	for _, room := range rw.Rooms {
		got = append(got, room.OldRoomID)
	}
	assert.Equal(t, []string{"!attic:old.example", "!garage:old.example", "!lounge1:old.example", "!lounge2:old.example"}, got)
	assert.IsType(t, &rewrite.Room{}, rw.Rooms[0])
}
