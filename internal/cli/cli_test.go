package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/neohoods/matrixmig/internal/cli/appctx"
	"github.com/neohoods/matrixmig/internal/config"
	"github.com/neohoods/matrixmig/internal/emit"
	"github.com/neohoods/matrixmig/internal/graph"
	"github.com/neohoods/matrixmig/internal/matrix"
	"github.com/neohoods/matrixmig/internal/plan"
	"github.com/neohoods/matrixmig/internal/testutil"
)

const (
	testSpace = "!space:new.example"
	testToken = "token"
	roomA     = "!garage:old.example"
	roomB     = "!attic:old.example"
	alice     = "@alice:old.example"
)

func resetGlobals() {
	analyzeDump, analyzeOut, analyzeYAML = "", "", false
	fetchRoomsOut = "existing-rooms.json"
	planDump, planCatalog, planCache, planOut = "", "", "", "migration-plan.json"
	createRoomsPlan, createRoomsOut = "", ""
	generateDump, generatePlan, generateOut = "", "", "migration.sql"
	generateStreamBase, generatePublish, generateRunID, generateJSON = -1, "", "", false
	verifyPlan, verifySQL, verifyCatalog, verifyAnalysis, verifyJSON = "", "", "", "", false
	rehearseSQL, rehearseDB, rehearseJSON = "migration.sql", "", false
	applySQL, applyPlan, applySkipVerify = "migration.sql", "", false
	versionJSON = false
}

func createTestApp(t *testing.T) *appctx.App {
	t.Helper()
	cfg := config.Default()
	cfg.OldServer = "old.example"
	cfg.NewServer = "new.example"
	cfg.SpaceID = testSpace
	cfg.RateLimit = 0
	return &appctx.App{Config: cfg, Log: zerolog.Nop()}
}

func newTestCmd() (*cobra.Command, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetContext(context.Background())
	return cmd, buf
}

func writeTestDump(t *testing.T, dir string) string {
	t.Helper()
	d := testutil.NewDump()
	for i, r := range []struct{ id, name string }{{roomA, "Garage"}, {roomB, "Attic"}} {
		create, name := "$create_"+r.name, "$name_"+r.name
		d.Room(r.id, alice).
			State(create, r.id, graph.TypeCreate, "").
			State(name, r.id, graph.TypeName, "")
		base := int64(i * 10)
		d.Event(testutil.Event{ID: create, RoomID: r.id, Type: graph.TypeCreate, Sender: alice,
			StateKey: testutil.StateKey(""), Content: map[string]any{"creator": alice}, Depth: 1, Stream: base + 1})
		d.Event(testutil.Event{ID: name, RoomID: r.id, Type: graph.TypeName, Sender: alice,
			StateKey: testutil.StateKey(""), Content: map[string]any{"name": r.name},
			Prev: []string{create}, Auth: []string{create}, Depth: 2, Stream: base + 2})
		d.Event(testutil.Event{ID: "$msg_" + r.name, RoomID: r.id, Type: "m.room.message", Sender: alice,
			Content: map[string]any{"body": "hello from " + r.name},
			Prev:    []string{name}, Auth: []string{create}, Depth: 3, Stream: base + 3})
	}
	return d.WriteTo(t, dir)
}

func writeCatalog(t *testing.T, dir string, rooms map[string]string) string {
	t.Helper()
	path := filepath.Join(dir, "existing-rooms.json")
	if rooms == nil {
		rooms = map[string]string{}
	}
	cat := &plan.Catalog{SpaceID: testSpace, Homeserver: "new.example", Rooms: rooms, Count: len(rooms)}
	if err := plan.SaveCatalog(path, cat); err != nil {
		t.Fatalf("failed to save catalog: %v", err)
	}
	return path
}

func TestMigrationWorkflow(t *testing.T) {
	dir := t.TempDir()
	dumpPath := writeTestDump(t, dir)
	catalog := writeCatalog(t, dir, map[string]string{"Garage": "!existing:new.example"})
	app := createTestApp(t)

	// analyze
	resetGlobals()
	analyzeDump = dumpPath
	analyzeOut = filepath.Join(dir, "analysis.json")
	cmd, out := newTestCmd()
	if err := runAnalyze(app, cmd, nil); err != nil {
		t.Fatalf("runAnalyze failed: %v", err)
	}
	if !strings.Contains(out.String(), "Rooms:      2") {
		t.Fatalf("unexpected analyze output:\n%s", out)
	}

	// plan
	resetGlobals()
	planDump = dumpPath
	planCatalog = catalog
	planOut = filepath.Join(dir, "plan.json")
	cmd, out = newTestCmd()
	if err := runPlan(app, cmd, nil); err != nil {
		t.Fatalf("runPlan failed: %v", err)
	}
	p, err := plan.Load(planOut)
	if err != nil {
		t.Fatalf("failed to load plan: %v", err)
	}
	if got := p.Rooms[roomA]; !got.Reused || got.NewRoomID != "!existing:new.example" {
		t.Fatalf("expected Garage to reuse the catalog room, got %+v", got)
	}
	if got := p.Rooms[roomB]; got.Reused {
		t.Fatalf("expected Attic to get a new room, got %+v", got)
	}

	// a second plan using the first as cache makes the same decisions
	resetGlobals()
	planDump = dumpPath
	planCatalog = catalog
	planCache = filepath.Join(dir, "plan.json")
	planOut = filepath.Join(dir, "plan2.json")
	cmd, _ = newTestCmd()
	if err := runPlan(app, cmd, nil); err != nil {
		t.Fatalf("runPlan with cache failed: %v", err)
	}
	cmd, out = newTestCmd()
	if err := runPlanDiff(cmd, []string{filepath.Join(dir, "plan.json"), planOut}); err != nil {
		t.Fatalf("expected identical plans, got %v:\n%s", err, out)
	}

	// generate
	resetGlobals()
	generateDump = dumpPath
	generatePlan = filepath.Join(dir, "plan.json")
	generateOut = filepath.Join(dir, "migration.sql")
	generateStreamBase = 1000
	generateRunID = "run-1"
	generatePublish = filepath.Join(dir, "published")
	app.Config.MetricsOut = filepath.Join(dir, "metrics.prom")
	cmd, out = newTestCmd()
	if err := runGenerate(app, cmd, nil); err != nil {
		t.Fatalf("runGenerate failed: %v\n%s", err, out)
	}
	if !strings.Contains(out.String(), "Rooms migrated:      2") {
		t.Fatalf("unexpected generate output:\n%s", out)
	}
	for _, name := range []string{"migration.sql", "plan.json"} {
		if _, err := os.Stat(filepath.Join(dir, "published", name)); err != nil {
			t.Fatalf("expected %s to be published: %v", name, err)
		}
	}
	metrics, err := os.ReadFile(app.Config.MetricsOut)
	if err != nil {
		t.Fatalf("failed to read metrics: %v", err)
	}
	if !strings.Contains(string(metrics), "matrixmig_") {
		t.Fatalf("metrics file has no matrixmig series:\n%s", metrics)
	}

	// verify
	resetGlobals()
	verifyPlan = filepath.Join(dir, "plan.json")
	verifySQL = filepath.Join(dir, "migration.sql")
	verifyCatalog = catalog
	verifyAnalysis = filepath.Join(dir, "analysis.json")
	cmd, out = newTestCmd()
	if err := runVerify(cmd, nil); err != nil {
		t.Fatalf("runVerify failed: %v\n%s", err, out)
	}
	if !strings.Contains(out.String(), "PASS") {
		t.Fatalf("expected PASS, got:\n%s", out)
	}

	// rehearse
	resetGlobals()
	rehearseSQL = filepath.Join(dir, "migration.sql")
	rehearseDB = filepath.Join(dir, "rehearsal.db")
	cmd, out = newTestCmd()
	if err := runRehearse(app, cmd, nil); err != nil {
		t.Fatalf("runRehearse failed: %v\n%s", err, out)
	}
	if !strings.Contains(out.String(), "Batch is idempotent") {
		t.Fatalf("unexpected rehearse output:\n%s", out)
	}
}

func TestGenerateJSONSummary(t *testing.T) {
	dir := t.TempDir()
	dumpPath := writeTestDump(t, dir)
	app := createTestApp(t)

	resetGlobals()
	planDump = dumpPath
	planCatalog = writeCatalog(t, dir, nil)
	planOut = filepath.Join(dir, "plan.json")
	cmd, _ := newTestCmd()
	if err := runPlan(app, cmd, nil); err != nil {
		t.Fatalf("runPlan failed: %v", err)
	}

	resetGlobals()
	generateDump = dumpPath
	generatePlan = filepath.Join(dir, "plan.json")
	generateOut = filepath.Join(dir, "migration.sql")
	generateJSON = true
	app.Config.StreamOrderingBase = 500
	cmd, out := newTestCmd()
	if err := runGenerate(app, cmd, nil); err != nil {
		t.Fatalf("runGenerate failed: %v", err)
	}

	var s emit.Summary
	if err := json.Unmarshal(out.Bytes(), &s); err != nil {
		t.Fatalf("summary is not JSON: %v\n%s", err, out)
	}
	if s.StreamOrderingBase != 500 {
		t.Fatalf("expected stream base from config, got %d", s.StreamOrderingBase)
	}
	if s.RoomsMigrated != 2 || s.RoomsReused != 0 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if s.RunID == "" {
		t.Fatalf("expected a generated run id")
	}
}

func TestGenerateRequiresPlan(t *testing.T) {
	resetGlobals()
	cmd, _ := newTestCmd()
	err := runGenerate(createTestApp(t), cmd, nil)
	if err == nil || !strings.Contains(err.Error(), "--plan") {
		t.Fatalf("expected missing plan error, got %v", err)
	}
}

func TestPlanDiffReportsChanges(t *testing.T) {
	dir := t.TempDir()
	dumpPath := writeTestDump(t, dir)
	app := createTestApp(t)

	for name, rooms := range map[string]map[string]string{
		"a.json": nil,
		"b.json": {"Attic": "!attic:new.example"},
	} {
		resetGlobals()
		planDump = dumpPath
		planCatalog = writeCatalog(t, t.TempDir(), rooms)
		planOut = filepath.Join(dir, name)
		cmd, _ := newTestCmd()
		if err := runPlan(app, cmd, nil); err != nil {
			t.Fatalf("runPlan %s failed: %v", name, err)
		}
	}

	cmd, out := newTestCmd()
	err := runPlanDiff(cmd, []string{filepath.Join(dir, "a.json"), filepath.Join(dir, "b.json")})
	if err == nil {
		t.Fatalf("expected plans to differ")
	}
	if !strings.Contains(out.String(), "!attic:new.example") {
		t.Fatalf("diff does not mention the reused room:\n%s", out)
	}
}

func TestPlanRejectsCatalogForOtherSpace(t *testing.T) {
	dir := t.TempDir()
	app := createTestApp(t)
	app.Config.SpaceID = "!other:new.example"

	resetGlobals()
	planDump = writeTestDump(t, dir)
	planCatalog = writeCatalog(t, dir, nil)
	cmd, _ := newTestCmd()
	err := runPlan(app, cmd, nil)
	if err == nil || !strings.Contains(err.Error(), "catalog is for space") {
		t.Fatalf("expected space mismatch error, got %v", err)
	}
}

func TestVerifyFailsOnTamperedBatch(t *testing.T) {
	dir := t.TempDir()
	dumpPath := writeTestDump(t, dir)
	app := createTestApp(t)

	resetGlobals()
	planDump = dumpPath
	planCatalog = writeCatalog(t, dir, nil)
	planOut = filepath.Join(dir, "plan.json")
	cmd, _ := newTestCmd()
	if err := runPlan(app, cmd, nil); err != nil {
		t.Fatalf("runPlan failed: %v", err)
	}
	resetGlobals()
	generateDump = dumpPath
	generatePlan = filepath.Join(dir, "plan.json")
	generateOut = filepath.Join(dir, "migration.sql")
	cmd, _ = newTestCmd()
	if err := runGenerate(app, cmd, nil); err != nil {
		t.Fatalf("runGenerate failed: %v", err)
	}

	data := testutil.ReadFile(t, generateOut)
	tampered := strings.Replace(data, "COMMIT;", "", 1)
	testutil.WriteFile(t, dir, "tampered.sql", tampered)

	resetGlobals()
	verifySQL = filepath.Join(dir, "tampered.sql")
	verifyJSON = true
	cmd, out := newTestCmd()
	if err := runVerify(cmd, nil); err == nil {
		t.Fatalf("expected verification to fail")
	}
	var report struct {
		Pass bool `json:"pass"`
	}
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("report is not JSON: %v", err)
	}
	if report.Pass {
		t.Fatalf("expected report to fail")
	}
}

func TestVerifyRequiresInput(t *testing.T) {
	resetGlobals()
	cmd, _ := newTestCmd()
	if err := runVerify(cmd, nil); err == nil {
		t.Fatalf("expected error with no artifacts")
	}
}

func TestRehearseDetectsNonIdempotentBatch(t *testing.T) {
	dir := t.TempDir()
	batch := `BEGIN;
INSERT INTO event_auth (event_id, auth_id, room_id) VALUES ('$m', '$c', '!r:new.example');
COMMIT;
`
	resetGlobals()
	rehearseSQL = testutil.WriteFile(t, dir, "unguarded.sql", batch)
	cmd, _ := newTestCmd()
	err := runRehearse(createTestApp(t), cmd, nil)
	if err == nil || !strings.Contains(err.Error(), "not idempotent") {
		t.Fatalf("expected idempotency failure, got %v", err)
	}
}

// fakeHomeserver serves the client-server endpoints fetch-rooms and
// create-rooms call
type fakeHomeserver struct {
	state   map[string]string
	created []string
}

func (f *fakeHomeserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	const prefix = "/_matrix/client/v3/rooms/"
	path := r.URL.Path
	switch {
	case path == "/_matrix/client/v3/joined_rooms":
		ids := []string{testSpace}
		for id := range f.state {
			ids = append(ids, id)
		}
		json.NewEncoder(w).Encode(map[string]any{"joined_rooms": ids})
	case path == prefix+testSpace+"/state/m.room.create":
		fmt.Fprint(w, `{"type":"m.space"}`)
	case strings.HasPrefix(path, prefix) && strings.HasSuffix(path, "/state"):
		state, ok := f.state[strings.TrimSuffix(strings.TrimPrefix(path, prefix), "/state")]
		if !ok {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"errcode":"M_FORBIDDEN","error":"not in room"}`)
			return
		}
		fmt.Fprint(w, state)
	case path == "/_matrix/client/v3/createRoom":
		var body struct {
			Name string `json:"name"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.created = append(f.created, body.Name)
		fmt.Fprintf(w, `{"room_id":"!api%d:new.example"}`, len(f.created))
	default:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"errcode":"M_NOT_FOUND","error":"not found"}`)
	}
}

func withMatrix(t *testing.T, app *appctx.App, f *fakeHomeserver) {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	client, err := matrix.New(matrix.Options{Homeserver: srv.URL, AccessToken: testToken, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	app.Matrix = client
}

func TestFetchRooms(t *testing.T) {
	f := &fakeHomeserver{state: map[string]string{
		"!garage:new.example": `[{"type":"m.room.name","state_key":"","content":{"name":"Garage"}},` +
			`{"type":"m.space.parent","state_key":"` + testSpace + `","content":{}}]`,
		"!other:new.example": `[{"type":"m.room.name","state_key":"","content":{"name":"Other"}}]`,
	}}
	app := createTestApp(t)
	withMatrix(t, app, f)

	resetGlobals()
	fetchRoomsOut = filepath.Join(t.TempDir(), "existing-rooms.json")
	cmd, out := newTestCmd()
	if err := runFetchRooms(app, cmd, nil); err != nil {
		t.Fatalf("runFetchRooms failed: %v", err)
	}
	if !strings.Contains(out.String(), "Found 1 room(s)") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	cat, err := plan.LoadCatalog(fetchRoomsOut)
	if err != nil {
		t.Fatalf("failed to load catalog: %v", err)
	}
	if cat.Rooms["Garage"] != "!garage:new.example" || len(cat.Rooms) != 1 {
		t.Fatalf("unexpected catalog: %+v", cat.Rooms)
	}
}

func TestFetchRoomsUnknownSpace(t *testing.T) {
	app := createTestApp(t)
	app.Config.SpaceID = "!missing:new.example"
	withMatrix(t, app, &fakeHomeserver{})

	resetGlobals()
	fetchRoomsOut = filepath.Join(t.TempDir(), "existing-rooms.json")
	cmd, _ := newTestCmd()
	err := runFetchRooms(app, cmd, nil)
	if err == nil || !strings.Contains(err.Error(), "not visible") {
		t.Fatalf("expected missing space error, got %v", err)
	}
}

func TestCreateRooms(t *testing.T) {
	dir := t.TempDir()
	app := createTestApp(t)

	resetGlobals()
	planDump = writeTestDump(t, dir)
	planCatalog = writeCatalog(t, dir, map[string]string{"Garage": "!existing:new.example"})
	planOut = filepath.Join(dir, "plan.json")
	cmd, _ := newTestCmd()
	if err := runPlan(app, cmd, nil); err != nil {
		t.Fatalf("runPlan failed: %v", err)
	}

	f := &fakeHomeserver{}
	withMatrix(t, app, f)
	resetGlobals()
	createRoomsPlan = filepath.Join(dir, "plan.json")
	cmd, out := newTestCmd()
	if err := runCreateRooms(app, cmd, nil); err != nil {
		t.Fatalf("runCreateRooms failed: %v", err)
	}
	if len(f.created) != 1 || f.created[0] != "Attic" {
		t.Fatalf("expected only Attic to be created, got %v", f.created)
	}
	if !strings.Contains(out.String(), "Created 1 room(s)") {
		t.Fatalf("unexpected output:\n%s", out)
	}

	p, err := plan.Load(createRoomsPlan)
	if err != nil {
		t.Fatalf("failed to reload plan: %v", err)
	}
	if m := p.Rooms[roomB]; !m.CreatedViaAPI || m.NewRoomID != "!api1:new.example" {
		t.Fatalf("plan not updated with created room: %+v", m)
	}

	// a second run creates nothing
	cmd, out = newTestCmd()
	if err := runCreateRooms(app, cmd, nil); err != nil {
		t.Fatalf("second runCreateRooms failed: %v", err)
	}
	if len(f.created) != 1 {
		t.Fatalf("expected no further creations, got %v", f.created)
	}
	if !strings.Contains(out.String(), "1 already created") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestApplyRequiresDestination(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(config.EnvPrefix+"_DESTINATION_DSN", "")
	t.Chdir(t.TempDir())

	resetGlobals()
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	cmd.Flags().String("config", "", "")
	err := applyCmd.RunE(cmd, nil)
	if err == nil || !strings.Contains(err.Error(), "destination_dsn") {
		t.Fatalf("expected missing destination_dsn error, got %v", err)
	}
}

func TestVersion(t *testing.T) {
	resetGlobals()
	versionJSON = true
	cmd, out := newTestCmd()
	if err := runVersion(cmd, nil); err != nil {
		t.Fatalf("runVersion failed: %v", err)
	}
	var info struct {
		Version  string   `json:"version"`
		Commands []string `json:"supported_commands"`
	}
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("version output is not JSON: %v", err)
	}
	if info.Version != Version || len(info.Commands) != 10 {
		t.Fatalf("unexpected version info: %+v", info)
	}
}

func TestCommandsRegistered(t *testing.T) {
	for _, path := range [][]string{
		{"analyze"}, {"fetch-rooms"}, {"plan"}, {"plan", "diff"}, {"create-rooms"},
		{"generate"}, {"verify"}, {"rehearse"}, {"apply"}, {"version"},
	} {
		cmd, _, err := rootCmd.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Fatalf("command %v not registered: %v", path, err)
		}
	}
}
