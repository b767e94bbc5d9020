package testutil

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

const (
	roomsHeader     = "COPY public.rooms (room_id, is_public, creator, room_version, has_auth_chain_index) FROM stdin;"
	stateHeader     = "COPY public.state_events (event_id, room_id, type, state_key, prev_state) FROM stdin;"
	eventsHeader    = "COPY public.events (topological_ordering, event_id, type, room_id, content, unrecognized_keys, processed, outlier, depth, origin_server_ts, received_ts, sender, contains_url, instance_name, stream_ordering, state_key, rejection_reason) FROM stdin;"
	eventJSONHeader = "COPY public.event_json (event_id, room_id, internal_metadata, json, format_version) FROM stdin;"
)

// Event describes one event for the dump builder. When Body is empty a
// body is generated from the other fields.
type Event struct {
	ID       string
	RoomID   string
	Type     string
	Sender   string
	StateKey *string
	Content  map[string]any
	Prev     []string
	Auth     []string
	Depth    int64
	Stream   int64
	Body     string
	// NoBody omits the event_json row entirely
	NoBody bool
}

// Dump builds a pg_dump style text file
type Dump struct {
	rooms     []string
	state     []string
	events    []string
	eventJSON []string
	extra     []string
}

// NewDump returns an empty dump builder
func NewDump() *Dump {
	return &Dump{}
}

// Room adds a rooms row
func (d *Dump) Room(roomID, creator string) *Dump {
	d.rooms = append(d.rooms, row(roomID, "f", creator, "10", "t"))
	return d
}

// State adds a state_events row
func (d *Dump) State(eventID, roomID, typ, stateKey string) *Dump {
	d.state = append(d.state, row(eventID, roomID, typ, stateKey, `\N`))
	return d
}

// Raw appends a literal line to the rooms block, used to inject
// malformed rows.
func (d *Dump) Raw(line string) *Dump {
	d.extra = append(d.extra, line)
	return d
}

// Event adds an events row and its event_json row
func (d *Dump) Event(e Event) *Dump {
	stateKey := `\N`
	if e.StateKey != nil {
		stateKey = escape(*e.StateKey)
	}
	ts := 1700000000000 + e.Stream
	d.events = append(d.events, strings.Join([]string{
		fmt.Sprint(e.Depth), e.ID, e.Type, e.RoomID, `\N`, `\N`, "t", "f",
		fmt.Sprint(e.Depth), fmt.Sprint(ts), fmt.Sprint(ts), e.Sender, "f", "master",
		fmt.Sprint(e.Stream), stateKey, `\N`,
	}, "\t"))

	if e.NoBody {
		return d
	}
	body := e.Body
	if body == "" {
		body = e.json(ts)
	}
	d.eventJSON = append(d.eventJSON, row(e.ID, e.RoomID, "{}", escape(body), "3"))
	return d
}

func (e Event) json(ts int64) string {
	content := e.Content
	if content == nil {
		content = map[string]any{}
	}
	prev := e.Prev
	if prev == nil {
		prev = []string{}
	}
	auth := e.Auth
	if auth == nil {
		auth = []string{}
	}
	origin := e.Sender[strings.Index(e.Sender, ":")+1:]
	body := map[string]any{
		"type":             e.Type,
		"room_id":          e.RoomID,
		"sender":           e.Sender,
		"origin":           origin,
		"origin_server_ts": ts,
		"depth":            e.Depth,
		"content":          content,
		"prev_events":      prev,
		"auth_events":      auth,
		"hashes":           map[string]string{"sha256": "aGFzaA"},
		"signatures":       map[string]any{origin: map[string]string{"ed25519:a_key": "c2ln"}},
		"unsigned":         map[string]any{"age_ts": ts},
	}
	if e.StateKey != nil {
		body["state_key"] = *e.StateKey
	}
	out, err := json.Marshal(body)
	if err != nil {
		panic(err)
	}
	return string(out)
}

// String renders the dump
func (d *Dump) String() string {
	var b strings.Builder
	b.WriteString("--\n-- PostgreSQL database dump\n--\n\nSET client_encoding = 'UTF8';\n\n")
	block := func(header string, rows []string) {
		b.WriteString(header + "\n")
		for _, r := range rows {
			b.WriteString(r + "\n")
		}
		b.WriteString("\\.\n\n")
	}
	block(roomsHeader, append(append([]string{}, d.rooms...), d.extra...))
	block(stateHeader, d.state)
	block(eventsHeader, d.events)
	block(eventJSONHeader, d.eventJSON)
	return b.String()
}

// Write stores the dump in a temp dir and returns its path
func (d *Dump) Write(t *testing.T) string {
	t.Helper()
	return WriteFile(t, t.TempDir(), "backup.sql", d.String())
}

// WriteTo stores the dump in dir
func (d *Dump) WriteTo(t *testing.T, dir string) string {
	t.Helper()
	return WriteFile(t, dir, "backup.sql", d.String())
}

// StateKey returns a pointer for Event.StateKey
func StateKey(s string) *string {
	return &s
}

func row(fields ...string) string {
	return strings.Join(fields, "\t")
}

func escape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "\t", `\t`, "\n", `\n`, "\r", `\r`)
	return r.Replace(s)
}
