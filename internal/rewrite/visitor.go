package rewrite

import (
	"slices"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/neohoods/matrixmig/internal/eventjson"
	"github.com/neohoods/matrixmig/internal/id"
)

// visitor rewrites the identifier-bearing paths of one event body in
// place. Paths it does not know are left untouched.
type visitor struct {
	rw    *Rewriter
	event *Event
}

func (v *visitor) object(body eventjson.Object, newRoomID string) {
	if _, ok := body["room_id"]; ok {
		body["room_id"] = eventjson.String(newRoomID)
	}
	if _, ok := body["event_id"]; ok {
		body["event_id"] = eventjson.String(v.event.NewID)
	}
	if _, ok := body["sender"]; ok {
		body["sender"] = eventjson.String(v.event.Sender)
	}
	if origin, ok := body.Str("origin"); ok && origin == v.rw.plan.OldServer {
		body["origin"] = eventjson.String(v.rw.plan.NewServer)
	}
	if _, ok := body.Str("state_key"); ok && v.event.StateKey != nil {
		body["state_key"] = eventjson.String(*v.event.StateKey)
	}
	if redacts, ok := body.Str("redacts"); ok {
		body["redacts"] = eventjson.String(v.ref(redacts))
	}

	if refs, ok := body["prev_events"]; ok {
		body["prev_events"], v.event.Prev = v.refs(refs)
	}
	if refs, ok := body["auth_events"]; ok {
		body["auth_events"], v.event.Auth = v.refs(refs)
	}
	if refs, ok := body["prev_state"]; ok {
		body["prev_state"], _ = v.refs(refs)
	}

	if sigs, ok := body.Obj("signatures"); ok {
		v.signatures(sigs)
	}
	if unsigned, ok := body.Obj("unsigned"); ok {
		v.unsigned(unsigned)
	}
	if content, ok := body.Obj("content"); ok {
		v.content(content)
	}
}

// ref maps one event reference, recording it as external when it does not
// belong to this emission.
func (v *visitor) ref(old string) string {
	if newID, ok := v.rw.internalEvent(old); ok {
		return newID
	}
	if !slices.Contains(v.event.External, old) {
		v.event.External = append(v.event.External, old)
	}
	return old
}

// refs rewrites a prev_events / auth_events list in either format and
// returns the flat list of resulting ids.
func (v *visitor) refs(val eventjson.Value) (eventjson.Value, []string) {
	arr, ok := val.(eventjson.Array)
	if !ok {
		return val, nil
	}
	ids := make([]string, 0, len(arr))
	out := make(eventjson.Array, len(arr))
	for i, elem := range arr {
		switch e := elem.(type) {
		case eventjson.String:
			newID := v.ref(string(e))
			ids = append(ids, newID)
			out[i] = eventjson.String(newID)
		case eventjson.Array:
			pair := append(eventjson.Array{}, e...)
			if len(pair) > 0 {
				if s, ok := pair[0].(eventjson.String); ok {
					newID := v.ref(string(s))
					ids = append(ids, newID)
					pair[0] = eventjson.String(newID)
				}
			}
			out[i] = pair
		default:
			out[i] = elem
		}
	}
	return out, ids
}

// signatures renames the old server's key; other servers are untouched.
// When the new server already signed, its keys win and the old server's
// remaining keys are merged in.
func (v *visitor) signatures(sigs eventjson.Object) {
	old, newServer := v.rw.plan.OldServer, v.rw.plan.NewServer
	s, ok := sigs[old]
	if !ok {
		return
	}
	delete(sigs, old)

	existing, ok := sigs[newServer].(eventjson.Object)
	if !ok {
		if _, present := sigs[newServer]; !present {
			sigs[newServer] = s
		}
		return
	}
	oldKeys, ok := s.(eventjson.Object)
	if !ok {
		return
	}
	merged := make(eventjson.Object, len(existing)+len(oldKeys))
	for k, val := range oldKeys {
		merged[k] = val
	}
	for k, val := range existing {
		merged[k] = val
	}
	sigs[newServer] = merged
}

func (v *visitor) unsigned(unsigned eventjson.Object) {
	if rs, ok := unsigned.Str("replaces_state"); ok {
		unsigned["replaces_state"] = eventjson.String(v.ref(rs))
	}
	if ps, ok := unsigned.Str("prev_sender"); ok {
		unsigned["prev_sender"] = eventjson.String(v.rw.user(ps))
	}
}

func (v *visitor) content(content eventjson.Object) {
	for _, key := range []string{"creator", "join_authorised_via_users_server"} {
		if u, ok := content.Str(key); ok {
			content[key] = eventjson.String(v.rw.user(u))
		}
	}

	if pred, ok := content.Obj("predecessor"); ok {
		if r, ok := pred.Str("room_id"); ok {
			pred["room_id"] = eventjson.String(v.rw.room(r))
		}
		if e, ok := pred.Str("event_id"); ok {
			pred["event_id"] = eventjson.String(v.ref(e))
		}
	}

	if users, ok := content.Obj("users"); ok {
		remapped := make(eventjson.Object, len(users))
		for u, level := range users {
			remapped[v.rw.user(u)] = level
		}
		content["users"] = remapped
	}

	if rel, ok := content.Obj("m.relates_to"); ok {
		if e, ok := rel.Str("event_id"); ok {
			rel["event_id"] = eventjson.String(v.ref(e))
		}
		if reply, ok := rel.Obj("m.in_reply_to"); ok {
			if e, ok := reply.Str("event_id"); ok {
				reply["event_id"] = eventjson.String(v.ref(e))
			}
		}
	}
}

// contentColumn rewrites the legacy events.content column. Content that
// does not decode goes through the text substitution.
func (v *visitor) contentColumn(raw string) (string, error) {
	content, err := eventjson.Decode([]byte(raw))
	if err != nil {
		return v.text(raw), nil
	}
	v.content(content)
	out, err := eventjson.Marshal(content)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// rawRefs recovers a prev_events / auth_events list from a body that does
// not decode as a whole.
func (v *visitor) rawRefs(raw, key string) []string {
	res := gjson.Get(raw, key)
	if !res.IsArray() {
		return nil
	}
	var ids []string
	res.ForEach(func(_, elem gjson.Result) bool {
		ref := elem
		if elem.IsArray() {
			ref = elem.Get("0")
		}
		if ref.Type == gjson.String {
			ids = append(ids, v.ref(ref.String()))
		}
		return true
	})
	return ids
}

// text substitutes every whole identifier in raw that the plan maps.
// Event ids standing alone as a JSON string are references: the ones
// outside this emission are recorded as external. The old server name is
// replaced only where it is a whole JSON string.
func (v *visitor) text(raw string) string {
	var b strings.Builder
	last := 0
	for _, m := range id.FindAll(raw) {
		start, end := m[0], m[1]
		tok := raw[start:end]
		b.WriteString(raw[last:start])
		b.WriteString(v.token(tok, isJSONString(raw, start, end)))
		last = end
	}
	b.WriteString(raw[last:])

	quote := func(s string) string { return `"` + s + `"` }
	return strings.ReplaceAll(b.String(), quote(v.rw.plan.OldServer), quote(v.rw.plan.NewServer))
}

// tagReferences records the whole-string event ids of raw that are not
// migrated in this emission.
func (v *visitor) tagReferences(raw string) {
	for _, m := range id.FindAll(raw) {
		if raw[m[0]] == '$' && isJSONString(raw, m[0], m[1]) {
			v.ref(raw[m[0]:m[1]])
		}
	}
}

func (v *visitor) token(tok string, whole bool) string {
	switch tok[0] {
	case '$':
		if whole {
			return v.ref(tok)
		}
		if newID, ok := v.rw.internalEvent(tok); ok {
			return newID
		}
		return tok
	case '!':
		return v.rw.room(tok)
	case '@':
		return v.rw.user(tok)
	}
	return tok
}

// isJSONString reports whether raw[start:end] is the entire content of a
// JSON string literal.
func isJSONString(raw string, start, end int) bool {
	return start > 0 && raw[start-1] == '"' && end < len(raw) && raw[end] == '"'
}
