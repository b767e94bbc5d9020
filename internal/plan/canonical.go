package plan

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// CanonicalJSON encodes p with sorted keys, no insignificant whitespace
// and no HTML escaping.
func CanonicalJSON(p *Plan) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)

	if err := encoder.Encode(buildOrderedPlan(p)); err != nil {
		return nil, fmt.Errorf("failed to encode plan: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// ComputeRev hashes the mapping content of p. Meta is left out so that
// regenerating an identical plan yields the same revision.
func ComputeRev(p *Plan) (string, error) {
	stripped := *p
	stripped.Meta = Meta{SchemaVersion: p.Meta.SchemaVersion}
	data, err := CanonicalJSON(&stripped)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:]), nil
}

// orderedMap marshals as a JSON object with keys in slice order
type orderedMap []keyValue

type keyValue struct {
	Key   string
	Value any
}

func (om orderedMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range om {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyJSON, err := marshalNoEscape(kv.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(keyJSON)
		buf.WriteByte(':')

		valJSON, err := marshalNoEscape(kv.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(valJSON)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// buildOrderedPlan lays the artifact out in lexicographic key order
func buildOrderedPlan(p *Plan) orderedMap {
	return orderedMap{
		{"event_mapping", buildOrderedStrings(p.Events)},
		{"meta", buildOrderedMeta(&p.Meta)},
		{"new_server", p.NewServer},
		{"old_server", p.OldServer},
		{"room_mapping", buildOrderedRooms(p.Rooms)},
		{"space_id", p.SpaceID},
		{"statistics", buildOrderedStats(&p.Statistics)},
		{"user_mapping", buildOrderedStrings(p.Users)},
	}
}

func buildOrderedMeta(m *Meta) orderedMap {
	result := make(orderedMap, 0, 3)
	if m.GeneratedAt != "" {
		result = append(result, keyValue{"generated_at", m.GeneratedAt})
	}
	if m.PlanRev != "" {
		result = append(result, keyValue{"plan_rev", m.PlanRev})
	}
	result = append(result, keyValue{"schema_version", m.SchemaVersion})
	return result
}

func buildOrderedRooms(rooms map[string]RoomMapping) orderedMap {
	result := make(orderedMap, 0, len(rooms))
	for _, old := range sortedKeys(rooms) {
		r := rooms[old]
		entry := make(orderedMap, 0, 6)
		if r.CreatedViaAPI {
			entry = append(entry, keyValue{"created_via_api", true})
		}
		entry = append(entry,
			keyValue{"new_room_id", r.NewRoomID},
			keyValue{"provenance", r.Provenance},
			keyValue{"reason", r.Reason},
			keyValue{"reused", r.Reused},
			keyValue{"room_name", r.RoomName},
		)
		result = append(result, keyValue{old, entry})
	}
	return result
}

func buildOrderedStrings(m map[string]string) orderedMap {
	result := make(orderedMap, 0, len(m))
	for _, k := range sortedKeys(m) {
		result = append(result, keyValue{k, m[k]})
	}
	return result
}

func buildOrderedStats(s *Statistics) orderedMap {
	return orderedMap{
		{"cached_ids", s.CachedIDs},
		{"encrypted_rooms_skipped", s.EncryptedRooms},
		{"new_rooms", s.NewRooms},
		{"reused_rooms", s.ReusedRooms},
		{"total_events", s.TotalEvents},
		{"total_rooms", s.TotalRooms},
		{"total_users", s.TotalUsers},
		{"unnamed_rooms", s.UnnamedRooms},
	}
}

// Save stamps the revision on p and writes its canonical form to path
func Save(path string, p *Plan) error {
	rev, err := ComputeRev(p)
	if err != nil {
		return err
	}
	p.Meta.PlanRev = rev

	data, err := CanonicalJSON(p)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, append(data, '\n'))
}

// Load reads a plan artifact
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse plan %s: %w", path, err)
	}
	if p.Meta.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("plan %s has schema version %d, this build reads up to %d", path, p.Meta.SchemaVersion, SchemaVersion)
	}
	if p.Rooms == nil {
		p.Rooms = make(map[string]RoomMapping)
	}
	if p.Users == nil {
		p.Users = make(map[string]string)
	}
	if p.Events == nil {
		p.Events = make(map[string]string)
	}
	return &p, nil
}

func writeFileAtomic(path string, data []byte) error {
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
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}
