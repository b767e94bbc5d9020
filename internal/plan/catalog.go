package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Catalog lists the rooms already present in the destination space
type Catalog struct {
	SpaceID    string            `json:"space_id"`
	Homeserver string            `json:"homeserver,omitempty"`
	Rooms      map[string]string `json:"rooms"` // display name -> room id
	Count      int               `json:"count"`
}

// NormalizeName is the equivalence used to match room names: Unicode NFC,
// surrounding whitespace trimmed, case folded.
func NormalizeName(name string) string {
	return cases.Fold().String(strings.TrimSpace(norm.NFC.String(name)))
}

type catalogEntry struct {
	Name   string
	RoomID string
}

// index maps normalized names to catalog entries. When several names
// normalize equal, the first in byte order of the original name wins.
func (c *Catalog) index() map[string]catalogEntry {
	names := make([]string, 0, len(c.Rooms))
	for name := range c.Rooms {
		names = append(names, name)
	}
	sort.Strings(names)

	idx := make(map[string]catalogEntry, len(names))
	for _, name := range names {
		key := NormalizeName(name)
		if key == "" {
			continue
		}
		if _, taken := idx[key]; !taken {
			idx[key] = catalogEntry{Name: name, RoomID: c.Rooms[name]}
		}
	}
	return idx
}

// LoadCatalog reads a catalog file
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}
	if c.Rooms == nil {
		c.Rooms = make(map[string]string)
	}
	return &c, nil
}

// SaveCatalog writes a catalog file
func SaveCatalog(path string, c *Catalog) error {
	c.Count = len(c.Rooms)
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}
