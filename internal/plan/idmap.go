package plan

import (
	"sort"
	"sync"
)

// IDMap is an insert-if-absent mapping from old to new identifiers. It
// refuses to hand the same value to two different keys.
type IDMap struct {
	mu      sync.Mutex
	forward map[string]string
	reverse map[string]string
}

// NewIDMap returns an empty map
func NewIDMap() *IDMap {
	return &IDMap{
		forward: make(map[string]string),
		reverse: make(map[string]string),
	}
}

// GetOrCreate returns the value of key, minting and storing one if absent.
// The first writer for a key wins; later callers observe its value.
func (m *IDMap) GetOrCreate(key string, mint func() string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.forward[key]; ok {
		return v, nil
	}
	return m.insert(key, mint())
}

// Seed stores value for key unless key is already mapped. Used to carry
// identifiers over from a previous plan.
func (m *IDMap) Seed(key, value string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.forward[key]; ok {
		return v, nil
	}
	return m.insert(key, value)
}

// Reserve marks value as taken by owner without mapping a key to it
func (m *IDMap) Reserve(value, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reverse[value]; !ok {
		m.reverse[value] = owner
	}
}

func (m *IDMap) insert(key, value string) (string, error) {
	if owner, taken := m.reverse[value]; taken && owner != key {
		return "", &DuplicateAssignmentError{Value: value, Key: key, Existing: owner}
	}
	m.forward[key] = value
	m.reverse[value] = key
	return value, nil
}

// Map returns a copy of the mapping
func (m *IDMap) Map() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.forward))
	for k, v := range m.forward {
		out[k] = v
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
