package id

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
)

// Alphabet is the character set used for the opaque part of minted ids.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

const (
	roomLocalLen  = 18
	eventLocalLen = 43
)

var (
	serverNamePattern = `[A-Za-z0-9.\-]+(?::\d{1,5})?|\[[0-9A-Fa-f:.]+\](?::\d{1,5})?`

	roomIDPattern  = regexp.MustCompile(`^!([^:\s]+):(` + serverNamePattern + `)$`)
	userIDPattern  = regexp.MustCompile(`^@([^:\s]+):(` + serverNamePattern + `)$`)
	eventIDPattern = regexp.MustCompile(`^\$([^:\s]+)(?::(` + serverNamePattern + `))?$`)

	// embeddedPattern matches a whole sigil-prefixed id inside free text.
	// The server name is consumed greedily so a longer domain is never
	// split.
	embeddedPattern = regexp.MustCompile(`[!@$][A-Za-z0-9._=+/\-]+(?::(?:` + serverNamePattern + `))?`)
)

// Kind is the entity an identifier names, derived from its sigil
type Kind string

const (
	KindRoom  Kind = "room"
	KindUser  Kind = "user"
	KindEvent Kind = "event"
)

// ID is a parsed Matrix identifier
type ID struct {
	Kind   Kind
	Local  string
	Domain string // empty for domainless (room v3+) event ids
}

// String formats the identifier back into its sigil form
func (i ID) String() string {
	var sigil string
	switch i.Kind {
	case KindRoom:
		sigil = "!"
	case KindUser:
		sigil = "@"
	case KindEvent:
		sigil = "$"
	}
	if i.Domain == "" {
		return sigil + i.Local
	}
	return sigil + i.Local + ":" + i.Domain
}

// Parse parses a room, user or event identifier
func Parse(s string) (ID, error) {
	s = strings.TrimSpace(s)

	switch {
	case strings.HasPrefix(s, "!"):
		if m := roomIDPattern.FindStringSubmatch(s); m != nil {
			return ID{Kind: KindRoom, Local: m[1], Domain: m[2]}, nil
		}
	case strings.HasPrefix(s, "@"):
		if m := userIDPattern.FindStringSubmatch(s); m != nil {
			return ID{Kind: KindUser, Local: m[1], Domain: m[2]}, nil
		}
	case strings.HasPrefix(s, "$"):
		if m := eventIDPattern.FindStringSubmatch(s); m != nil {
			return ID{Kind: KindEvent, Local: m[1], Domain: m[2]}, nil
		}
	}
	return ID{}, fmt.Errorf("invalid matrix identifier: %q", s)
}

// IsRoomID reports whether s is a well formed room id
func IsRoomID(s string) bool {
	return roomIDPattern.MatchString(s)
}

// IsUserID reports whether s is a well formed user id
func IsUserID(s string) bool {
	return userIDPattern.MatchString(s)
}

// IsEventID reports whether s is a well formed event id
func IsEventID(s string) bool {
	return eventIDPattern.MatchString(s)
}

// FindAll returns the [start, end) offsets of every identifier embedded in
// s. A trailing dot is treated as punctuation, not part of the server name.
func FindAll(s string) [][2]int {
	var out [][2]int
	for _, m := range embeddedPattern.FindAllStringIndex(s, -1) {
		start, end := m[0], m[1]
		for end > start+1 && s[end-1] == '.' {
			end--
		}
		if end-start < 2 {
			continue
		}
		out = append(out, [2]int{start, end})
	}
	return out
}

// OnDomain reports whether s is a room or user id (or a domain-suffixed
// event id) whose server name is domain.
func OnDomain(s, domain string) bool {
	parsed, err := Parse(s)
	if err != nil {
		return false
	}
	return parsed.Domain == domain
}

// ReplaceDomain swaps the server name of s from oldDomain to newDomain.
// Identifiers on any other server are returned unchanged with ok=false.
func ReplaceDomain(s, oldDomain, newDomain string) (string, bool) {
	parsed, err := Parse(s)
	if err != nil || parsed.Domain != oldDomain {
		return s, false
	}
	parsed.Domain = newDomain
	return parsed.String(), true
}

// Generator mints fresh room and event identifiers
type Generator interface {
	RoomID(domain string) string
	EventID(domain string) string
}

// Random mints identifiers from crypto/rand over Alphabet
type Random struct{}

func (Random) RoomID(domain string) string {
	return "!" + randomString(roomLocalLen) + ":" + domain
}

func (Random) EventID(domain string) string {
	return "$" + randomString(eventLocalLen) + ":" + domain
}

func randomString(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	for i, b := range buf {
		// 256 is a multiple of 64, so the modulo keeps the distribution uniform
		buf[i] = Alphabet[int(b)%len(Alphabet)]
	}
	return string(buf)
}

// Sequential mints zero-padded counter ids. Output is reproducible, which
// makes it suitable for fixtures and golden files.
type Sequential struct {
	rooms  atomic.Int64
	events atomic.Int64
}

func (s *Sequential) RoomID(domain string) string {
	return fmt.Sprintf("!%0*d:%s", roomLocalLen, s.rooms.Add(1), domain)
}

func (s *Sequential) EventID(domain string) string {
	return fmt.Sprintf("$%0*d:%s", eventLocalLen, s.events.Add(1), domain)
}

// IsMinted reports whether s has the shape of an identifier minted for
// domain: the right sigil, an opaque part of the expected length drawn
// from Alphabet, and the domain suffix.
func IsMinted(s string, kind Kind, domain string) bool {
	parsed, err := Parse(s)
	if err != nil || parsed.Kind != kind || parsed.Domain != domain {
		return false
	}
	want := roomLocalLen
	if kind == KindEvent {
		want = eventLocalLen
	}
	if len(parsed.Local) != want {
		return false
	}
	for _, r := range parsed.Local {
		if !strings.ContainsRune(Alphabet, r) {
			return false
		}
	}
	return true
}
