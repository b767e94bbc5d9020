package plan

import (
	"fmt"

	"github.com/pmezard/go-difflib/difflib"
)

// DecisionLines renders the decisions of p, one per line, leaving out
// freshly minted identifiers so that two runs over the same input compare
// equal.
func DecisionLines(p *Plan) []string {
	var lines []string
	for _, old := range sortedKeys(p.Rooms) {
		r := p.Rooms[old]
		target := "<minted>"
		if r.Provenance == ProvenanceReused {
			target = r.NewRoomID
		}
		name := "<none>"
		if r.RoomName != nil {
			name = fmt.Sprintf("%q", *r.RoomName)
		}
		lines = append(lines, fmt.Sprintf("room %s %s %s name=%s reason=%q\n", old, r.Provenance, target, name, r.Reason))
	}
	for _, old := range sortedKeys(p.Users) {
		lines = append(lines, fmt.Sprintf("user %s -> %s\n", old, p.Users[old]))
	}
	for _, old := range sortedKeys(p.Events) {
		lines = append(lines, fmt.Sprintf("event %s\n", old))
	}
	return lines
}

// Diff returns a unified diff of the decisions of a and b, or "" when they
// agree.
func Diff(a, b *Plan, fromName, toName string) (string, error) {
	diff := difflib.UnifiedDiff{
		A:        DecisionLines(a),
		B:        DecisionLines(b),
		FromFile: fromName,
		ToFile:   toName,
		Context:  2,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return "", fmt.Errorf("failed to diff plans: %w", err)
	}
	return text, nil
}
