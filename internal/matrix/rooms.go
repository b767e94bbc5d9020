package matrix

import (
	"context"
	"time"

	"github.com/tidwall/gjson"

	"github.com/neohoods/matrixmig/internal/plan"
)

// FetchCatalog lists the named rooms of spaceID among the joined rooms.
// A room belongs to the space when it carries an m.space.parent state
// event keyed by the space id. Rooms whose state cannot be read are
// skipped with a warning.
func (c *Client) FetchCatalog(ctx context.Context, spaceID string) (*plan.Catalog, error) {
	joined, err := c.JoinedRooms(ctx)
	if err != nil {
		return nil, err
	}

	cat := &plan.Catalog{
		SpaceID:    spaceID,
		Homeserver: c.opts.Homeserver,
		Rooms:      make(map[string]string),
	}
	for _, roomID := range joined {
		if roomID == spaceID {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		state, err := c.RoomState(ctx, roomID)
		if err != nil {
			c.log.Warn().Err(err).Str("room", roomID).Msg("skipping room")
			continue
		}

		var inSpace bool
		var name string
		gjson.ParseBytes(state).ForEach(func(_, ev gjson.Result) bool {
			typ, key := ev.Get("type").String(), ev.Get("state_key").String()
			switch {
			case typ == "m.space.parent" && key == spaceID:
				inSpace = true
			case typ == "m.room.name" && key == "":
				name = ev.Get("content.name").String()
			}
			return true
		})
		if inSpace && name != "" {
			cat.Rooms[name] = roomID
			c.log.Debug().Str("name", name).Str("room", roomID).Msg("found room")
		}
	}
	cat.Count = len(cat.Rooms)
	return cat, nil
}

// CreateOptions tunes CreatePlanned
type CreateOptions struct {
	// Delay separates consecutive creations
	Delay time.Duration
}

// CreateResult counts the outcome of CreatePlanned
type CreateResult struct {
	Created int      `json:"created"`
	Reused  int      `json:"reused"`
	Skipped int      `json:"skipped"`
	Failed  []string `json:"failed"`
}

// CreatePlanned creates, one at a time, every room the plan slates for
// creation and not yet created. Each created room's mapping is updated in
// p with the server-assigned id and flagged created_via_api. A failed
// creation is recorded and the next room is attempted.
func (c *Client) CreatePlanned(ctx context.Context, p *plan.Plan, opts CreateOptions) (*CreateResult, error) {
	res := &CreateResult{Failed: []string{}}
	first := true
	for _, old := range p.Created() {
		m := p.Rooms[old]
		if m.CreatedViaAPI {
			res.Skipped++
			continue
		}
		if !first && opts.Delay > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(opts.Delay):
			}
		}
		first = false

		name := "Room " + old[:min(8, len(old))]
		if m.RoomName != nil && *m.RoomName != "" {
			name = *m.RoomName
		}
		roomID, err := c.CreateRoom(ctx, CreateRoomRequest{
			Name:    name,
			Topic:   "Migrated from " + old,
			SpaceID: p.SpaceID,
		})
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			c.log.Error().Err(err).Str("room", old).Msg("room creation failed")
			res.Failed = append(res.Failed, old)
			continue
		}

		m.NewRoomID = roomID
		m.CreatedViaAPI = true
		p.Rooms[old] = m
		res.Created++
		c.log.Info().Str("room", old).Str("new_room", roomID).Str("name", name).Msg("created room")
	}
	for _, m := range p.Rooms {
		if m.Provenance == plan.ProvenanceReused {
			res.Reused++
		}
	}
	return res, nil
}
