package plan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/neohoods/matrixmig/internal/graph"
	"github.com/neohoods/matrixmig/internal/id"
)

// Options configures a resolver run
type Options struct {
	OldServer string
	NewServer string
	// Generator mints fresh ids; defaults to id.Random
	Generator id.Generator
	// Cache is a previously saved plan whose minted ids are reused
	Cache   *Plan
	Workers int
	Now     func() time.Time
	Logger  zerolog.Logger
}

// Resolver computes a Plan from an extracted graph and the destination
// catalog.
type Resolver struct {
	opts   Options
	log    zerolog.Logger
	rooms  *IDMap
	events *IDMap
	cached atomic.Int64
}

// NewResolver validates opts and returns a resolver
func NewResolver(opts Options) (*Resolver, error) {
	if opts.OldServer == "" || opts.NewServer == "" {
		return nil, errors.New("old and new server names are required")
	}
	if opts.OldServer == opts.NewServer {
		return nil, fmt.Errorf("old and new server are both %q", opts.OldServer)
	}
	if opts.Generator == nil {
		opts.Generator = id.Random{}
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Resolver{
		opts:   opts,
		log:    opts.Logger.With().Str("component", "resolve").Logger(),
		rooms:  NewIDMap(),
		events: NewIDMap(),
	}, nil
}

// Resolve decides reuse or creation for every non-encrypted room of g and
// assigns new identifiers to its users and events. Decisions depend only
// on g and cat; rerunning on the same input yields the same decisions.
func (r *Resolver) Resolve(ctx context.Context, g *graph.Graph, cat *Catalog) (*Plan, error) {
	p := &Plan{
		Meta: Meta{
			SchemaVersion: SchemaVersion,
			GeneratedAt:   r.opts.Now().UTC().Format(time.RFC3339),
		},
		OldServer: r.opts.OldServer,
		NewServer: r.opts.NewServer,
		SpaceID:   cat.SpaceID,
		Rooms:     make(map[string]RoomMapping),
		Users:     make(map[string]string),
	}

	candidates := g.Candidates()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	if err := r.resolveRooms(p, candidates, cat); err != nil {
		return nil, err
	}
	r.resolveUsers(p, g.Users)
	if err := r.resolveEvents(ctx, g, candidates); err != nil {
		return nil, err
	}
	p.Events = r.events.Map()

	p.Statistics.TotalRooms = len(candidates)
	p.Statistics.EncryptedRooms = len(g.Rooms) - len(candidates)
	p.Statistics.TotalUsers = len(p.Users)
	p.Statistics.TotalEvents = len(p.Events)
	p.Statistics.CachedIDs = int(r.cached.Load())

	r.log.Info().
		Int("rooms", p.Statistics.TotalRooms).
		Int("reused", p.Statistics.ReusedRooms).
		Int("created", p.Statistics.NewRooms).
		Int("events", p.Statistics.TotalEvents).
		Int64("cached", r.cached.Load()).
		Msg("resolved identifiers")
	return p, nil
}

func (r *Resolver) resolveRooms(p *Plan, candidates []*graph.Room, cat *Catalog) error {
	idx := cat.index()
	for _, entry := range idx {
		r.rooms.Reserve(entry.RoomID, "catalog:"+entry.Name)
	}
	if cat.SpaceID != "" {
		r.rooms.Reserve(cat.SpaceID, "space")
	}

	for _, room := range candidates {
		decision := RoomMapping{Provenance: ProvenanceCreated, Reason: ReasonNoMatch}
		if room.HasName() {
			name := room.Name
			decision.RoomName = &name
			if match, ok := idx[NormalizeName(room.Name)]; ok {
				decision.NewRoomID = match.RoomID
				decision.Reused = true
				decision.Provenance = ProvenanceReused
				decision.Reason = fmt.Sprintf(reasonMatchedFm, match.Name)
			}
		} else {
			decision.Reason = ReasonNoName
			p.Statistics.UnnamedRooms++
		}

		if decision.Provenance == ProvenanceCreated {
			newID, viaAPI, err := r.createdRoomID(room.ID)
			if err != nil {
				return err
			}
			decision.NewRoomID = newID
			decision.CreatedViaAPI = viaAPI
			p.Statistics.NewRooms++
		} else {
			p.Statistics.ReusedRooms++
		}
		p.Rooms[room.ID] = decision
	}
	return nil
}

// createdRoomID reuses the cached id of a room that was already slated for
// creation, or mints a new one.
func (r *Resolver) createdRoomID(oldID string) (string, bool, error) {
	if r.opts.Cache != nil {
		if prev, ok := r.opts.Cache.Rooms[oldID]; ok && prev.Provenance == ProvenanceCreated {
			if id.IsRoomID(prev.NewRoomID) && id.OnDomain(prev.NewRoomID, r.opts.NewServer) {
				v, err := r.rooms.Seed(oldID, prev.NewRoomID)
				if err == nil {
					r.cached.Add(1)
					return v, prev.CreatedViaAPI, nil
				}
				r.log.Warn().Err(err).Str("room", oldID).Msg("ignoring cached room id")
			} else {
				r.log.Warn().Str("room", oldID).Str("cached", prev.NewRoomID).Msg("ignoring malformed cached room id")
			}
		}
	}

	v, err := r.rooms.GetOrCreate(oldID, func() string {
		return r.opts.Generator.RoomID(r.opts.NewServer)
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to assign room id for %s: %w", oldID, err)
	}
	return v, false, nil
}

// resolveUsers swaps the server name of local users; users of other
// servers keep their id.
func (r *Resolver) resolveUsers(p *Plan, users []string) {
	for _, u := range users {
		newID, _ := id.ReplaceDomain(u, r.opts.OldServer, r.opts.NewServer)
		p.Users[u] = newID
	}
}

func (r *Resolver) resolveEvents(ctx context.Context, g *graph.Graph, candidates []*graph.Room) error {
	var seeds map[string]string
	if r.opts.Cache != nil {
		seeds = r.opts.Cache.Events
	}

	mint := func() string { return r.opts.Generator.EventID(r.opts.NewServer) }
	assign := func(key string) error {
		if cached, ok := seeds[key]; ok && id.IsEventID(cached) && id.OnDomain(cached, r.opts.NewServer) {
			if _, err := r.events.Seed(key, cached); err == nil {
				r.cached.Add(1)
				return nil
			}
			r.log.Warn().Str("event", key).Msg("ignoring cached event id")
		}
		if _, err := r.events.GetOrCreate(key, mint); err != nil {
			return fmt.Errorf("failed to assign event id for %s: %w", key, err)
		}
		return nil
	}

	if r.opts.Workers == 1 {
		for _, room := range candidates {
			if err := r.resolveRoomEvents(g.RoomGraph[room.ID], assign); err != nil {
				return err
			}
		}
		return nil
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(r.opts.Workers)
	for _, room := range candidates {
		rg := g.RoomGraph[room.ID]
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return r.resolveRoomEvents(rg, assign)
		})
	}
	return eg.Wait()
}

func (r *Resolver) resolveRoomEvents(rg *graph.RoomGraph, assign func(string) error) error {
	for _, eventID := range rg.EventIDs() {
		if err := assign(eventID); err != nil {
			return err
		}
	}
	return assign(SpaceParentKey(rg.Room.ID))
}

// Resolve runs a fresh resolver over g
func Resolve(ctx context.Context, g *graph.Graph, cat *Catalog, opts Options) (*Plan, error) {
	r, err := NewResolver(opts)
	if err != nil {
		return nil, err
	}
	return r.Resolve(ctx, g, cat)
}
