// Package pipeline runs the migration stages in order: the dump is read
// and extracted, identities are resolved into a plan, each room is
// rewritten in its own worker task and the surviving rooms are rendered
// into one batch.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/neohoods/matrixmig/internal/dump"
	"github.com/neohoods/matrixmig/internal/emit"
	"github.com/neohoods/matrixmig/internal/graph"
	"github.com/neohoods/matrixmig/internal/metrics"
	"github.com/neohoods/matrixmig/internal/plan"
	"github.com/neohoods/matrixmig/internal/rewrite"
)

// Stage names used for timing
const (
	StageExtract = "extract"
	StageResolve = "resolve"
	StageRewrite = "rewrite"
	StageEmit    = "emit"
)

// Skip reasons recorded outside of rewrite failures
const (
	ReasonNotInDump = "room not present in dump"
	ReasonEncrypted = "room is encrypted"
)

// Options shared by every stage
type Options struct {
	Workers int
	Logger  zerolog.Logger
	// Metrics is optional
	Metrics *metrics.Recorder
}

func (o Options) workers() int {
	if o.Workers <= 0 {
		return 4
	}
	return o.Workers
}

func (o Options) time(stage string, fn func() error) error {
	if o.Metrics == nil {
		return fn()
	}
	return o.Metrics.Time(stage, fn)
}

// Source is what the later stages need from a read dump
type Source struct {
	Graph *graph.Graph
	Dump  dump.Stats
}

// Load opens the dump at path and extracts its room graphs
func Load(ctx context.Context, path string, opts Options) (*Source, error) {
	r, err := dump.Open(path, opts.Logger)
	if err != nil {
		return nil, err
	}

	var g *graph.Graph
	err = opts.time(StageExtract, func() error {
		var err error
		g, err = graph.Extract(ctx, r, graph.Options{Workers: opts.workers(), Logger: opts.Logger})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to extract %s: %w", path, err)
	}

	stats := r.Stats()
	if opts.Metrics != nil {
		opts.Metrics.RecordDump(stats)
	}
	opts.Logger.Info().
		Int("rooms", g.Stats.Rooms).
		Int("events", g.Stats.Events).
		Int("encrypted_rooms", g.Stats.EncryptedRooms).
		Msg("dump extracted")
	return &Source{Graph: g, Dump: stats}, nil
}

// Resolve builds the plan for src against the destination catalog
func Resolve(ctx context.Context, src *Source, cat *plan.Catalog, popts plan.Options, opts Options) (*plan.Plan, error) {
	if popts.Workers <= 0 {
		popts.Workers = opts.workers()
	}
	popts.Logger = opts.Logger

	var p *plan.Plan
	err := opts.time(StageResolve, func() error {
		var err error
		p, err = plan.Resolve(ctx, src.Graph, cat, popts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve identities: %w", err)
	}
	return p, nil
}

// Rewritten holds the rooms that rewrote cleanly and the ones left out
type Rewritten struct {
	Rooms   []*rewrite.Room
	Skipped []emit.Skipped
}

// Rewrite rewrites every room of the plan. A room whose rewrite fails is
// skipped with its error as reason, and the remaining rooms are rewritten
// again with references into it treated as external.
func Rewrite(ctx context.Context, g *graph.Graph, p *plan.Plan, opts Options) (*Rewritten, error) {
	out := &Rewritten{}
	var rooms []string
	for _, old := range sortedRoomIDs(p) {
		rg, ok := g.RoomGraph[old]
		switch {
		case !ok:
			out.Skipped = append(out.Skipped, emit.Skipped{RoomID: old, Reason: ReasonNotInDump})
		case rg.Room.Encrypted:
			out.Skipped = append(out.Skipped, emit.Skipped{RoomID: old, Reason: ReasonEncrypted})
		default:
			rooms = append(rooms, old)
			continue
		}
		opts.Logger.Warn().Str("room", old).Str("reason", out.Skipped[len(out.Skipped)-1].Reason).Msg("skipping room")
	}

	excluded := make(map[string]bool)
	err := opts.time(StageRewrite, func() error {
		for {
			var active, exclude []string
			for _, old := range rooms {
				if !excluded[old] {
					active = append(active, old)
				}
			}
			for old := range excluded {
				exclude = append(exclude, old)
			}
			sort.Strings(exclude)

			done, failed, err := rewritePass(ctx, g, p, active, exclude, opts)
			if err != nil {
				return err
			}
			if len(failed) == 0 {
				out.Rooms = done
				return nil
			}
			for _, old := range sortedKeys(failed) {
				excluded[old] = true
				out.Skipped = append(out.Skipped, emit.Skipped{RoomID: old, Reason: failed[old].Error()})
				opts.Logger.Error().Err(failed[old]).Str("room", old).Msg("room rewrite failed, excluding it")
			}
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out.Skipped, func(i, j int) bool { return out.Skipped[i].RoomID < out.Skipped[j].RoomID })
	return out, nil
}

// rewritePass rewrites rooms in parallel. Rewrite errors are returned per
// room; only cancellation aborts the pass.
func rewritePass(ctx context.Context, g *graph.Graph, p *plan.Plan, rooms, exclude []string, opts Options) ([]*rewrite.Room, map[string]error, error) {
	rw := rewrite.New(p, g, rewrite.Options{Exclude: exclude})
	results := make([]*rewrite.Room, len(rooms))

	var mu sync.Mutex
	failed := make(map[string]error)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(opts.workers())
	for i, old := range rooms {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			room, err := rw.Rewrite(g.RoomGraph[old])
			if err != nil {
				mu.Lock()
				failed[old] = err
				mu.Unlock()
				return nil
			}
			results[i] = room
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}

	done := make([]*rewrite.Room, 0, len(rooms))
	for _, r := range results {
		if r != nil {
			done = append(done, r)
		}
	}
	return done, failed, nil
}

// Result of a generation run
type Result struct {
	Batch   []byte
	Summary *emit.Summary
}

// Failed reports how many rooms were left out of the batch
func (r *Result) Failed() int {
	return len(r.Summary.RoomsSkipped)
}

// ErrRoomsSkipped is returned alongside a written batch that leaves rooms
// out
var ErrRoomsSkipped = errors.New("rooms were skipped")

// Generate rewrites the rooms of p and renders the batch. Rendering is all
// or nothing; rooms that fail to rewrite are listed in the summary.
func Generate(ctx context.Context, g *graph.Graph, p *plan.Plan, eopts emit.Options, opts Options) (*Result, error) {
	rw, err := Rewrite(ctx, g, p, opts)
	if err != nil {
		return nil, err
	}

	var data []byte
	var summary *emit.Summary
	err = opts.time(StageEmit, func() error {
		var err error
		data, summary, err = emit.Render(&emit.Batch{Plan: p, Rooms: rw.Rooms, Skipped: rw.Skipped}, eopts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render batch: %w", err)
	}
	if opts.Metrics != nil {
		opts.Metrics.RecordSummary(summary)
	}
	opts.Logger.Info().
		Int("rooms", summary.RoomsMigrated).
		Int("skipped", len(summary.RoomsSkipped)).
		Int("events", summary.Events).
		Int("external_references", summary.ExternalReferences).
		Int("best_effort", summary.BestEffort).
		Msg("batch rendered")
	return &Result{Batch: data, Summary: summary}, nil
}

func sortedRoomIDs(p *plan.Plan) []string {
	return sortedKeys(p.Rooms)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
