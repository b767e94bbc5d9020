package emit

import (
	"container/heap"
	"errors"
	"fmt"

	"github.com/neohoods/matrixmig/internal/rewrite"
)

// ErrCycle is returned when events reference each other in a loop
var ErrCycle = errors.New("event graph has a cycle")

// topoOrder sorts events so that every event follows the events it
// references through prev or auth edges. Among ready events the lower
// depth goes first, then the lower original stream ordering, then the
// lower old id.
func topoOrder(events []*rewrite.Event) ([]*rewrite.Event, error) {
	byNewID := make(map[string]int, len(events))
	for i, e := range events {
		byNewID[e.NewID] = i
	}

	indegree := make([]int, len(events))
	dependents := make([][]int, len(events))
	for i, e := range events {
		seen := make(map[int]bool)
		for _, refs := range [][]string{e.Prev, e.Auth} {
			for _, ref := range refs {
				j, ok := byNewID[ref]
				if !ok || j == i || seen[j] {
					continue
				}
				seen[j] = true
				indegree[i]++
				dependents[j] = append(dependents[j], i)
			}
		}
	}

	ready := &eventHeap{events: events}
	for i := range events {
		if indegree[i] == 0 {
			ready.idx = append(ready.idx, i)
		}
	}
	heap.Init(ready)

	out := make([]*rewrite.Event, 0, len(events))
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		out = append(out, events[i])
		for _, d := range dependents[i] {
			indegree[d]--
			if indegree[d] == 0 {
				heap.Push(ready, d)
			}
		}
	}

	if len(out) != len(events) {
		var stuck []string
		for i, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, events[i].OldID)
			}
		}
		return nil, fmt.Errorf("%w: %d events never became ready (first: %s)", ErrCycle, len(stuck), stuck[0])
	}
	return out, nil
}

type eventHeap struct {
	events []*rewrite.Event
	idx    []int
}

func (h *eventHeap) Len() int { return len(h.idx) }

func (h *eventHeap) Less(a, b int) bool {
	ea, eb := h.events[h.idx[a]].Source, h.events[h.idx[b]].Source
	if ea.Depth != eb.Depth {
		return ea.Depth < eb.Depth
	}
	if ea.StreamOrdering != eb.StreamOrdering {
		return ea.StreamOrdering < eb.StreamOrdering
	}
	return ea.ID < eb.ID
}

func (h *eventHeap) Swap(a, b int) { h.idx[a], h.idx[b] = h.idx[b], h.idx[a] }

func (h *eventHeap) Push(x any) { h.idx = append(h.idx, x.(int)) }

func (h *eventHeap) Pop() any {
	n := len(h.idx)
	v := h.idx[n-1]
	h.idx = h.idx[:n-1]
	return v
}
