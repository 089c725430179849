package updater

import (
	"container/heap"

	"github.com/Ludea/speedupdate/pkg/errors"
	"github.com/Ludea/speedupdate/pkg/model"
)

// The planner runs Dijkstra over a flat adjacency list keyed by
// revision string: nodes are revisions plus the empty-install
// sentinel, edges are packages weighted by payload size. Ties on
// total size break lexicographically on the package id sequence, so
// planning is deterministic across runs and mirrors.

// emptyRevision is the planner's sentinel for "nothing installed".
const emptyRevision = ""

type planEdge struct {
	pkg *model.PackageDescriptor
}

type planItem struct {
	revision string
	dist     uint64
	path     []string // package ids, for tie-break and result
}

type planQueue []planItem

func (q planQueue) Len() int { return len(q) }
func (q planQueue) Less(a, b int) bool {
	if q[a].dist != q[b].dist {
		return q[a].dist < q[b].dist
	}
	return lessIDPath(q[a].path, q[b].path)
}
func (q planQueue) Swap(a, b int)       { q[a], q[b] = q[b], q[a] }
func (q *planQueue) Push(x interface{}) { *q = append(*q, x.(planItem)) }
func (q *planQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

func lessIDPath(a, b []string) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// Plan finds the minimum-total-size package sequence from the
// current revision (emptyRevision for a fresh or repair install) to
// target. Unreachable targets fail without touching the workspace.
func Plan(manifest *model.PackagesDocument, current, target string) ([]model.PackageDescriptor, error) {
	if current == target {
		return nil, nil
	}
	adjacency := make(map[string][]planEdge)
	byID := make(map[string]*model.PackageDescriptor, len(manifest.Packages))
	for i := range manifest.Packages {
		p := &manifest.Packages[i]
		adjacency[p.From] = append(adjacency[p.From], planEdge{pkg: p})
		byID[p.ID] = p
	}

	type nodeState struct {
		dist    uint64
		path    []string
		settled bool
	}
	states := map[string]*nodeState{current: {dist: 0}}
	q := &planQueue{{revision: current}}
	heap.Init(q)

	for q.Len() > 0 {
		item := heap.Pop(q).(planItem)
		state := states[item.revision]
		if state.settled {
			continue
		}
		state.settled = true
		if item.revision == target {
			result := make([]model.PackageDescriptor, 0, len(item.path))
			for _, id := range item.path {
				result = append(result, *byID[id])
			}
			return result, nil
		}
		for _, edge := range adjacency[item.revision] {
			next := edge.pkg.To
			dist := item.dist + edge.pkg.Size
			path := append(append([]string(nil), item.path...), edge.pkg.ID)
			st, seen := states[next]
			if !seen {
				states[next] = &nodeState{dist: dist, path: path}
				heap.Push(q, planItem{revision: next, dist: dist, path: path})
				continue
			}
			if st.settled {
				continue
			}
			if dist < st.dist || (dist == st.dist && lessIDPath(path, st.path)) {
				st.dist = dist
				st.path = path
				heap.Push(q, planItem{revision: next, dist: dist, path: path})
			}
		}
	}
	return nil, errors.Newf(errors.KindUnreachable,
		"no package chain from %q to %q", displayRevision(current), target)
}

func displayRevision(rev string) string {
	if rev == emptyRevision {
		return "<empty>"
	}
	return rev
}

// PlanBytes sums the payload sizes of a plan.
func PlanBytes(plan []model.PackageDescriptor) uint64 {
	var total uint64
	for i := range plan {
		total += plan[i].Size
	}
	return total
}
