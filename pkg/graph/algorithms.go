package graph

import (
	"container/heap"
	"math"
	"sort"

	"github.com/pml-dev/gateway/pkg/models"
)

// PageRank parameters: standard damping, bounded iterations, convergence
// epsilon on the L1 delta.
const (
	pageRankDamping    = 0.85
	pageRankMaxIter    = 50
	pageRankEpsilon    = 1e-6
	communityMaxPasses = 10
)

// ShortestPath returns the minimum-cost node path from → to, where each
// edge costs 1/confidence (high-confidence edges are cheap). Returns a
// NotFound error when no path exists.
func (g *Graph) ShortestPath(from, to string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[from]; !ok {
		return nil, models.NewError(models.KindNotFound, "node %s not in graph", from)
	}
	if _, ok := g.nodes[to]; !ok {
		return nil, models.NewError(models.KindNotFound, "node %s not in graph", to)
	}
	if from == to {
		return []string{from}, nil
	}

	dist := map[string]float64{from: 0}
	prev := map[string]string{}
	pq := &nodeQueue{{id: from, cost: 0}}
	heap.Init(pq)

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(nodeCost)
		if cur.id == to {
			break
		}
		if cur.cost > dist[cur.id] {
			continue // stale entry
		}
		for next, e := range g.out[cur.id] {
			if e.Confidence <= 0 {
				continue
			}
			cost := cur.cost + 1/e.Confidence
			if d, ok := dist[next]; !ok || cost < d {
				dist[next] = cost
				prev[next] = cur.id
				heap.Push(pq, nodeCost{id: next, cost: cost})
			}
		}
	}

	if _, ok := dist[to]; !ok {
		return nil, models.NewError(models.KindNotFound, "no path from %s to %s", from, to)
	}

	path := []string{to}
	for cur := to; cur != from; {
		cur = prev[cur]
		path = append(path, cur)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

type nodeCost struct {
	id   string
	cost float64
}

type nodeQueue []nodeCost

func (q nodeQueue) Len() int            { return len(q) }
func (q nodeQueue) Less(i, j int) bool  { return q[i].cost < q[j].cost }
func (q nodeQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *nodeQueue) Push(x any)         { *q = append(*q, x.(nodeCost)) }
func (q *nodeQueue) Pop() any           { old := *q; n := len(old); v := old[n-1]; *q = old[:n-1]; return v }

// PageRank returns the damped random-walk rank of a node. Ranks for the
// whole graph are computed once and cached until the next write.
func (g *Graph) PageRank(nodeID string) float64 {
	g.mu.RLock()
	if g.pagerank != nil {
		r := g.pagerank[nodeID]
		g.mu.RUnlock()
		return r
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pagerank == nil {
		g.pagerank = g.computePageRankLocked()
	}
	return g.pagerank[nodeID]
}

func (g *Graph) computePageRankLocked() map[string]float64 {
	n := len(g.nodes)
	if n == 0 {
		return map[string]float64{}
	}

	ids := make([]string, 0, n)
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rank := make(map[string]float64, n)
	outWeight := make(map[string]float64, n)
	for _, id := range ids {
		rank[id] = 1.0 / float64(n)
		for _, e := range g.out[id] {
			outWeight[id] += e.Confidence
		}
	}

	base := (1 - pageRankDamping) / float64(n)
	for iter := 0; iter < pageRankMaxIter; iter++ {
		next := make(map[string]float64, n)
		dangling := 0.0
		for _, id := range ids {
			if outWeight[id] == 0 {
				dangling += rank[id]
			}
		}
		danglingShare := pageRankDamping * dangling / float64(n)

		for _, id := range ids {
			next[id] = base + danglingShare
		}
		for _, from := range ids {
			if outWeight[from] == 0 {
				continue
			}
			share := pageRankDamping * rank[from] / outWeight[from]
			for to, e := range g.out[from] {
				next[to] += share * e.Confidence
			}
		}

		delta := 0.0
		for _, id := range ids {
			delta += math.Abs(next[id] - rank[id])
		}
		rank = next
		if delta < pageRankEpsilon {
			break
		}
	}
	return rank
}

// Communities returns a node→community assignment computed by greedy
// modularity optimization over the undirected confidence-weighted
// projection. Recomputed lazily after every write.
func (g *Graph) Communities() map[string]int {
	g.mu.RLock()
	if g.communities != nil {
		out := make(map[string]int, len(g.communities))
		for k, v := range g.communities {
			out[k] = v
		}
		g.mu.RUnlock()
		return out
	}
	g.mu.RUnlock()

	g.mu.Lock()
	if g.communities == nil {
		g.communities = g.computeCommunitiesLocked()
	}
	out := make(map[string]int, len(g.communities))
	for k, v := range g.communities {
		out[k] = v
	}
	g.mu.Unlock()
	return out
}

// computeCommunitiesLocked runs single-level greedy modularity: every node
// starts in its own community and is repeatedly moved to the neighboring
// community with the highest positive modularity gain until a full pass
// makes no move.
func (g *Graph) computeCommunitiesLocked() map[string]int {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// Undirected weighted adjacency.
	adj := make(map[string]map[string]float64, len(ids))
	totalWeight := 0.0
	addEdge := func(a, b string, w float64) {
		if adj[a] == nil {
			adj[a] = make(map[string]float64)
		}
		adj[a][b] += w
	}
	for _, from := range ids {
		for to, e := range g.out[from] {
			addEdge(from, to, e.Confidence)
			addEdge(to, from, e.Confidence)
			totalWeight += e.Confidence
		}
	}

	community := make(map[string]int, len(ids))
	for i, id := range ids {
		community[id] = i
	}
	if totalWeight == 0 {
		return community
	}

	degree := make(map[string]float64, len(ids))
	commDegree := make(map[int]float64)
	for _, id := range ids {
		for _, w := range adj[id] {
			degree[id] += w
		}
		commDegree[community[id]] += degree[id]
	}
	m2 := 2 * totalWeight

	for pass := 0; pass < communityMaxPasses; pass++ {
		moved := false
		for _, id := range ids {
			cur := community[id]

			// Weight from id into each neighboring community.
			linkTo := make(map[int]float64)
			for nb, w := range adj[id] {
				linkTo[community[nb]] += w
			}

			commDegree[cur] -= degree[id]
			best, bestGain := cur, 0.0
			// Deterministic candidate order.
			cands := make([]int, 0, len(linkTo))
			for c := range linkTo {
				cands = append(cands, c)
			}
			sort.Ints(cands)
			for _, c := range cands {
				gain := linkTo[c] - commDegree[c]*degree[id]/m2
				if c == cur {
					gain = linkTo[cur] - commDegree[cur]*degree[id]/m2
				}
				if gain > bestGain+1e-12 {
					best, bestGain = c, gain
				}
			}
			commDegree[best] += degree[id]
			if best != cur {
				community[id] = best
				moved = true
			}
		}
		if !moved {
			break
		}
	}

	// Renumber communities densely for stable output.
	renumber := make(map[int]int)
	result := make(map[string]int, len(ids))
	for _, id := range ids {
		c := community[id]
		if _, ok := renumber[c]; !ok {
			renumber[c] = len(renumber)
		}
		result[id] = renumber[c]
	}
	return result
}

// BuildDAG orders the given nodes into a DAG whose dependencies follow the
// highest-confidence learned edges among them. For each node, the incoming
// dependency/sequence edge with the highest confidence from another member
// becomes a dependsOn link; ties break on edge key. The result is always
// acyclic: an edge is only admitted when it does not create a cycle.
func (g *Graph) BuildDAG(nodeIDs []string) (models.DAG, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	members := make(map[string]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		if _, ok := g.nodes[id]; !ok {
			return models.DAG{}, models.NewError(models.KindNotFound, "node %s not in graph", id)
		}
		members[id] = true
	}

	// Candidate edges between members, strongest first.
	type cand struct{ e models.Edge }
	cands := make([]cand, 0)
	for _, from := range nodeIDs {
		for to, e := range g.out[from] {
			if !members[to] {
				continue
			}
			if e.Type != models.EdgeTypeDependency && e.Type != models.EdgeTypeSequence {
				continue
			}
			cands = append(cands, cand{e})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].e.Confidence != cands[j].e.Confidence {
			return cands[i].e.Confidence > cands[j].e.Confidence
		}
		return cands[i].e.Key() < cands[j].e.Key()
	})

	deps := make(map[string][]string, len(nodeIDs))
	reaches := func(start, target string) bool {
		// DFS over admitted deps: does start reach target?
		stack := []string{start}
		seen := map[string]bool{}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if cur == target {
				return true
			}
			if seen[cur] {
				continue
			}
			seen[cur] = true
			for _, d := range deps[cur] {
				stack = append(stack, d)
			}
		}
		return false
	}
	for _, c := range cands {
		// Edge from→to means "to depends on from".
		if reaches(c.e.From, c.e.To) {
			continue // would close a cycle
		}
		deps[c.e.To] = append(deps[c.e.To], c.e.From)
	}

	sorted := append([]string(nil), nodeIDs...)
	sort.Strings(sorted)
	tasks := make([]models.Task, 0, len(sorted))
	for _, id := range sorted {
		node := g.nodes[id]
		task := models.Task{ID: id, Tool: node.Name, DependsOn: deps[id]}
		if node.Type == models.NodeTypeCapability {
			task.Type = models.TaskTypeCapability
			task.CapabilityID = id
		}
		tasks = append(tasks, task)
	}
	return models.DAG{Tasks: tasks}, nil
}
