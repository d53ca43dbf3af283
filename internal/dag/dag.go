// Package dag implements the commit DAG store: a compact
// compressed-sparse-row (CSR) representation of a repository's commit
// parent graph, plus the operations the release matcher and PR↔release
// mapper build on: subgraph extraction, head-ownership labelling,
// incremental joins and first-parent chains.
//
// Built in an array-of-indices style: flat slices constructed once
// for batch graph assembly, rather than a heap of linked node objects.
package dag

import (
	"fmt"

	analyticserrors "github.com/flowmetrics/analytics-engine/internal/errors"
)

// DAG is the compact three-array CSR encoding of a commit parent graph.
// edges[vertexes[i]:vertexes[i+1]] lists the (git) parents of hashes[i].
type DAG struct {
	Hashes   []string
	Vertexes []int32
	Edges    []int32
}

// Empty returns the canonical empty DAG: (N=0, vertexes=[0], edges=[]).
func Empty() DAG {
	return DAG{Vertexes: []int32{0}}
}

// N returns the number of nodes.
func (d DAG) N() int {
	return len(d.Hashes)
}

// Parents returns the parent indices of node i.
func (d DAG) Parents(i int) []int32 {
	return d.Edges[d.Vertexes[i]:d.Vertexes[i+1]]
}

// Index builds a sha → node-index lookup. O(N); callers that need
// repeated lookups should build this once and reuse it.
func (d DAG) Index() map[string]int32 {
	idx := make(map[string]int32, len(d.Hashes))
	for i, h := range d.Hashes {
		idx[h] = int32(i)
	}
	return idx
}

// Validate checks the CSR structural invariants.
func (d DAG) Validate() error {
	n := d.N()
	if len(d.Vertexes) != n+1 {
		return analyticserrors.AssertionFailuref("dag: vertexes length %d, want %d", len(d.Vertexes), n+1)
	}
	if n == 0 {
		if len(d.Vertexes) != 1 || d.Vertexes[0] != 0 {
			return analyticserrors.AssertionFailure("dag: empty dag must be vertexes=[0]")
		}
	}
	for i := 1; i < len(d.Vertexes); i++ {
		if d.Vertexes[i] < d.Vertexes[i-1] {
			return analyticserrors.AssertionFailure("dag: vertexes must be non-decreasing")
		}
	}
	if int(d.Vertexes[n]) != len(d.Edges) {
		return analyticserrors.AssertionFailuref("dag: vertexes[N]=%d != len(edges)=%d", d.Vertexes[n], len(d.Edges))
	}
	for _, e := range d.Edges {
		if int(e) < 0 || int(e) >= n {
			return analyticserrors.AssertionFailuref("dag: edge index %d out of range [0,%d)", e, n)
		}
	}
	return nil
}

// Edge is a (child, git-parent) sha pair: Child is the later commit,
// Parent is the earlier commit it points to.
type Edge struct {
	Child  string
	Parent string
}

// ToEdges flattens a DAG back into its constituent (child, parent) sha
// pairs, in node/parent-slot order. Used for joins and round-trips.
func ToEdges(d DAG) []Edge {
	var out []Edge
	for i := 0; i < d.N(); i++ {
		for _, p := range d.Parents(i) {
			out = append(out, Edge{Child: d.Hashes[i], Parent: d.Hashes[p]})
		}
	}
	return out
}

// builder assembles a DAG from (child, parent) sha edges while
// preserving first-seen node order, deduplicating edges, and
// guaranteeing the CSR invariants on Build.
type builder struct {
	idx        map[string]int32
	hashes     []string
	parentSets [][]int32
	parentSeen []map[int32]bool
}

func newBuilder() *builder {
	return &builder{idx: make(map[string]int32)}
}

// fromDAG seeds a builder with an existing DAG's nodes and edges, in
// their original order, so joins and re-builds are idempotent.
func fromDAG(d DAG) *builder {
	b := newBuilder()
	for _, h := range d.Hashes {
		b.ensure(h)
	}
	for i := 0; i < d.N(); i++ {
		for _, p := range d.Parents(i) {
			b.addEdgeIdx(int32(i), p)
		}
	}
	return b
}

func (b *builder) ensure(sha string) int32 {
	if i, ok := b.idx[sha]; ok {
		return i
	}
	i := int32(len(b.hashes))
	b.idx[sha] = i
	b.hashes = append(b.hashes, sha)
	b.parentSets = append(b.parentSets, nil)
	b.parentSeen = append(b.parentSeen, make(map[int32]bool))
	return i
}

func (b *builder) addEdgeIdx(child, parent int32) {
	if b.parentSeen[child][parent] {
		return
	}
	b.parentSeen[child][parent] = true
	b.parentSets[child] = append(b.parentSets[child], parent)
}

func (b *builder) addEdge(child, parent string) {
	ci := b.ensure(child)
	pi := b.ensure(parent)
	b.addEdgeIdx(ci, pi)
}

func (b *builder) build() DAG {
	n := len(b.hashes)
	vertexes := make([]int32, n+1)
	var edges []int32
	for i := 0; i < n; i++ {
		vertexes[i] = int32(len(edges))
		edges = append(edges, b.parentSets[i]...)
	}
	vertexes[n] = int32(len(edges))
	return DAG{Hashes: b.hashes, Vertexes: vertexes, Edges: edges}
}

// JoinDags merges an existing DAG with newly discovered edges. Adding
// previously unknown endpoints creates new nodes; re-adding an edge
// already present is a no-op.
func JoinDags(d DAG, newEdges []Edge) DAG {
	b := fromDAG(d)
	for _, e := range newEdges {
		b.addEdge(e.Child, e.Parent)
	}
	return b.build()
}

// reachable performs a BFS over parent edges (i.e. ancestors, inclusive)
// starting from the given head indices.
func reachable(d DAG, heads []int32) []bool {
	seen := make([]bool, d.N())
	queue := append([]int32(nil), heads...)
	for _, h := range heads {
		seen[h] = true
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, p := range d.Parents(int(cur)) {
			if !seen[p] {
				seen[p] = true
				queue = append(queue, p)
			}
		}
	}
	return seen
}

// ExtractSubdag returns the subgraph reachable from heads (inclusive),
// preserving CSR invariants and relative node order. Extracting every
// hash of D returns D up to permutation.
func ExtractSubdag(d DAG, heads []string) DAG {
	idx := d.Index()
	var headIdx []int32
	for _, h := range heads {
		if i, ok := idx[h]; ok {
			headIdx = append(headIdx, i)
		}
	}
	keep := reachable(d, headIdx)

	b := newBuilder()
	for i, h := range d.Hashes {
		if keep[i] {
			b.ensure(h)
		}
	}
	for i := 0; i < d.N(); i++ {
		if !keep[i] {
			continue
		}
		for _, p := range d.Parents(i) {
			if keep[p] {
				b.addEdge(d.Hashes[i], d.Hashes[p])
			}
		}
	}
	return b.build()
}

// MarkDagAccess labels each reachable node with the index of its
// owning head — the head from which it is first reachable, heads
// iterated in input order, ties won by the lower-index head
// Unreachable nodes are left at -1.
func MarkDagAccess(d DAG, heads []string) []int32 {
	owner := make([]int32, d.N())
	for i := range owner {
		owner[i] = -1
	}
	visited := make([]bool, d.N())
	idx := d.Index()

	for hi, h := range heads {
		root, ok := idx[h]
		if !ok {
			continue
		}
		if visited[root] {
			continue
		}
		queue := []int32{root}
		visited[root] = true
		owner[root] = int32(hi)
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, p := range d.Parents(int(cur)) {
				if !visited[p] {
					visited[p] = true
					owner[p] = int32(hi)
					queue = append(queue, p)
				}
			}
		}
	}
	return owner
}

// FirstParents returns commitSHA itself plus its first-parent ancestor
// chain, filtered to commits whose date (via dates) falls in
// [from, to). The chain follows only index-0 parent edges.
func FirstParents(d DAG, commitSHA string, dates map[string]int64, from, to int64) []string {
	idx := d.Index()
	cur, ok := idx[commitSHA]
	if !ok {
		return nil
	}
	var out []string
	if t, ok := dates[commitSHA]; ok && t >= from && t < to {
		out = append(out, commitSHA)
	}
	seen := make(map[int32]bool)
	for {
		parents := d.Parents(int(cur))
		if len(parents) == 0 {
			break
		}
		next := parents[0]
		if seen[next] {
			break // defensive: CSR is acyclic by construction, but guard infinite loops
		}
		seen[next] = true
		sha := d.Hashes[next]
		if t, ok := dates[sha]; ok && t >= from && t < to {
			out = append(out, sha)
		}
		cur = next
	}
	return out
}

func (d DAG) String() string {
	return fmt.Sprintf("DAG{N=%d, E=%d}", d.N(), len(d.Edges))
}
