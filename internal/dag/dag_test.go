package dag

import (
	"context"
	"testing"

	analyticserrors "github.com/flowmetrics/analytics-engine/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// linear chain: c4 -> c3 -> c2 -> c1 (c1 oldest, no parents)
func linearChain() DAG {
	return JoinDags(Empty(), []Edge{
		{Child: "c4", Parent: "c3"},
		{Child: "c3", Parent: "c2"},
		{Child: "c2", Parent: "c1"},
	})
}

// merge graph:
//
//	m  (merge commit, parents b then a — b is first-parent)
//	|\
//	b a
//	| |
//	 \|
//	  r (root)
func mergeGraph() DAG {
	return JoinDags(Empty(), []Edge{
		{Child: "m", Parent: "b"},
		{Child: "m", Parent: "a"},
		{Child: "b", Parent: "r"},
		{Child: "a", Parent: "r"},
	})
}

func TestEmptyDAGInvariants(t *testing.T) {
	d := Empty()
	require.NoError(t, d.Validate())
	assert.Equal(t, 0, d.N())
	assert.Equal(t, []int32{0}, d.Vertexes)
}

func TestJoinDagsBuildsValidCSR(t *testing.T) {
	d := linearChain()
	require.NoError(t, d.Validate())
	assert.Equal(t, 4, d.N())
	assert.Len(t, d.Edges, 3)
}

func TestJoinDagsIsIdempotent(t *testing.T) {
	d := linearChain()
	again := JoinDags(d, ToEdges(d))
	assert.Equal(t, d.Hashes, again.Hashes)
	assert.Equal(t, d.Vertexes, again.Vertexes)
	assert.Equal(t, d.Edges, again.Edges)
}

func TestJoinDagsAddsNewNodesAndEdgesOnly(t *testing.T) {
	d := linearChain()
	extended := JoinDags(d, []Edge{{Child: "c5", Parent: "c4"}})
	assert.Equal(t, 5, extended.N())
	require.NoError(t, extended.Validate())

	// everything from d must still be present unchanged
	for _, h := range d.Hashes {
		found := false
		for _, h2 := range extended.Hashes {
			if h == h2 {
				found = true
			}
		}
		assert.True(t, found, "hash %s missing after join", h)
	}
}

func TestExtractSubdagOfFullHeadSetRoundTrips(t *testing.T) {
	d := mergeGraph()
	sub := ExtractSubdag(d, d.Hashes)
	require.NoError(t, sub.Validate())
	assert.ElementsMatch(t, d.Hashes, sub.Hashes)
	assert.Equal(t, len(d.Edges), len(sub.Edges))
}

func TestExtractSubdagFromMergeHeadIncludesAllAncestors(t *testing.T) {
	d := mergeGraph()
	sub := ExtractSubdag(d, []string{"m"})
	require.NoError(t, sub.Validate())
	assert.ElementsMatch(t, []string{"m", "a", "b", "r"}, sub.Hashes)
}

func TestExtractSubdagFromLeafExcludesUnreachable(t *testing.T) {
	d := mergeGraph()
	sub := ExtractSubdag(d, []string{"b"})
	assert.ElementsMatch(t, []string{"b", "r"}, sub.Hashes)
}

func TestMarkDagAccessTiesGoToFirstHead(t *testing.T) {
	// two heads sharing an ancestor: head1 should own the shared node
	d := JoinDags(Empty(), []Edge{
		{Child: "h1", Parent: "shared"},
		{Child: "h2", Parent: "shared"},
	})
	owner := MarkDagAccess(d, []string{"h1", "h2"})
	idx := d.Index()
	assert.Equal(t, int32(0), owner[idx["h1"]])
	assert.Equal(t, int32(1), owner[idx["h2"]])
	assert.Equal(t, int32(0), owner[idx["shared"]])
}

func TestMarkDagAccessLeavesUnreachableAtMinusOne(t *testing.T) {
	d := linearChain()
	owner := MarkDagAccess(d, []string{"c3"})
	idx := d.Index()
	assert.Equal(t, int32(-1), owner[idx["c4"]])
	assert.Equal(t, int32(0), owner[idx["c1"]])
}

func TestFirstParentsFollowsIndexZeroOnly(t *testing.T) {
	d := mergeGraph()
	dates := map[string]int64{
		"m": 400, "b": 300, "a": 250, "r": 100,
	}
	chain := FirstParents(d, "m", dates, 0, 1000)
	// self, then first-parent edge of m ("b", added first), then r
	assert.Equal(t, []string{"m", "b", "r"}, chain)
}

func TestFirstParentsFiltersToWindow(t *testing.T) {
	d := linearChain()
	dates := map[string]int64{
		"c4": 400, "c3": 300, "c2": 200, "c1": 100,
	}
	chain := FirstParents(d, "c4", dates, 150, 350)
	assert.Equal(t, []string{"c3", "c2"}, chain)
}

type fakeSource struct {
	edges   []RawParentEdge
	present map[string]bool
}

func (f fakeSource) FetchParentClosure(ctx context.Context, repo string, roots []string) ([]RawParentEdge, map[string]bool, error) {
	return f.edges, f.present, nil
}

type memPersister struct {
	d     DAG
	found bool
}

func (m *memPersister) LoadDAG(ctx context.Context, repo string) (DAG, bool, error) {
	return m.d, m.found, nil
}

func (m *memPersister) SaveDAG(ctx context.Context, repo string, d DAG) error {
	m.d = d
	m.found = true
	return nil
}

func TestFetchDAGCrawlsOnlyMissingAndNormalisesReversedEdges(t *testing.T) {
	p := &memPersister{}
	src := fakeSource{
		edges: []RawParentEdge{
			{LaterSHA: "c2", EarlierSHA: "c1", Index: 0},
		},
		present: map[string]bool{"c2": true, "c1": true},
	}
	d, err := FetchDAG(context.Background(), "acme/widgets", []string{"c2"}, p, src)
	require.NoError(t, err)
	require.NoError(t, d.Validate())
	idx := d.Index()
	parents := d.Parents(int(idx["c2"]))
	require.Len(t, parents, 1)
	assert.Equal(t, "c1", d.Hashes[parents[0]])
	assert.True(t, p.found)
}

func TestFetchDAGSkipsCrawlWhenAlreadyPersisted(t *testing.T) {
	existing := linearChain()
	p := &memPersister{d: existing, found: true}
	src := fakeSource{} // no edges offered; crawl must not be needed
	d, err := FetchDAG(context.Background(), "acme/widgets", []string{"c4", "c1"}, p, src)
	require.NoError(t, err)
	assert.Equal(t, existing.Hashes, d.Hashes)
}

func TestFetchDAGReportsMissingCommit(t *testing.T) {
	p := &memPersister{}
	src := fakeSource{present: map[string]bool{}}
	_, err := FetchDAG(context.Background(), "acme/widgets", []string{"ghost"}, p, src)
	require.Error(t, err)
	assert.Equal(t, analyticserrors.ErrorTypeMissingCommit, analyticserrors.GetType(err))
}

// TestFetchDAGSortsMultiParentEdgesByIndex drives a merge commit's
// edges through the real crawl path (FetchDAG, not a hand-built DAG)
// with the source returning rows out of parent_index order — as an
// unordered query would — and checks the joined DAG still puts the
// first-parent edge at Parents(m)[0].
func TestFetchDAGSortsMultiParentEdgesByIndex(t *testing.T) {
	p := &memPersister{}
	src := fakeSource{
		edges: []RawParentEdge{
			// "a" (index 1, second parent) arrives before "b" (index 0,
			// first parent): a source with no ORDER BY could return
			// either order.
			{LaterSHA: "m", EarlierSHA: "a", Index: 1},
			{LaterSHA: "m", EarlierSHA: "b", Index: 0},
			{LaterSHA: "b", EarlierSHA: "r", Index: 0},
			{LaterSHA: "a", EarlierSHA: "r", Index: 0},
		},
		present: map[string]bool{"m": true},
	}
	d, err := FetchDAG(context.Background(), "acme/widgets", []string{"m"}, p, src)
	require.NoError(t, err)
	require.NoError(t, d.Validate())

	idx := d.Index()
	parents := d.Parents(int(idx["m"]))
	require.Len(t, parents, 2)
	assert.Equal(t, "b", d.Hashes[parents[0]], "index-0 parent must land at Parents(m)[0] regardless of source row order")

	dates := map[string]int64{"m": 400, "b": 300, "a": 250, "r": 100}
	chain := FirstParents(d, "m", dates, 0, 1000)
	assert.Equal(t, []string{"m", "b", "r"}, chain)
}
