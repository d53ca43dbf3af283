package dag

import (
	"context"
	"sort"

	analyticserrors "github.com/flowmetrics/analytics-engine/internal/errors"
)

// RawParentEdge is one row of the Metadata Store's node_commit_parent
// table: git-reversed (LaterSHA is the git child, EarlierSHA is the git
// parent). Index 0 marks the first-parent edge for LaterSHA.
type RawParentEdge struct {
	LaterSHA   string
	EarlierSHA string
	Index      int
}

// ParentChildSource is the Metadata Store surface the DAG crawler needs:
// a single recursive query returning every parent edge transitively
// reachable from a set of root shas, plus which of those roots actually
// exist (a root commit legitimately has zero parent rows, which must
// not be confused with "sha unknown to the store").
type ParentChildSource interface {
	FetchParentClosure(ctx context.Context, repo string, rootSHAs []string) (edges []RawParentEdge, present map[string]bool, err error)
}

// Persister is the Precomputed Store surface for the DAG's own
// commit_history cache.
type Persister interface {
	LoadDAG(ctx context.Context, repo string) (DAG, bool, error)
	SaveDAG(ctx context.Context, repo string, d DAG) error
}

// FetchDAG implements fetch_dag: it returns a DAG covering at least
// requiredSHAs, crawling only what the persisted DAG doesn't already
// have and persisting the joined result back. A requiredSHA the source
// has never seen is reported as ErrorTypeMissingCommit.
func FetchDAG(ctx context.Context, repo string, requiredSHAs []string, persister Persister, source ParentChildSource) (DAG, error) {
	existing, found, err := persister.LoadDAG(ctx, repo)
	if err != nil {
		return DAG{}, analyticserrors.StorageUnavailable(err, "loading persisted commit dag")
	}
	if !found {
		existing = Empty()
	}

	idx := existing.Index()
	var missing []string
	for _, sha := range requiredSHAs {
		if _, ok := idx[sha]; !ok {
			missing = append(missing, sha)
		}
	}
	if len(missing) == 0 {
		return existing, nil
	}

	rawEdges, present, err := source.FetchParentClosure(ctx, repo, missing)
	if err != nil {
		return DAG{}, analyticserrors.StorageUnavailable(err, "crawling node_commit_parent")
	}
	for _, sha := range missing {
		if !present[sha] {
			return DAG{}, analyticserrors.MissingCommit(repo, sha)
		}
	}

	// FirstParents's "index 0 only" invariant depends on each child's
	// first-parent edge landing at parentSets[child][0] in the builder,
	// which in turn depends on edges being appended to JoinDags in
	// Index order per child. The source's row order is not guaranteed
	// to match, so sort explicitly before converting.
	sort.Slice(rawEdges, func(i, j int) bool {
		if rawEdges[i].LaterSHA != rawEdges[j].LaterSHA {
			return rawEdges[i].LaterSHA < rawEdges[j].LaterSHA
		}
		return rawEdges[i].Index < rawEdges[j].Index
	})

	edges := make([]Edge, 0, len(rawEdges))
	for _, re := range rawEdges {
		// node_commit_parent is git-reversed: LaterSHA is the git child,
		// EarlierSHA the git parent it points to.
		edges = append(edges, Edge{Child: re.LaterSHA, Parent: re.EarlierSHA})
	}

	joined := JoinDags(existing, edges)
	if err := joined.Validate(); err != nil {
		return DAG{}, err
	}
	if err := persister.SaveDAG(ctx, repo, joined); err != nil {
		return DAG{}, analyticserrors.StorageUnavailable(err, "saving joined commit dag")
	}
	return joined, nil
}
