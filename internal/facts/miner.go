package facts

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/flowmetrics/analytics-engine/internal/cache"
	analyticserrors "github.com/flowmetrics/analytics-engine/internal/errors"
	"github.com/flowmetrics/analytics-engine/internal/model"
)

// MineAll fetches each PR's timeline and derives its model.Facts,
// fanning the independent per-PR timeline fetches out and gathering
// them failure-atomically (scatter/gather scheduling
// model). Each goroutine owns a distinct index of out, so no locking
// is needed around the writes.
//
// factsCache, when non-nil, is checked under cache.ScopeFacts before
// FetchTimeline runs at all; a Facts row is only ever written back to
// it once isFinal reports the row can no longer change, since a
// merged-but-unreleased PR's Released field is still pending and would
// otherwise serve a stale cache hit forever. The cache key is the PR's
// node id alone: FetchTimeline's Released field comes from a direct
// join on raw release events, independent of any repository's
// match rule, so Facts never needs a rule fingerprint in its key.
func MineAll(ctx context.Context, prs []model.PullRequest, store Store, factsCache *cache.Manager) ([]model.Facts, error) {
	if len(prs) == 0 {
		return nil, nil
	}

	out := make([]model.Facts, len(prs))
	g, gctx := errgroup.WithContext(ctx)
	for i, pr := range prs {
		i, pr := i, pr
		g.Go(func() error {
			if factsCache != nil {
				var cached model.Facts
				if ok, err := factsCache.Get(gctx, cache.ScopeFacts, pr.NodeID, &cached); err == nil && ok {
					out[i] = cached
					return nil
				}
			}
			tl, err := store.FetchTimeline(gctx, pr.NodeID)
			if err != nil {
				return analyticserrors.StorageUnavailablef(err, "fetching timeline for %s", pr.NodeID)
			}
			tl.PR = pr
			f := FactsFor(tl)
			out[i] = f
			if factsCache != nil && isFinal(f) {
				_ = factsCache.Set(gctx, cache.ScopeFacts, pr.NodeID, f, cache.DefaultMappingTTL)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// isFinal reports whether a PR's Facts row is done changing: released,
// or closed without ever merging. A merged PR still awaiting release
// is not final, so MineAll never caches it.
func isFinal(f model.Facts) bool {
	if f.Released != nil {
		return true
	}
	return f.Closed != nil && f.Merged == nil
}
