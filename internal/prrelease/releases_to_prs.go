package prrelease

import (
	"context"
	"sort"
	"time"

	"github.com/flowmetrics/analytics-engine/internal/dag"
	analyticserrors "github.com/flowmetrics/analytics-engine/internal/errors"
	"github.com/flowmetrics/analytics-engine/internal/model"
)

// OldMergedPRSource fetches candidate PRs merged before a time boundary,
// optionally restricted to the given authors/mergers (either filter may
// be empty, meaning "no restriction" for that role).
type OldMergedPRSource interface {
	FetchMergedPRsBefore(ctx context.Context, repo string, before time.Time, authors, mergers []string) ([]model.PullRequest, error)
}

// MapReleasesToPRs implements map_releases_to_prs: find pull requests
// merged before t0 but released inside [t0, t1). old_from is fixed at
// 365 days before t0, a lookback bound wide enough to catch any PR
// still awaiting release.
func MapReleasesToPRs(ctx context.Context, repos []model.Repository, t0, t1 time.Time, authors, mergers []string, rules map[string]model.MatchRule, loadReleases LoadReleasesFunc, prs OldMergedPRSource, mappingCache MappingCache, mappingStore MappingStore, persister dag.Persister, source dag.ParentChildSource) ([]model.Mapping, error) {
	oldFrom := t0.AddDate(0, 0, -365)
	releases, err := loadReleases(ctx, repos, rules, oldFrom, t1)
	if err != nil {
		return nil, err
	}

	releasesByRepo := make(map[string][]model.Release)
	for _, r := range releases {
		releasesByRepo[r.Repository] = append(releasesByRepo[r.Repository], r)
	}

	var out []model.Mapping
	for repo, repoReleases := range releasesByRepo {
		candidates, err := prs.FetchMergedPRsBefore(ctx, repo, t0, authors, mergers)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			continue
		}

		sorted := append([]model.Release(nil), repoReleases...)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i].PublishedAt.Before(sorted[j].PublishedAt)
		})

		required := make([]string, 0, len(sorted)+len(candidates))
		for _, r := range sorted {
			required = append(required, r.SHA)
		}
		for _, pr := range candidates {
			if pr.MergeCommitSHA != "" {
				required = append(required, pr.MergeCommitSHA)
			}
		}
		d, err := dag.FetchDAG(ctx, repo, required, persister, source)
		if err != nil {
			if analyticserrors.GetType(err) == analyticserrors.ErrorTypeMissingCommit {
				// a requested sha (release or merge commit) isn't in the
				// commit graph at all; nothing in this repo is resolvable
				continue
			}
			return nil, err
		}

		heads := make([]string, len(sorted))
		for i, r := range sorted {
			heads[i] = r.SHA
		}
		owner := dag.MarkDagAccess(d, heads)
		idx := d.Index()

		rule := rules[repo]
		for _, pr := range candidates {
			if pr.MergedAt == nil {
				continue
			}
			i, ok := idx[pr.MergeCommitSHA]
			if !ok {
				continue
			}
			oi := owner[i]
			if oi < 0 {
				continue
			}
			rel := sorted[oi]
			if rel.PublishedAt.Before(t0) {
				continue // boundary release published before the window: not a target
			}
			m := model.Mapping{
				PRNodeID:   pr.NodeID,
				ReleaseID:  rel.ID,
				ReleasedAt: clampReleasedAt(rel.PublishedAt, *pr.MergedAt),
				Author:     rel.Author,
				URL:        rel.URL,
				Repository: repo,
				MatchedBy:  rel.MatchedBy,
			}
			if err := storeMapping(ctx, m, rule, mappingCache, mappingStore); err != nil {
				return nil, err
			}
			out = append(out, m)
		}
	}
	return out, nil
}

// NeedsRescan resolves Open Question (b): a repository's "merged
// unreleased" record is stale, and must be re-scanned, once the
// query's upper bound exceeds the last checked_until recorded for it.
func NeedsRescan(checkedUntil, t1 time.Time) bool {
	return t1.After(checkedUntil)
}
