// Package prrelease implements the PR↔Release mapper: the
// release-containment relation over a repository's commit DAG, plus
// the two derived views callers need ("PRs merged in window but
// released later" and "PRs merged long before window, released inside
// window") and dead-PR detection for force-pushed merge commits.
//
// Built around dag.MarkDagAccess: sorting every candidate
// release oldest-first and handing the shas to MarkDagAccess as heads
// IS the ownership-partition algorithm this pipeline relies on — the
// oldest release's traversal claims its ancestor subtree first, so a
// newer release's traversal stops the moment it reaches an
// already-claimed commit, leaving it only the commits introduced since
// the last release. That's exactly "owned commits minus subtrees of
// earlier releases", computed with one dag primitive whose
// first-reach-wins property is already proven, rather than a bespoke
// boundary/ignored-set walk layered on top.
package prrelease

import (
	"context"
	"sort"
	"time"

	"github.com/flowmetrics/analytics-engine/internal/cache"
	"github.com/flowmetrics/analytics-engine/internal/dag"
	analyticserrors "github.com/flowmetrics/analytics-engine/internal/errors"
	"github.com/flowmetrics/analytics-engine/internal/model"
)

// LoadReleasesFunc loads releases for repos in [from, to) under rules.
// Bound by the caller (typically the query orchestrator) to a concrete
// release.Store + dag persister/source pair, so this package stays
// independent of storage wiring.
type LoadReleasesFunc func(ctx context.Context, repos []model.Repository, rules map[string]model.MatchRule, from, to time.Time) ([]model.Release, error)

// MappingCache is the memory/shared-KV front tier for PR↔release
// mappings — cache.Manager, scoped under cache.ScopeMapping — checked
// before falling through to MappingStore's durable row. Nil disables
// this tier; mapByContainment then goes straight to MappingStore.
type MappingCache interface {
	Get(ctx context.Context, scope, fingerprint string, target interface{}) (bool, error)
	Set(ctx context.Context, scope, fingerprint string, value interface{}, ttl time.Duration) error
}

// MappingStore is the Precomputed Store's durable tier: one row per
// (pr_node_id, rule_fingerprint), outliving MappingCache's TTL. Nil
// disables this tier too; every PR is then resolved via the DAG on
// every call.
type MappingStore interface {
	LoadMapping(ctx context.Context, prNodeID string, rule model.MatchRule) (model.Mapping, bool, error)
	UpsertMapping(ctx context.Context, m model.Mapping, rule model.MatchRule) error
}

// mappingCacheKey identifies one PR's mapping row within the shared
// cache's "mapping" scope, distinct per matching rule so a rule change
// can never serve a mapping computed under the old rule.
func mappingCacheKey(prNodeID string, rule model.MatchRule) string {
	return prNodeID + "|" + rule.Fingerprint()
}

// MapPRsToReleases implements map_prs_to_releases. When the PR set
// spans merged_at earlier than from, two release loads are performed:
// a "new" load in [from, to) and an "old" load in [earliestMerge, from)
// using a consistent rule set fixed to whatever matched_by won in the
// new load, per repository.
//
// mappingCache and mappingStore are each independently optional: a PR
// already resolved under the repo's current rule is served from
// mappingCache (memory/shared KV) first, then mappingStore (the
// Precomputed Store), before falling back to the DAG-based containment
// walk; every freshly computed mapping is written back through both.
func MapPRsToReleases(ctx context.Context, prs []model.PullRequest, repos []model.Repository, from, to time.Time, rules map[string]model.MatchRule, loadReleases LoadReleasesFunc, mappingCache MappingCache, mappingStore MappingStore, persister dag.Persister, source dag.ParentChildSource) ([]model.Mapping, error) {
	if len(prs) == 0 {
		return nil, nil
	}

	var earliestMerge time.Time
	found := false
	for _, pr := range prs {
		if pr.MergedAt == nil {
			continue
		}
		if !found || pr.MergedAt.Before(earliestMerge) {
			earliestMerge = *pr.MergedAt
			found = true
		}
	}
	if !found {
		return nil, nil
	}
	earliestMerge = earliestMerge.Add(-time.Minute)

	var releases []model.Release
	if !earliestMerge.Before(from) {
		rs, err := loadReleases(ctx, repos, rules, earliestMerge, to)
		if err != nil {
			return nil, err
		}
		releases = rs
	} else {
		newReleases, err := loadReleases(ctx, repos, rules, from, to)
		if err != nil {
			return nil, err
		}
		matchedBys := matchedByPerRepo(newReleases)
		consistentRules := make(map[string]model.MatchRule, len(rules))
		for k, rule := range rules {
			if mb, ok := matchedBys[k]; ok {
				consistent := rule
				switch mb {
				case model.MatchedByTag:
					consistent.Match = model.MatchTag
				case model.MatchedByBranch:
					consistent.Match = model.MatchBranch
				}
				consistentRules[k] = consistent
			} else {
				consistentRules[k] = rule
			}
		}
		oldReleases, err := loadReleases(ctx, repos, consistentRules, earliestMerge, from)
		if err != nil {
			return nil, err
		}
		releases = append(newReleases, oldReleases...)
	}

	return mapByContainment(ctx, prs, releases, rules, mappingCache, mappingStore, persister, source)
}

// matchedByPerRepo returns, for each repo present in releases, the
// matched_by of its first release row (all releases for one repo in a
// single load share the same matched_by, since the partition is chosen
// once per repo).
func matchedByPerRepo(releases []model.Release) map[string]model.MatchedBy {
	out := make(map[string]model.MatchedBy)
	for _, r := range releases {
		if _, ok := out[r.Repository]; !ok {
			out[r.Repository] = r.MatchedBy
		}
	}
	return out
}

// mapByContainment groups prs and releases by repository and resolves
// each PR's owning release via the DAG ownership partition — after
// first serving as many PRs as possible from mappingCache/mappingStore,
// so a repeat query over an unchanged rule never re-walks the DAG for
// a PR whose release was already resolved.
func mapByContainment(ctx context.Context, prs []model.PullRequest, releases []model.Release, rules map[string]model.MatchRule, mappingCache MappingCache, mappingStore MappingStore, persister dag.Persister, source dag.ParentChildSource) ([]model.Mapping, error) {
	prsByRepo := make(map[string][]model.PullRequest)
	for _, pr := range prs {
		if pr.MergedAt == nil {
			continue
		}
		prsByRepo[pr.Repository] = append(prsByRepo[pr.Repository], pr)
	}
	releasesByRepo := make(map[string][]model.Release)
	for _, r := range releases {
		releasesByRepo[r.Repository] = append(releasesByRepo[r.Repository], r)
	}

	var out []model.Mapping
	for repo, repoPRs := range prsByRepo {
		repoReleases := releasesByRepo[repo]
		if len(repoReleases) == 0 {
			continue
		}
		rule := rules[repo]

		toCompute := make([]model.PullRequest, 0, len(repoPRs))
		for _, pr := range repoPRs {
			m, ok, err := loadMapping(ctx, pr.NodeID, rule, mappingCache, mappingStore)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, m)
				continue
			}
			toCompute = append(toCompute, pr)
		}
		if len(toCompute) == 0 {
			continue
		}

		mappings, err := mapRepoContainment(ctx, repo, toCompute, repoReleases, persister, source)
		if err != nil {
			return nil, err
		}
		for _, m := range mappings {
			if err := storeMapping(ctx, m, rule, mappingCache, mappingStore); err != nil {
				return nil, err
			}
		}
		out = append(out, mappings...)
	}
	return out, nil
}

// loadMapping checks mappingCache then mappingStore for prNodeID's
// mapping under rule, promoting a store hit back into mappingCache.
func loadMapping(ctx context.Context, prNodeID string, rule model.MatchRule, mappingCache MappingCache, mappingStore MappingStore) (model.Mapping, bool, error) {
	key := mappingCacheKey(prNodeID, rule)
	if mappingCache != nil {
		var m model.Mapping
		if ok, err := mappingCache.Get(ctx, cache.ScopeMapping, key, &m); err == nil && ok {
			return m, true, nil
		}
	}
	if mappingStore != nil {
		m, ok, err := mappingStore.LoadMapping(ctx, prNodeID, rule)
		if err != nil {
			return model.Mapping{}, false, err
		}
		if ok {
			if mappingCache != nil {
				_ = mappingCache.Set(ctx, cache.ScopeMapping, key, m, cache.DefaultMappingTTL)
			}
			return m, true, nil
		}
	}
	return model.Mapping{}, false, nil
}

// storeMapping writes a freshly computed mapping through both tiers.
// A mappingCache write failure is ignored (best-effort, per
// cache.Manager's own contract); a mappingStore write failure is
// returned, since it means the Precomputed Store row truly didn't
// persist.
func storeMapping(ctx context.Context, m model.Mapping, rule model.MatchRule, mappingCache MappingCache, mappingStore MappingStore) error {
	if mappingCache != nil {
		_ = mappingCache.Set(ctx, cache.ScopeMapping, mappingCacheKey(m.PRNodeID, rule), m, cache.DefaultMappingTTL)
	}
	if mappingStore != nil {
		return mappingStore.UpsertMapping(ctx, m, rule)
	}
	return nil
}

// mapRepoContainment resolves the containment relation for one
// repository: builds the DAG spanning every release and PR merge sha,
// partitions ownership via dag.MarkDagAccess with releases as heads
// sorted oldest-first, and assigns each PR the release owning its
// merge commit.
//
// Oldest-first matters: mark_dag_access labels each node with the
// first head (in input order) that reaches it, so processing the
// oldest release first lets it claim its own ancestor subtree before
// a newer release's traversal would otherwise walk straight through
// it. That is exactly "owned commits = subtree(release) minus
// subtrees of all earlier releases", computed with
// one generic primitive instead of a bespoke boundary-stopping walk.
func mapRepoContainment(ctx context.Context, repo string, prs []model.PullRequest, releases []model.Release, persister dag.Persister, source dag.ParentChildSource) ([]model.Mapping, error) {
	sorted := append([]model.Release(nil), releases...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PublishedAt.Before(sorted[j].PublishedAt)
	})

	required := make([]string, 0, len(sorted)+len(prs))
	for _, r := range sorted {
		required = append(required, r.SHA)
	}
	for _, pr := range prs {
		if pr.MergeCommitSHA != "" {
			required = append(required, pr.MergeCommitSHA)
		}
	}

	d, err := dag.FetchDAG(ctx, repo, required, persister, source)
	if err != nil {
		if analyticserrors.GetType(err) == analyticserrors.ErrorTypeMissingCommit {
			// a requested sha (release or merge commit) isn't in the
			// commit graph at all; callers resolve via FindDeadMergedPRs
			return nil, nil
		}
		return nil, err
	}

	heads := make([]string, len(sorted))
	for i, r := range sorted {
		heads[i] = r.SHA
	}
	owner := dag.MarkDagAccess(d, heads)
	idx := d.Index()

	var out []model.Mapping
	for _, pr := range prs {
		i, ok := idx[pr.MergeCommitSHA]
		if !ok {
			continue // not present in this dag: dead or not yet released
		}
		oi := owner[i]
		if oi < 0 {
			continue
		}
		rel := sorted[oi]
		out = append(out, model.Mapping{
			PRNodeID:   pr.NodeID,
			ReleaseID:  rel.ID,
			ReleasedAt: clampReleasedAt(rel.PublishedAt, *pr.MergedAt),
			Author:     rel.Author,
			URL:        rel.URL,
			Repository: repo,
			MatchedBy:  rel.MatchedBy,
		})
	}
	return out, nil
}

// clampReleasedAt enforces the monotonicity property released_at >=
// merged_at, absorbing clock skew between the Metadata Store and
// release events.
func clampReleasedAt(publishedAt, mergedAt time.Time) time.Time {
	if publishedAt.Before(mergedAt) {
		return mergedAt
	}
	return publishedAt
}
