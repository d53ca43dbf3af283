package prrelease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmetrics/analytics-engine/internal/dag"
	"github.com/flowmetrics/analytics-engine/internal/model"
)

func ts(seconds int64) time.Time { return time.Unix(seconds, 0).UTC() }
func tsp(seconds int64) *time.Time {
	t := ts(seconds)
	return &t
}

// fixtureDAG builds a linear commit chain with two tagged releases:
// C1@100 (root) -> C2@200 -> C3@300 (tag v1.0@350) -> C4@400 (tag v1.1@450).
func fixtureDAG() dag.DAG {
	return dag.JoinDags(dag.Empty(), []dag.Edge{
		{Child: "c4", Parent: "c3"},
		{Child: "c3", Parent: "c2"},
		{Child: "c2", Parent: "c1"},
	})
}

func fixtureReleases(repo string) []model.Release {
	return []model.Release{
		{ID: "c3_" + repo, Repository: repo, SHA: "c3", Tag: "v1.0", PublishedAt: ts(350), Author: "alice", MatchedBy: model.MatchedByTag},
		{ID: "c4_" + repo, Repository: repo, SHA: "c4", Tag: "v1.1", PublishedAt: ts(450), Author: "alice", MatchedBy: model.MatchedByTag},
	}
}

type staticDAGSource struct{}

func (staticDAGSource) FetchParentClosure(ctx context.Context, repo string, roots []string) ([]dag.RawParentEdge, map[string]bool, error) {
	return nil, map[string]bool{"c1": true, "c2": true, "c3": true, "c4": true}, nil
}

type fixturePersister struct{ d dag.DAG }

func (p fixturePersister) LoadDAG(ctx context.Context, repo string) (dag.DAG, bool, error) {
	return p.d, true, nil
}
func (p fixturePersister) SaveDAG(ctx context.Context, repo string, d dag.DAG) error { return nil }

func TestMapPRsToReleases_ScenarioA(t *testing.T) {
	repo := "acme/widgets"
	pr1 := model.PullRequest{NodeID: "PR1", Repository: repo, CreatedAt: ts(150), MergedAt: tsp(300), MergeCommitSHA: "c3"}
	pr2 := model.PullRequest{NodeID: "PR2", Repository: repo, CreatedAt: ts(310), MergedAt: tsp(400), MergeCommitSHA: "c4"}

	loadReleases := func(ctx context.Context, repos []model.Repository, rules map[string]model.MatchRule, from, to time.Time) ([]model.Release, error) {
		return fixtureReleases(repo), nil
	}
	persister := fixturePersister{d: fixtureDAG()}

	mappings, err := MapPRsToReleases(context.Background(), []model.PullRequest{pr1, pr2}, []model.Repository{{Owner: "acme", Name: "widgets"}}, ts(0), ts(500), map[string]model.MatchRule{repo: {Match: model.MatchTag, TagRegex: ".*"}}, loadReleases, nil, nil, persister, staticDAGSource{})
	require.NoError(t, err)
	require.Len(t, mappings, 2)

	byPR := map[string]model.Mapping{}
	for _, m := range mappings {
		byPR[m.PRNodeID] = m
	}
	assert.Equal(t, "c3_"+repo, byPR["PR1"].ReleaseID)
	assert.Equal(t, ts(350), byPR["PR1"].ReleasedAt)
	assert.Equal(t, "c4_"+repo, byPR["PR2"].ReleaseID)
	assert.Equal(t, ts(450), byPR["PR2"].ReleasedAt)
}

func TestMapPRsToReleases_ClampsReleasedAtToMergedAt(t *testing.T) {
	repo := "acme/widgets"
	// release published_at (300) is before merged_at (305): clock skew case
	pr := model.PullRequest{NodeID: "PR1", Repository: repo, MergedAt: tsp(305), MergeCommitSHA: "c3"}
	releases := []model.Release{{ID: "c3_" + repo, Repository: repo, SHA: "c3", PublishedAt: ts(300), MatchedBy: model.MatchedByTag}}

	loadReleases := func(ctx context.Context, repos []model.Repository, rules map[string]model.MatchRule, from, to time.Time) ([]model.Release, error) {
		return releases, nil
	}
	persister := fixturePersister{d: fixtureDAG()}

	mappings, err := MapPRsToReleases(context.Background(), []model.PullRequest{pr}, []model.Repository{{Owner: "acme", Name: "widgets"}}, ts(0), ts(500), map[string]model.MatchRule{repo: {Match: model.MatchTag}}, loadReleases, nil, nil, persister, staticDAGSource{})
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, ts(305), mappings[0].ReleasedAt) // clamped to merged_at, not published_at
}

type fakeMappingStore struct {
	rows map[string]model.Mapping // keyed by mappingCacheKey
}

func newFakeMappingStore() *fakeMappingStore {
	return &fakeMappingStore{rows: make(map[string]model.Mapping)}
}

func (s *fakeMappingStore) LoadMapping(ctx context.Context, prNodeID string, rule model.MatchRule) (model.Mapping, bool, error) {
	m, ok := s.rows[mappingCacheKey(prNodeID, rule)]
	return m, ok, nil
}

func (s *fakeMappingStore) UpsertMapping(ctx context.Context, m model.Mapping, rule model.MatchRule) error {
	s.rows[mappingCacheKey(m.PRNodeID, rule)] = m
	return nil
}

// explodingDAGSource fails any test that reaches it, so a test can
// assert a cache/store hit skipped the DAG walk entirely.
type explodingDAGSource struct{ t *testing.T }

func (e explodingDAGSource) FetchParentClosure(ctx context.Context, repo string, roots []string) ([]dag.RawParentEdge, map[string]bool, error) {
	e.t.Fatalf("FetchParentClosure called: mapping should have been served from MappingStore")
	return nil, nil, nil
}

// TestMapPRsToReleases_ServesFromMappingStoreOnRepeat checks the
// Precomputed Store tier: a PR resolved once is persisted via
// UpsertMapping, and a second call under the same rule is served
// straight from LoadMapping without ever touching the DAG.
func TestMapPRsToReleases_ServesFromMappingStoreOnRepeat(t *testing.T) {
	repo := "acme/widgets"
	pr := model.PullRequest{NodeID: "PR1", Repository: repo, MergedAt: tsp(300), MergeCommitSHA: "c3"}
	rule := map[string]model.MatchRule{repo: {Match: model.MatchTag, TagRegex: ".*"}}
	loadReleases := func(ctx context.Context, repos []model.Repository, rules map[string]model.MatchRule, from, to time.Time) ([]model.Release, error) {
		return fixtureReleases(repo), nil
	}
	store := newFakeMappingStore()
	persister := fixturePersister{d: fixtureDAG()}
	repos := []model.Repository{{Owner: "acme", Name: "widgets"}}

	first, err := MapPRsToReleases(context.Background(), []model.PullRequest{pr}, repos, ts(0), ts(500), rule, loadReleases, nil, store, persister, staticDAGSource{})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "c3_"+repo, first[0].ReleaseID)

	second, err := MapPRsToReleases(context.Background(), []model.PullRequest{pr}, repos, ts(0), ts(500), rule, loadReleases, nil, store, persister, explodingDAGSource{t: t})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0], second[0])
}

func TestFindDeadMergedPRs_ScenarioE(t *testing.T) {
	repo := "acme/widgets"
	live := map[string]dag.DAG{repo: fixtureDAG()}
	pr1 := model.PullRequest{NodeID: "PR1", Repository: repo, MergedAt: tsp(300), MergeCommitSHA: "c3"}
	pr3 := model.PullRequest{NodeID: "PR3", Repository: repo, MergedAt: tsp(420), MergeCommitSHA: "ghost-sha"}

	dead := FindDeadMergedPRs([]model.PullRequest{pr1, pr3}, live)
	require.Len(t, dead, 1)
	assert.Equal(t, "PR3", dead[0].NodeID)
}

func TestNeedsRescan(t *testing.T) {
	assert.True(t, NeedsRescan(ts(100), ts(200)))
	assert.False(t, NeedsRescan(ts(200), ts(100)))
	assert.False(t, NeedsRescan(ts(200), ts(200)))
}
