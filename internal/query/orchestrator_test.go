package query

import (
	"context"
	"testing"
	"time"

	"github.com/flowmetrics/analytics-engine/internal/facts"
	"github.com/flowmetrics/analytics-engine/internal/metrics"
	"github.com/flowmetrics/analytics-engine/internal/model"
	pkgpr "github.com/flowmetrics/analytics-engine/internal/metrics/pr"
)

func ts(seconds int64) time.Time { return time.Unix(seconds, 0).UTC() }

// fakePRSource serves a fixed, unmerged PR set so MapPRsToReleases
// short-circuits (no merged PR means no release matching is needed),
// keeping this test focused on the facts→metrics half of the pipeline
// without standing up release.Store/dag fakes.
type fakePRSource struct {
	prs []model.PullRequest
}

func (f fakePRSource) FetchPullRequestsInWindow(_ context.Context, repo string, from, to time.Time, authors, mergers []string) ([]model.PullRequest, error) {
	var out []model.PullRequest
	for _, pr := range f.prs {
		if pr.Repository == repo && !pr.CreatedAt.Before(from) && pr.CreatedAt.Before(to) {
			out = append(out, pr)
		}
	}
	return out, nil
}

type fakeFactsStore struct {
	timelines map[string]facts.Timeline
}

func (f fakeFactsStore) FetchTimeline(_ context.Context, prNodeID string) (facts.Timeline, error) {
	return f.timelines[prNodeID], nil
}

func TestOrchestratorRunProducesOpenedCountPerGroup(t *testing.T) {
	repo := model.Repository{Owner: "acme", Name: "widgets", DefaultBranch: "main"}

	prs := []model.PullRequest{
		{NodeID: "PR1", Repository: "acme/widgets", UserLogin: "alice", CreatedAt: ts(100)},
		{NodeID: "PR2", Repository: "acme/widgets", UserLogin: "bob", CreatedAt: ts(110)},
	}

	o := &Orchestrator{
		PRs: fakePRSource{prs: prs},
		FactsStore: fakeFactsStore{timelines: map[string]facts.Timeline{
			"PR1": {},
			"PR2": {},
		}},
	}

	req := Request{
		Account: "acme",
		Repos:   []model.Repository{repo},
		Rules:   map[string]model.MatchRule{"acme/widgets": {Match: model.MatchTag, TagRegex: "^v.*"}},
		DateFrom: ts(0),
		DateTo:   ts(1000),
		Granularities: [][]metrics.Bin{
			{{From: ts(0), To: ts(1000)}},
		},
		Groups: []Group{
			{Name: "alice", Mask: func(f model.Facts) bool { return f.PRNodeID == "PR1" }},
			{Name: "bob", Mask: func(f model.Facts) bool { return f.PRNodeID == "PR2" }},
		},
		Metrics:   []string{pkgpr.Opened},
		Quantiles: [2]float64{0, 1},
	}

	resp, err := o.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Grid) != 1 {
		t.Fatalf("expected one granularity, got %d", len(resp.Grid))
	}
	if len(resp.Grid[0]) != 2 {
		t.Fatalf("expected two groups, got %d", len(resp.Grid[0]))
	}
	aliceOpened := resp.Grid[0][0][0][pkgpr.Opened]
	if !aliceOpened.Exists || aliceOpened.Value != 1 {
		t.Fatalf("expected alice's group to show opened=1, got %+v", aliceOpened)
	}
	bobOpened := resp.Grid[0][1][0][pkgpr.Opened]
	if !bobOpened.Exists || bobOpened.Value != 1 {
		t.Fatalf("expected bob's group to show opened=1, got %+v", bobOpened)
	}
}

func TestOrchestratorRunOrdersByMetric(t *testing.T) {
	repo := model.Repository{Owner: "acme", Name: "widgets", DefaultBranch: "main"}
	closedEarly := ts(150)
	closedLate := ts(900)

	prs := []model.PullRequest{
		{NodeID: "PR-fast", Repository: "acme/widgets", CreatedAt: ts(100), ClosedAt: &closedEarly},
		{NodeID: "PR-slow", Repository: "acme/widgets", CreatedAt: ts(100), ClosedAt: &closedLate},
	}

	o := &Orchestrator{
		PRs: fakePRSource{prs: prs},
		FactsStore: fakeFactsStore{timelines: map[string]facts.Timeline{
			"PR-fast": {Commits: []facts.Commit{{CommittedDate: ts(120)}}},
			"PR-slow": {Commits: []facts.Commit{{CommittedDate: ts(120)}}},
		}},
	}

	req := Request{
		Repos:    []model.Repository{repo},
		Rules:    map[string]model.MatchRule{"acme/widgets": {Match: model.MatchTag, TagRegex: "^v.*"}},
		DateFrom: ts(0),
		DateTo:   ts(1000),
		Granularities: [][]metrics.Bin{
			{{From: ts(0), To: ts(1000)}},
		},
		Metrics:   []string{pkgpr.MergingTime},
		Quantiles: [2]float64{0, 1},
		OrderBy:   pkgpr.MergingTime,
	}

	resp, err := o.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// merging_time = closed - last_commit; PR-fast's 30s must sort
	// before PR-slow's 780s in ascending (default) order.
	if len(resp.OrderedPRs) != 2 || resp.OrderedPRs[0] != "PR-fast" || resp.OrderedPRs[1] != "PR-slow" {
		t.Fatalf("expected [PR-fast, PR-slow], got %v", resp.OrderedPRs)
	}
}
