package prrelease

import (
	"github.com/flowmetrics/analytics-engine/internal/dag"
	"github.com/flowmetrics/analytics-engine/internal/model"
)

// FindDeadMergedPRs scans each repo's live-branch DAG and returns PRs
// whose merge_commit_sha is absent from it — merge commits that were
// force-pushed away and are no longer reachable from any branch head.
// Dead PRs are excluded from "old unreleased" views.
func FindDeadMergedPRs(prs []model.PullRequest, liveDAGs map[string]dag.DAG) []model.PullRequest {
	indexes := make(map[string]map[string]int32, len(liveDAGs))
	for repo, d := range liveDAGs {
		indexes[repo] = d.Index()
	}

	var dead []model.PullRequest
	for _, pr := range prs {
		if pr.MergedAt == nil || pr.MergeCommitSHA == "" {
			continue
		}
		idx, ok := indexes[pr.Repository]
		if !ok {
			dead = append(dead, pr)
			continue
		}
		if _, ok := idx[pr.MergeCommitSHA]; !ok {
			dead = append(dead, pr)
		}
	}
	return dead
}
