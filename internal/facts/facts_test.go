package facts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmetrics/analytics-engine/internal/model"
)

func ts(seconds int64) time.Time { return time.Unix(seconds, 0).UTC() }

// TestFactsFor_ScenarioBPR1 reproduces a representative PR#1: created t=150,
// first_commit=150, first_review_request=180, approved=220, merged
// at C3/t=300.
func TestFactsFor_ScenarioBPR1(t *testing.T) {
	merged := ts(300)
	tl := Timeline{
		PR:             model.PullRequest{NodeID: "PR1", CreatedAt: ts(150), MergedAt: &merged},
		Commits:        []Commit{{CommittedDate: ts(150)}},
		ReviewRequests: []ReviewRequest{{CreatedAt: ts(180)}},
		Reviews:        []Review{{SubmittedAt: ts(220), State: "APPROVED"}},
	}
	f := FactsFor(tl)

	require.NotNil(t, f.FirstCommit)
	assert.Equal(t, ts(150), *f.FirstCommit)
	assert.Equal(t, ts(150), f.WorkBegan)
	require.NotNil(t, f.FirstReviewRequest)
	assert.Equal(t, ts(180), *f.FirstReviewRequest)
	require.NotNil(t, f.Approved)
	assert.Equal(t, ts(220), *f.Approved)
	require.NotNil(t, f.Merged)
	assert.Equal(t, ts(300), *f.Merged)
}

// PR#2: created t=310, first_commit=310, merged at C4/t=400, never reviewed.
func TestFactsFor_ScenarioBPR2(t *testing.T) {
	merged := ts(400)
	tl := Timeline{
		PR:      model.PullRequest{NodeID: "PR2", CreatedAt: ts(310), MergedAt: &merged},
		Commits: []Commit{{CommittedDate: ts(310)}},
	}
	f := FactsFor(tl)

	assert.Nil(t, f.FirstReviewRequest)
	assert.Nil(t, f.Approved)
	assert.Nil(t, f.LastReview)
	assert.Equal(t, ts(310), f.WorkBegan)
}

func TestFactsFor_WorkBeganIsMinOfCreatedAndFirstCommit(t *testing.T) {
	tl := Timeline{
		PR:      model.PullRequest{CreatedAt: ts(200)},
		Commits: []Commit{{CommittedDate: ts(100)}, {CommittedDate: ts(150)}},
	}
	f := FactsFor(tl)
	require.NotNil(t, f.FirstCommit)
	assert.Equal(t, ts(100), *f.FirstCommit)
	assert.Equal(t, ts(100), f.WorkBegan) // min(created=200, first_commit=100)
}

func TestFactsFor_NoCommitsWorkBeganFallsBackToCreated(t *testing.T) {
	tl := Timeline{PR: model.PullRequest{CreatedAt: ts(500)}}
	f := FactsFor(tl)
	assert.Nil(t, f.FirstCommit)
	assert.Equal(t, ts(500), f.WorkBegan)
}

func TestFactsFor_CoercesMergedBeforeFirstCommit(t *testing.T) {
	merged := ts(50) // clock-skew: merged earlier than its own first commit
	tl := Timeline{
		PR:      model.PullRequest{CreatedAt: ts(10), MergedAt: &merged},
		Commits: []Commit{{CommittedDate: ts(100)}},
	}
	f := FactsFor(tl)
	require.NotNil(t, f.Merged)
	assert.Equal(t, ts(100), *f.Merged) // coerced up to first_commit
}

func TestFirstCommentOnFirstReviewRespectsLowerBound(t *testing.T) {
	frr := ts(100)
	reviews := []Review{{SubmittedAt: ts(90), State: "COMMENTED"}, {SubmittedAt: ts(120), State: "APPROVED"}}
	comments := []ReviewComment{{CreatedAt: ts(105)}}
	got, ok := firstCommentOnFirstReview(&frr, reviews, comments)
	require.True(t, ok)
	assert.Equal(t, ts(105), got) // the t=90 review predates first_review_request and is excluded
}
