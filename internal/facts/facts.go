// Package facts implements the PR facts miner: joining a PR's
// timeline — its own create/merge/close events, its commits, review
// requests, reviews, and eventual release mapping — into an immutable
// model.Facts record.
//
// Field derivations (work_began, first_review_request, approved,
// closed, released) follow a fixed set of semantics rather than being
// left to ad hoc per-caller interpretation.
package facts

import (
	"context"
	"time"

	"github.com/flowmetrics/analytics-engine/internal/model"
)

// Commit is the subset of commit fields the miner needs per PR.
type Commit struct {
	CommittedDate time.Time
}

// ReviewRequest is a single review-request event.
type ReviewRequest struct {
	CreatedAt time.Time
}

// Review is a single review submission.
type Review struct {
	SubmittedAt time.Time
	State       string // "APPROVED", "CHANGES_REQUESTED", "COMMENTED", ...
}

// ReviewComment is a comment left on a review (as opposed to the
// review's own submission event).
type ReviewComment struct {
	CreatedAt time.Time
}

// Timeline bundles everything FactsFor needs for one PR.
type Timeline struct {
	PR             model.PullRequest
	Commits        []Commit
	ReviewRequests []ReviewRequest
	Reviews        []Review
	ReviewComments []ReviewComment
	Released       *time.Time
}

// Store is the Metadata Store surface the miner needs: a single
// per-PR timeline fetch, batched by the caller across the PR set.
type Store interface {
	FetchTimeline(ctx context.Context, prNodeID string) (Timeline, error)
}

const approvedState = "APPROVED"

// FactsFor derives model.Facts from a single PR's timeline, per the
// join this domain uses, and applies the monotonicity
// coercion before returning.
func FactsFor(tl Timeline) model.Facts {
	f := model.Facts{
		PRNodeID: tl.PR.NodeID,
		Created:  tl.PR.CreatedAt,
		Merged:   tl.PR.MergedAt,
		Closed:   tl.PR.ClosedAt,
		Released: tl.Released,
	}

	if fc, lc, ok := commitSpan(tl.Commits); ok {
		f.FirstCommit = &fc
		f.LastCommit = &lc
		f.WorkBegan = earlier(tl.PR.CreatedAt, fc)
	} else {
		f.WorkBegan = tl.PR.CreatedAt
	}

	if frr, ok := minReviewRequest(tl.ReviewRequests); ok {
		f.FirstReviewRequest = &frr
	}
	if lr, ok := maxReviewSubmitted(tl.Reviews); ok {
		f.LastReview = &lr
	}
	if ap, ok := minApproval(tl.Reviews); ok {
		f.Approved = &ap
	}
	if fc, ok := firstCommentOnFirstReview(f.FirstReviewRequest, tl.Reviews, tl.ReviewComments); ok {
		f.FirstCommentOnFirstReview = &fc
	}

	f.Coerce()
	return f
}

func commitSpan(commits []Commit) (first, last time.Time, ok bool) {
	if len(commits) == 0 {
		return time.Time{}, time.Time{}, false
	}
	first, last = commits[0].CommittedDate, commits[0].CommittedDate
	for _, c := range commits[1:] {
		if c.CommittedDate.Before(first) {
			first = c.CommittedDate
		}
		if c.CommittedDate.After(last) {
			last = c.CommittedDate
		}
	}
	return first, last, true
}

func earlier(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}

func minReviewRequest(requests []ReviewRequest) (time.Time, bool) {
	if len(requests) == 0 {
		return time.Time{}, false
	}
	min := requests[0].CreatedAt
	for _, r := range requests[1:] {
		if r.CreatedAt.Before(min) {
			min = r.CreatedAt
		}
	}
	return min, true
}

func maxReviewSubmitted(reviews []Review) (time.Time, bool) {
	if len(reviews) == 0 {
		return time.Time{}, false
	}
	max := reviews[0].SubmittedAt
	for _, r := range reviews[1:] {
		if r.SubmittedAt.After(max) {
			max = r.SubmittedAt
		}
	}
	return max, true
}

func minApproval(reviews []Review) (time.Time, bool) {
	found := false
	var min time.Time
	for _, r := range reviews {
		if r.State != approvedState {
			continue
		}
		if !found || r.SubmittedAt.Before(min) {
			min = r.SubmittedAt
			found = true
		}
	}
	return min, found
}

// firstCommentOnFirstReview is the minimum over review-or-review-comment
// events whose timestamp is >= firstReviewRequest.
func firstCommentOnFirstReview(firstReviewRequest *time.Time, reviews []Review, comments []ReviewComment) (time.Time, bool) {
	if firstReviewRequest == nil {
		return time.Time{}, false
	}
	found := false
	var min time.Time
	consider := func(t time.Time) {
		if t.Before(*firstReviewRequest) {
			return
		}
		if !found || t.Before(min) {
			min = t
			found = true
		}
	}
	for _, r := range reviews {
		consider(r.SubmittedAt)
	}
	for _, c := range comments {
		consider(c.CreatedAt)
	}
	return min, found
}
