// Package model holds the domain entities shared across the analytics
// pipeline: repositories, commits, releases, pull requests and the
// facts/mapping records derived from them. These are plain data types;
// behaviour lives in the component packages (dag, release, prrelease,
// facts, metrics, query) that operate on them.
package model

import "time"

// MatchKind is the release-matching rule kind for a repository.
type MatchKind string

const (
	MatchTag         MatchKind = "tag"
	MatchBranch      MatchKind = "branch"
	MatchTagOrBranch MatchKind = "tag_or_branch"
)

// MatchRule is a repository's release-matching configuration. The rule
// tuple participates in every cache key and precomputed-store primary
// key (see Fingerprint).
type MatchRule struct {
	Match      MatchKind
	TagRegex   string
	BranchRegex string
}

// Fingerprint returns the deterministic serialisation of the rule used
// as a cache key and as a primary-key column in the precomputed store.
func (r MatchRule) Fingerprint() string {
	tag := r.TagRegex
	branch := r.BranchRegex
	return string(r.Match) + "|" + tag + "|" + branch
}

// Repository identifies a repository and carries its default branch.
type Repository struct {
	Owner         string
	Name          string
	DefaultBranch string
}

// FullName returns "owner/name".
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// Commit is a single commit event as read from the Metadata Store.
type Commit struct {
	SHA            string
	NodeID         string
	Repository     string
	CommittedDate  time.Time
	AuthorLogin    string
	CommitterLogin string
	CommitterEmail string
	Additions      int
	Deletions      int
}

// MatchedBy records which rule kind actually produced a given Release.
type MatchedBy string

const (
	MatchedByTag    MatchedBy = "tag"
	MatchedByBranch MatchedBy = "branch"
)

// Release is a tag-matched release or a branch-matched pseudo-release.
type Release struct {
	ID          string
	Repository  string
	SHA         string
	Tag         string // empty for pseudo-releases
	PublishedAt time.Time
	Author      string
	URL         string
	MatchedBy   MatchedBy
}

// IsPseudo reports whether this is a branch-matched synthetic release.
func (r Release) IsPseudo() bool {
	return r.Tag == ""
}

// ParticipantKind enumerates the roles a login can hold on a PR.
type ParticipantKind string

const (
	ParticipantAuthor          ParticipantKind = "author"
	ParticipantMerger          ParticipantKind = "merger"
	ParticipantCommenter       ParticipantKind = "commenter"
	ParticipantReviewer        ParticipantKind = "reviewer"
	ParticipantCommitAuthor    ParticipantKind = "commit_author"
	ParticipantCommitCommitter ParticipantKind = "commit_committer"
	ParticipantReleaser        ParticipantKind = "releaser"
)

// PullRequest is a merged-or-open PR event as read from the Metadata Store.
type PullRequest struct {
	NodeID         string
	Repository     string
	Number         int
	UserLogin      string
	MergedByLogin  string
	CreatedAt      time.Time
	ClosedAt       *time.Time
	MergedAt       *time.Time
	MergeCommitSHA string
	BaseRef        string
	HeadRef        string
	Labels         []string
	Hidden         bool

	// Participants maps a login to the set of roles it held on this PR.
	Participants map[string]map[ParticipantKind]bool
}

// AddParticipant records a role for a login.
func (pr *PullRequest) AddParticipant(login string, kind ParticipantKind) {
	if login == "" {
		return
	}
	if pr.Participants == nil {
		pr.Participants = make(map[string]map[ParticipantKind]bool)
	}
	roles, ok := pr.Participants[login]
	if !ok {
		roles = make(map[ParticipantKind]bool)
		pr.Participants[login] = roles
	}
	roles[kind] = true
}

// HasRole reports whether login held kind on this PR.
func (pr *PullRequest) HasRole(login string, kind ParticipantKind) bool {
	roles, ok := pr.Participants[login]
	if !ok {
		return false
	}
	return roles[kind]
}

// Facts is the fixed record of optional timestamps computed per PR by
// the facts miner. A nil pointer means "does not exist" for that
// timestamp.
type Facts struct {
	PRNodeID                  string
	Created                   time.Time
	FirstCommit               *time.Time
	WorkBegan                 time.Time
	FirstReviewRequest        *time.Time
	FirstCommentOnFirstReview *time.Time
	Approved                  *time.Time
	LastReview                *time.Time
	LastCommit                *time.Time
	Merged                    *time.Time
	Closed                    *time.Time
	Released                  *time.Time
}

// Coerce enforces the monotonicity invariants between a PR's lifecycle
// timestamps by taking the max of successor timestamps whenever an
// ordering is violated. This never errors — violations are silently
// coerced.
func (f *Facts) Coerce() {
	if f.FirstCommit != nil && f.Merged != nil && f.FirstCommit.After(*f.Merged) {
		m := *f.FirstCommit
		f.Merged = &m
	}
	if f.FirstReviewRequest != nil && f.LastReview != nil && f.FirstReviewRequest.After(*f.LastReview) {
		r := *f.FirstReviewRequest
		f.LastReview = &r
	}
	if f.Merged != nil && f.Released != nil && f.Merged.After(*f.Released) {
		r := *f.Merged
		f.Released = &r
	}
	if f.Merged != nil && f.Closed != nil && f.Closed.Before(*f.Merged) {
		m := *f.Merged
		f.Closed = &m
	}
}

// IssueFacts is the JIRA-issue analogue of Facts: the second metric
// domain in a "one registry per domain: PR, JIRA-issue" design. A nil
// pointer means "does not exist" for that timestamp, same convention
// as Facts.
type IssueFacts struct {
	IssueKey  string
	Created   time.Time
	WorkBegan time.Time
	Resolved  *time.Time

	// PRsBegan/PRsReleased summarise the issue's linked PRs: the
	// earliest work_began and the latest released among them, nil
	// when the issue has no linked PR.
	PRsBegan    *time.Time
	PRsReleased *time.Time

	ReopenedCount int
}

// Mapping is one row of the PR↔Release containment relation.
type Mapping struct {
	PRNodeID   string
	ReleaseID  string
	ReleasedAt time.Time
	Author     string
	URL        string
	Repository string
	MatchedBy  MatchedBy
}
