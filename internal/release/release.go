// Package release implements the release matcher: for each
// repository in a query window, materialise the set of Releases
// according to its match rule (tag, branch, or tag_or_branch).
//
// tag_or_branch repositories are first probed for tag releases in the
// query window widened by four weeks on each side and then matched as
// tag or branch; fan-out across repositories uses the scatter/gather
// idiom via golang.org/x/sync/errgroup.
package release

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowmetrics/analytics-engine/internal/dag"
	analyticserrors "github.com/flowmetrics/analytics-engine/internal/errors"
	"github.com/flowmetrics/analytics-engine/internal/model"
)

// DefaultBranchPlaceholder is substituted with the repository's actual
// default branch name before a branch regex is compiled.
const DefaultBranchPlaceholder = "{{default}}"

// tagByBranchProbeLookaround is the slack window added on both sides
// of a tag_or_branch probe so the rule doesn't flip when the query
// window happens to exclude a recent tag.
const tagByBranchProbeLookaround = 4 * 7 * 24 * time.Hour

// TagCandidate is a raw release row before regex filtering.
type TagCandidate struct {
	SHA         string
	Tag         string
	PublishedAt time.Time
	Author      string
	URL         string
}

// Branch is a repository branch head as read from the Metadata Store.
type Branch struct {
	Name    string
	HeadSHA string
}

// Store is the Metadata Store surface the matcher needs.
type Store interface {
	// FetchTagCandidates returns release rows with non-null commit and
	// published_at in [from, to), newest first per (repo, tag).
	FetchTagCandidates(ctx context.Context, repo string, from, to time.Time) ([]TagCandidate, error)
	// ProbeTagActivity reports which of repos published at least one
	// tag release within [from, to].
	ProbeTagActivity(ctx context.Context, repos []string, from, to time.Time) (map[string]bool, error)
	// FetchBranches returns every branch of repo.
	FetchBranches(ctx context.Context, repo string) ([]Branch, error)
	// FetchMergedPRMergeCommits returns merge_commit_sha values for PRs
	// merged into baseBranch within [from, to).
	FetchMergedPRMergeCommits(ctx context.Context, repo, baseBranch string, from, to time.Time) ([]string, error)
	// FetchCommits resolves commit metadata for a set of shas.
	FetchCommits(ctx context.Context, repo string, shas []string) ([]model.Commit, error)
}

// LoadReleases implements load_releases: partition repos by match kind
// and resolve each partition's releases, scattering independent
// storage fetches and gathering them failure-atomically.
func LoadReleases(ctx context.Context, repos []model.Repository, rules map[string]model.MatchRule, from, to time.Time, store Store, dagPersister dag.Persister, dagSource dag.ParentChildSource) ([]model.Release, error) {
	var tagRepos, branchRepos []model.Repository

	var tagOrBranch []model.Repository
	for _, r := range repos {
		rule, ok := rules[r.FullName()]
		if !ok {
			return nil, analyticserrors.RuleConfigErrorf("no match rule configured for %s", r.FullName())
		}
		switch rule.Match {
		case model.MatchTag:
			tagRepos = append(tagRepos, r)
		case model.MatchBranch:
			branchRepos = append(branchRepos, r)
		case model.MatchTagOrBranch:
			tagOrBranch = append(tagOrBranch, r)
		default:
			return nil, analyticserrors.RuleConfigErrorf("unknown match kind %q for %s", rule.Match, r.FullName())
		}
	}

	if len(tagOrBranch) > 0 {
		names := make([]string, len(tagOrBranch))
		for i, r := range tagOrBranch {
			names[i] = r.FullName()
		}
		present, err := store.ProbeTagActivity(ctx, names, from.Add(-tagByBranchProbeLookaround), to.Add(tagByBranchProbeLookaround))
		if err != nil {
			return nil, analyticserrors.StorageUnavailable(err, "probing tag activity for tag_or_branch repos")
		}
		for _, r := range tagOrBranch {
			if present[r.FullName()] {
				tagRepos = append(tagRepos, r)
			} else {
				branchRepos = append(branchRepos, r)
			}
		}
	}

	var mu sync.Mutex
	var result []model.Release

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range tagRepos {
		r := r
		rule := rules[r.FullName()]
		g.Go(func() error {
			releases, err := matchByTag(gctx, r, rule, from, to, store)
			if err != nil {
				return err
			}
			mu.Lock()
			result = append(result, releases...)
			mu.Unlock()
			return nil
		})
	}
	for _, r := range branchRepos {
		r := r
		rule := rules[r.FullName()]
		g.Go(func() error {
			releases, err := matchByBranch(gctx, r, rule, from, to, store, dagPersister, dagSource)
			if err != nil {
				return err
			}
			mu.Lock()
			result = append(result, releases...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func anchorRegex(pattern string) (*regexp.Regexp, error) {
	if !strings.HasSuffix(pattern, "$") {
		pattern += "$"
	}
	return regexp.Compile(pattern)
}

func matchByTag(ctx context.Context, repo model.Repository, rule model.MatchRule, from, to time.Time, store Store) ([]model.Release, error) {
	candidates, err := store.FetchTagCandidates(ctx, repo.FullName(), from, to)
	if err != nil {
		return nil, analyticserrors.StorageUnavailablef(err, "fetching tag candidates for %s", repo.FullName())
	}
	re, err := anchorRegex(rule.TagRegex)
	if err != nil {
		return nil, analyticserrors.RuleConfigErrorf("invalid tag regex %q for %s: %v", rule.TagRegex, repo.FullName(), err)
	}

	seen := make(map[string]bool) // dedup: keep first (newest) occurrence per tag
	var out []model.Release
	for _, c := range candidates {
		if seen[c.Tag] {
			continue
		}
		if !re.MatchString(c.Tag) {
			continue
		}
		seen[c.Tag] = true
		out = append(out, model.Release{
			ID:          c.SHA + "_" + repo.FullName(),
			Repository:  repo.FullName(),
			SHA:         c.SHA,
			Tag:         c.Tag,
			PublishedAt: c.PublishedAt,
			Author:      c.Author,
			URL:         c.URL,
			MatchedBy:   model.MatchedByTag,
		})
	}
	return out, nil
}

const githubBotCommitterEmail = "noreply@github.com"

// pseudoReleaseAuthor resolves the author of a branch-matched
// pseudo-release: author_login, falling back to committer_login when
// the committer is the GitHub merge bot.
func pseudoReleaseAuthor(c model.Commit) string {
	if c.CommitterEmail == githubBotCommitterEmail {
		return c.CommitterLogin
	}
	return c.AuthorLogin
}

func matchByBranch(ctx context.Context, repo model.Repository, rule model.MatchRule, from, to time.Time, store Store, persister dag.Persister, source dag.ParentChildSource) ([]model.Release, error) {
	branches, err := store.FetchBranches(ctx, repo.FullName())
	if err != nil {
		return nil, analyticserrors.StorageUnavailablef(err, "fetching branches for %s", repo.FullName())
	}

	pattern := strings.ReplaceAll(rule.BranchRegex, DefaultBranchPlaceholder, repo.DefaultBranch)
	re, err := anchorRegex(pattern)
	if err != nil {
		return nil, analyticserrors.RuleConfigErrorf("invalid branch regex %q for %s: %v", rule.BranchRegex, repo.FullName(), err)
	}

	var matched []Branch
	for _, b := range branches {
		if re.MatchString(b.Name) {
			matched = append(matched, b)
		}
	}
	if len(matched) == 0 {
		return nil, nil
	}

	mergePoints := make(map[string]bool)
	for _, b := range matched {
		d, err := dag.FetchDAG(ctx, repo.FullName(), []string{b.HeadSHA}, persister, source)
		if err != nil {
			return nil, err
		}
		chain, err := firstParentsWithinWindow(ctx, d, b.HeadSHA, from, to, store, repo.FullName())
		if err != nil {
			return nil, analyticserrors.StorageUnavailablef(err, "fetching commits along %s's first-parent chain for %s", b.Name, repo.FullName())
		}
		for _, sha := range chain {
			mergePoints[sha] = true
		}
		shas, err := store.FetchMergedPRMergeCommits(ctx, repo.FullName(), b.Name, from, to)
		if err != nil {
			return nil, analyticserrors.StorageUnavailablef(err, "fetching merged PR commits for %s/%s", repo.FullName(), b.Name)
		}
		for _, sha := range shas {
			mergePoints[sha] = true
		}
	}
	if len(mergePoints) == 0 {
		return nil, nil
	}

	shas := make([]string, 0, len(mergePoints))
	for sha := range mergePoints {
		shas = append(shas, sha)
	}
	commits, err := store.FetchCommits(ctx, repo.FullName(), shas)
	if err != nil {
		return nil, analyticserrors.StorageUnavailablef(err, "fetching pseudo-release commits for %s", repo.FullName())
	}

	out := make([]model.Release, 0, len(commits))
	for _, c := range commits {
		out = append(out, model.Release{
			ID:          c.SHA + "_" + repo.FullName(),
			Repository:  repo.FullName(),
			SHA:         c.SHA,
			Tag:         "",
			PublishedAt: c.CommittedDate,
			Author:      pseudoReleaseAuthor(c),
			URL:         "",
			MatchedBy:   model.MatchedByBranch,
		})
	}
	return out, nil
}

// firstParentsWithinWindow resolves the commit-date lookup required by
// dag.FirstParents by fetching the commits along the chain once the
// DAG itself is known. This trades one extra store round-trip for not
// needing a date index baked into the DAG's CSR arrays. A store error
// is returned rather than swallowed: an empty chain here would
// otherwise read to matchByBranch as "no merge points from this head"
// instead of "the store failed".
func firstParentsWithinWindow(ctx context.Context, d dag.DAG, head string, from, to time.Time, store Store, repo string) ([]string, error) {
	commits, err := store.FetchCommits(ctx, repo, d.Hashes)
	if err != nil {
		return nil, err
	}
	dates := make(map[string]int64, len(commits))
	for _, c := range commits {
		dates[c.SHA] = c.CommittedDate.Unix()
	}
	return dag.FirstParents(d, head, dates, from.Unix(), to.Unix()), nil
}
