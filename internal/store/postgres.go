// Package store implements the Metadata Store and Precomputed Store:
// PostgresStore is the primary backend, reading the ingested
// GitHub event tables the pipeline mines and persisting the
// long-lived DAG/mapping caches derived from them. SQLiteStore is the
// local/dev equivalent. BoltStore is an embedded, durable, single-file
// alternative for the DAG blob cache.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/flowmetrics/analytics-engine/internal/dag"
	analyticserrors "github.com/flowmetrics/analytics-engine/internal/errors"
	"github.com/flowmetrics/analytics-engine/internal/facts"
	"github.com/flowmetrics/analytics-engine/internal/model"
	"github.com/flowmetrics/analytics-engine/internal/release"
)

// PostgresStore is the Metadata Store / Precomputed Store backend for
// production deployments. It implements every reader interface the dag,
// release, prrelease and facts packages
// depend on (dag.ParentChildSource, dag.Persister, release.Store,
// prrelease.OldMergedPRSource, facts.Store) plus the mapping
// upsert/lookup the Precomputed Store owns.
type PostgresStore struct {
	pool    *pgxpool.Pool
	limiter *rate.Limiter
	log     *logrus.Logger
}

// defaultQueryRateLimit bounds how many Metadata Store queries the
// query orchestrator's per-repo fan-out (errgroup scatter across
// repos) and the facts miner's per-PR fan-out may issue per second, protecting the backing
// Postgres instance from a concurrency spike the same way the
// teacher's GitHub client rate-limits outbound API calls.
const defaultQueryRateLimit = 200

// NewPostgresStore connects to dsn and verifies connectivity with a
// single ping before returning, so configuration mistakes surface at
// startup rather than on the first query. log may be nil; when
// provided it records connection lifecycle and throttling events.
func NewPostgresStore(ctx context.Context, dsn string, log *logrus.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		if log != nil {
			log.WithError(err).Error("metadata store connection failed")
		}
		return nil, analyticserrors.StorageUnavailable(err, "connecting to metadata store")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		if log != nil {
			log.WithError(err).Error("metadata store ping failed")
		}
		return nil, analyticserrors.StorageUnavailable(err, "pinging metadata store")
	}
	if log != nil {
		log.Info("metadata store connected")
	}
	return &PostgresStore{
		pool:    pool,
		limiter: rate.NewLimiter(rate.Limit(defaultQueryRateLimit), defaultQueryRateLimit),
		log:     log,
	}, nil
}

// throttle blocks until the query rate limiter admits one more query,
// or ctx is canceled first.
func (s *PostgresStore) throttle(ctx context.Context) error {
	if s.limiter.Tokens() < 1 && s.log != nil {
		s.log.Debug("metadata store query throttled")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return analyticserrors.StorageTimeout(err, "waiting for metadata store query slot")
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// HealthCheck pings the pool; used for readiness probes, never to
// gate individual queries.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// FetchParentClosure implements dag.ParentChildSource with a single
// recursive CTE walking node_commit_parent from rootSHAs, returning
// both the edges and which roots actually exist in the table.
func (s *PostgresStore) FetchParentClosure(ctx context.Context, repo string, rootSHAs []string) ([]dag.RawParentEdge, map[string]bool, error) {
	if err := s.throttle(ctx); err != nil {
		return nil, nil, err
	}
	const q = `
		WITH RECURSIVE closure(sha) AS (
			SELECT unnest($2::text[])
			UNION
			SELECT ncp.parent_sha
			FROM node_commit_parent ncp
			JOIN closure c ON ncp.child_sha = c.sha
			WHERE ncp.repository = $1
		)
		SELECT ncp.child_sha, ncp.parent_sha, ncp.parent_index
		FROM node_commit_parent ncp
		JOIN closure c ON ncp.child_sha = c.sha
		WHERE ncp.repository = $1
		ORDER BY ncp.child_sha, ncp.parent_index`
	rows, err := s.pool.Query(ctx, q, repo, rootSHAs)
	if err != nil {
		return nil, nil, analyticserrors.StorageUnavailable(err, "fetching parent closure")
	}
	defer rows.Close()

	var edges []dag.RawParentEdge
	for rows.Next() {
		var e dag.RawParentEdge
		if err := rows.Scan(&e.LaterSHA, &e.EarlierSHA, &e.Index); err != nil {
			return nil, nil, analyticserrors.StorageUnavailable(err, "scanning parent closure row")
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, analyticserrors.StorageUnavailable(err, "iterating parent closure rows")
	}

	presentRows, err := s.pool.Query(ctx, `SELECT sha FROM node_commit WHERE repository = $1 AND sha = ANY($2::text[])`, repo, rootSHAs)
	if err != nil {
		return nil, nil, analyticserrors.StorageUnavailable(err, "checking root sha presence")
	}
	defer presentRows.Close()
	present := make(map[string]bool, len(rootSHAs))
	for presentRows.Next() {
		var sha string
		if err := presentRows.Scan(&sha); err != nil {
			return nil, nil, analyticserrors.StorageUnavailable(err, "scanning root sha presence row")
		}
		present[sha] = true
	}
	return edges, present, presentRows.Err()
}

// LoadDAG implements dag.Persister, reading the compact CSR arrays
// back from the commit_dag_cache table keyed by repository.
func (s *PostgresStore) LoadDAG(ctx context.Context, repo string) (dag.DAG, bool, error) {
	const q = `SELECT hashes, vertexes, edges FROM commit_dag_cache WHERE repository = $1`
	var hashes []string
	var vertexes, edges []int32
	err := s.pool.QueryRow(ctx, q, repo).Scan(&hashes, &vertexes, &edges)
	if err != nil {
		if err == pgx.ErrNoRows {
			return dag.DAG{}, false, nil
		}
		return dag.DAG{}, false, analyticserrors.StorageUnavailable(err, "loading cached commit dag")
	}
	return dag.DAG{Hashes: hashes, Vertexes: vertexes, Edges: edges}, true, nil
}

// SaveDAG implements dag.Persister, upserting the joined DAG.
func (s *PostgresStore) SaveDAG(ctx context.Context, repo string, d dag.DAG) error {
	const q = `
		INSERT INTO commit_dag_cache (repository, hashes, vertexes, edges, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (repository) DO UPDATE SET
			hashes = EXCLUDED.hashes, vertexes = EXCLUDED.vertexes,
			edges = EXCLUDED.edges, updated_at = EXCLUDED.updated_at`
	_, err := s.pool.Exec(ctx, q, repo, d.Hashes, d.Vertexes, d.Edges)
	if err != nil {
		return analyticserrors.StorageUnavailable(err, "saving joined commit dag")
	}
	return nil
}

// FetchTagCandidates implements release.Store.
func (s *PostgresStore) FetchTagCandidates(ctx context.Context, repo string, from, to time.Time) ([]release.TagCandidate, error) {
	const q = `
		SELECT sha, tag, published_at, author_login, url
		FROM release_event
		WHERE repository = $1 AND sha IS NOT NULL AND published_at >= $2 AND published_at < $3
		ORDER BY published_at DESC`
	rows, err := s.pool.Query(ctx, q, repo, from, to)
	if err != nil {
		return nil, analyticserrors.StorageUnavailable(err, "fetching tag candidates")
	}
	defer rows.Close()
	var out []release.TagCandidate
	for rows.Next() {
		var c release.TagCandidate
		if err := rows.Scan(&c.SHA, &c.Tag, &c.PublishedAt, &c.Author, &c.URL); err != nil {
			return nil, analyticserrors.StorageUnavailable(err, "scanning tag candidate row")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ProbeTagActivity implements release.Store.
func (s *PostgresStore) ProbeTagActivity(ctx context.Context, repos []string, from, to time.Time) (map[string]bool, error) {
	const q = `
		SELECT DISTINCT repository FROM release_event
		WHERE repository = ANY($1::text[]) AND sha IS NOT NULL
		  AND published_at >= $2 AND published_at <= $3`
	rows, err := s.pool.Query(ctx, q, repos, from, to)
	if err != nil {
		return nil, analyticserrors.StorageUnavailable(err, "probing tag activity")
	}
	defer rows.Close()
	present := make(map[string]bool, len(repos))
	for rows.Next() {
		var repo string
		if err := rows.Scan(&repo); err != nil {
			return nil, analyticserrors.StorageUnavailable(err, "scanning tag activity row")
		}
		present[repo] = true
	}
	return present, rows.Err()
}

// FetchBranches implements release.Store.
func (s *PostgresStore) FetchBranches(ctx context.Context, repo string) ([]release.Branch, error) {
	const q = `SELECT name, head_sha FROM branch WHERE repository = $1`
	rows, err := s.pool.Query(ctx, q, repo)
	if err != nil {
		return nil, analyticserrors.StorageUnavailable(err, "fetching branches")
	}
	defer rows.Close()
	var out []release.Branch
	for rows.Next() {
		var b release.Branch
		if err := rows.Scan(&b.Name, &b.HeadSHA); err != nil {
			return nil, analyticserrors.StorageUnavailable(err, "scanning branch row")
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// FetchMergedPRMergeCommits implements release.Store.
func (s *PostgresStore) FetchMergedPRMergeCommits(ctx context.Context, repo, baseBranch string, from, to time.Time) ([]string, error) {
	const q = `
		SELECT merge_commit_sha FROM pull_request
		WHERE repository = $1 AND base_ref = $2
		  AND merged_at >= $3 AND merged_at < $4 AND merge_commit_sha <> ''`
	rows, err := s.pool.Query(ctx, q, repo, baseBranch, from, to)
	if err != nil {
		return nil, analyticserrors.StorageUnavailable(err, "fetching merged pr merge commits")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var sha string
		if err := rows.Scan(&sha); err != nil {
			return nil, analyticserrors.StorageUnavailable(err, "scanning merge commit row")
		}
		out = append(out, sha)
	}
	return out, rows.Err()
}

// FetchCommits implements release.Store and dag's first-parent walk's
// need for commit metadata.
func (s *PostgresStore) FetchCommits(ctx context.Context, repo string, shas []string) ([]model.Commit, error) {
	if err := s.throttle(ctx); err != nil {
		return nil, err
	}
	const q = `
		SELECT sha, node_id, repository, committed_date, author_login,
		       committer_login, committer_email, additions, deletions
		FROM node_commit
		WHERE repository = $1 AND sha = ANY($2::text[])`
	rows, err := s.pool.Query(ctx, q, repo, shas)
	if err != nil {
		return nil, analyticserrors.StorageUnavailable(err, "fetching commits")
	}
	defer rows.Close()
	var out []model.Commit
	for rows.Next() {
		var c model.Commit
		if err := rows.Scan(&c.SHA, &c.NodeID, &c.Repository, &c.CommittedDate,
			&c.AuthorLogin, &c.CommitterLogin, &c.CommitterEmail, &c.Additions, &c.Deletions); err != nil {
			return nil, analyticserrors.StorageUnavailable(err, "scanning commit row")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FetchPullRequestsInWindow implements query.PRSource: every
// non-hidden PR created in [from, to) for repo, optionally restricted
// to authors/mergers.
func (s *PostgresStore) FetchPullRequestsInWindow(ctx context.Context, repo string, from, to time.Time, authors, mergers []string) ([]model.PullRequest, error) {
	if err := s.throttle(ctx); err != nil {
		return nil, err
	}
	q := `
		SELECT node_id, repository, number, user_login, merged_by_login,
		       created_at, closed_at, merged_at, merge_commit_sha, base_ref, head_ref
		FROM pull_request
		WHERE repository = $1 AND hidden = false AND created_at >= $2 AND created_at < $3`
	args := []interface{}{repo, from, to}
	if len(authors) > 0 {
		args = append(args, authors)
		q += ` AND user_login = ANY($` + itoa(len(args)) + `::text[])`
	}
	if len(mergers) > 0 {
		args = append(args, mergers)
		q += ` AND merged_by_login = ANY($` + itoa(len(args)) + `::text[])`
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, analyticserrors.StorageUnavailable(err, "fetching pull requests in window")
	}
	defer rows.Close()
	var out []model.PullRequest
	for rows.Next() {
		var pr model.PullRequest
		if err := rows.Scan(&pr.NodeID, &pr.Repository, &pr.Number, &pr.UserLogin, &pr.MergedByLogin,
			&pr.CreatedAt, &pr.ClosedAt, &pr.MergedAt, &pr.MergeCommitSHA, &pr.BaseRef, &pr.HeadRef); err != nil {
			return nil, analyticserrors.StorageUnavailable(err, "scanning pull request row")
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

// LoadCheckedUntil implements query.RescanStore, reading the
// "merged unreleased" rescan checkpoint from
// pr_facts_merged_unreleased_checkpoint (one row per (repository, rule_fingerprint) tracks the
// checkpoint rather than per-PR, since the rescan itself operates on
// a whole repository's merged-before-t0 candidate set at once).
func (s *PostgresStore) LoadCheckedUntil(ctx context.Context, repo, ruleFingerprint string) (time.Time, bool, error) {
	const q = `SELECT checked_until FROM pr_facts_merged_unreleased_checkpoint WHERE repository = $1 AND rule_fingerprint = $2`
	var checkedUntil time.Time
	err := s.pool.QueryRow(ctx, q, repo, ruleFingerprint).Scan(&checkedUntil)
	if err != nil {
		if err == pgx.ErrNoRows {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, analyticserrors.StorageUnavailable(err, "loading rescan checkpoint")
	}
	return checkedUntil, true, nil
}

// SaveCheckedUntil implements query.RescanStore.
func (s *PostgresStore) SaveCheckedUntil(ctx context.Context, repo, ruleFingerprint string, checkedUntil time.Time) error {
	const q = `
		INSERT INTO pr_facts_merged_unreleased_checkpoint (repository, rule_fingerprint, checked_until)
		VALUES ($1, $2, $3)
		ON CONFLICT (repository, rule_fingerprint) DO UPDATE SET checked_until = EXCLUDED.checked_until`
	_, err := s.pool.Exec(ctx, q, repo, ruleFingerprint, checkedUntil)
	if err != nil {
		return analyticserrors.StorageUnavailable(err, "saving rescan checkpoint")
	}
	return nil
}

// FetchMergedPRsBefore implements prrelease.OldMergedPRSource.
func (s *PostgresStore) FetchMergedPRsBefore(ctx context.Context, repo string, before time.Time, authors, mergers []string) ([]model.PullRequest, error) {
	q := `
		SELECT node_id, repository, number, user_login, merged_by_login,
		       created_at, closed_at, merged_at, merge_commit_sha, base_ref, head_ref
		FROM pull_request
		WHERE repository = $1 AND merged_at IS NOT NULL AND merged_at < $2`
	args := []interface{}{repo, before}
	if len(authors) > 0 {
		args = append(args, authors)
		q += ` AND user_login = ANY($` + itoa(len(args)) + `::text[])`
	}
	if len(mergers) > 0 {
		args = append(args, mergers)
		q += ` AND merged_by_login = ANY($` + itoa(len(args)) + `::text[])`
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, analyticserrors.StorageUnavailable(err, "fetching old merged prs")
	}
	defer rows.Close()
	var out []model.PullRequest
	for rows.Next() {
		var pr model.PullRequest
		if err := rows.Scan(&pr.NodeID, &pr.Repository, &pr.Number, &pr.UserLogin, &pr.MergedByLogin,
			&pr.CreatedAt, &pr.ClosedAt, &pr.MergedAt, &pr.MergeCommitSHA, &pr.BaseRef, &pr.HeadRef); err != nil {
			return nil, analyticserrors.StorageUnavailable(err, "scanning pull request row")
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

// FetchTimeline implements facts.Store: one round trip per PR,
// joining its commits, review requests, reviews, review comments and
// eventual release via subqueries. The facts miner batches calls to
// this across its PR set with its own fan-out.
func (s *PostgresStore) FetchTimeline(ctx context.Context, prNodeID string) (facts.Timeline, error) {
	if err := s.throttle(ctx); err != nil {
		return facts.Timeline{}, err
	}
	const prQ = `
		SELECT node_id, repository, number, user_login, merged_by_login,
		       created_at, closed_at, merged_at, merge_commit_sha, base_ref, head_ref
		FROM pull_request WHERE node_id = $1`
	var tl facts.Timeline
	err := s.pool.QueryRow(ctx, prQ, prNodeID).Scan(&tl.PR.NodeID, &tl.PR.Repository, &tl.PR.Number,
		&tl.PR.UserLogin, &tl.PR.MergedByLogin, &tl.PR.CreatedAt, &tl.PR.ClosedAt, &tl.PR.MergedAt,
		&tl.PR.MergeCommitSHA, &tl.PR.BaseRef, &tl.PR.HeadRef)
	if err != nil {
		if err == pgx.ErrNoRows {
			return facts.Timeline{}, analyticserrors.NotFoundErrorf("pull request %q not in metadata store", prNodeID)
		}
		return facts.Timeline{}, analyticserrors.StorageUnavailable(err, "fetching pull request")
	}

	commitRows, err := s.pool.Query(ctx, `SELECT committed_date FROM pr_commit WHERE pr_node_id = $1`, prNodeID)
	if err != nil {
		return facts.Timeline{}, analyticserrors.StorageUnavailable(err, "fetching pr commits")
	}
	for commitRows.Next() {
		var c facts.Commit
		if err := commitRows.Scan(&c.CommittedDate); err != nil {
			commitRows.Close()
			return facts.Timeline{}, analyticserrors.StorageUnavailable(err, "scanning pr commit row")
		}
		tl.Commits = append(tl.Commits, c)
	}
	commitRows.Close()

	reqRows, err := s.pool.Query(ctx, `SELECT created_at FROM pr_review_request WHERE pr_node_id = $1`, prNodeID)
	if err != nil {
		return facts.Timeline{}, analyticserrors.StorageUnavailable(err, "fetching pr review requests")
	}
	for reqRows.Next() {
		var rr facts.ReviewRequest
		if err := reqRows.Scan(&rr.CreatedAt); err != nil {
			reqRows.Close()
			return facts.Timeline{}, analyticserrors.StorageUnavailable(err, "scanning pr review request row")
		}
		tl.ReviewRequests = append(tl.ReviewRequests, rr)
	}
	reqRows.Close()

	reviewRows, err := s.pool.Query(ctx, `SELECT submitted_at, state FROM pr_review WHERE pr_node_id = $1`, prNodeID)
	if err != nil {
		return facts.Timeline{}, analyticserrors.StorageUnavailable(err, "fetching pr reviews")
	}
	for reviewRows.Next() {
		var rv facts.Review
		if err := reviewRows.Scan(&rv.SubmittedAt, &rv.State); err != nil {
			reviewRows.Close()
			return facts.Timeline{}, analyticserrors.StorageUnavailable(err, "scanning pr review row")
		}
		tl.Reviews = append(tl.Reviews, rv)
	}
	reviewRows.Close()

	commentRows, err := s.pool.Query(ctx, `SELECT created_at FROM pr_review_comment WHERE pr_node_id = $1`, prNodeID)
	if err != nil {
		return facts.Timeline{}, analyticserrors.StorageUnavailable(err, "fetching pr review comments")
	}
	for commentRows.Next() {
		var rc facts.ReviewComment
		if err := commentRows.Scan(&rc.CreatedAt); err != nil {
			commentRows.Close()
			return facts.Timeline{}, analyticserrors.StorageUnavailable(err, "scanning pr review comment row")
		}
		tl.ReviewComments = append(tl.ReviewComments, rc)
	}
	commentRows.Close()

	var released time.Time
	err = s.pool.QueryRow(ctx, `
		SELECT r.published_at FROM pr_release_mapping m
		JOIN release_event r ON r.sha = m.release_sha AND r.repository = m.repository
		WHERE m.pr_node_id = $1`, prNodeID).Scan(&released)
	switch err {
	case nil:
		tl.Released = &released
	case pgx.ErrNoRows:
	default:
		return facts.Timeline{}, analyticserrors.StorageUnavailable(err, "fetching pr release mapping")
	}

	return tl, nil
}

// UpsertMapping persists one PR↔release mapping row in the
// Precomputed Store, keyed by (pr_node_id, rule_fingerprint) per
// by design — a rule change produces a distinct row rather than
// overwriting a prior rule's result, and last-writer-wins on a repeat
// upsert for the same rule.
func (s *PostgresStore) UpsertMapping(ctx context.Context, m model.Mapping, rule model.MatchRule) error {
	const q = `
		INSERT INTO precomputed_pr_release_mapping
			(pr_node_id, rule_fingerprint, release_id, released_at, author, url, repository, matched_by, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (pr_node_id, rule_fingerprint) DO UPDATE SET
			release_id = EXCLUDED.release_id, released_at = EXCLUDED.released_at,
			author = EXCLUDED.author, url = EXCLUDED.url, repository = EXCLUDED.repository,
			matched_by = EXCLUDED.matched_by, computed_at = EXCLUDED.computed_at`
	_, err := s.pool.Exec(ctx, q, m.PRNodeID, rule.Fingerprint(), m.ReleaseID, m.ReleasedAt,
		m.Author, m.URL, m.Repository, m.MatchedBy)
	if err != nil {
		return analyticserrors.StorageUnavailable(err, "upserting precomputed pr-release mapping")
	}
	return nil
}

// LoadMapping looks up a previously-precomputed mapping for prNodeID
// under rule. Returns (zero, false, nil) on a miss — the caller falls
// back to recomputing via prrelease.MapPRsToReleases, same as any
// other cache layer in this pipeline.
func (s *PostgresStore) LoadMapping(ctx context.Context, prNodeID string, rule model.MatchRule) (model.Mapping, bool, error) {
	const q = `
		SELECT release_id, released_at, author, url, repository, matched_by
		FROM precomputed_pr_release_mapping
		WHERE pr_node_id = $1 AND rule_fingerprint = $2`
	var m model.Mapping
	m.PRNodeID = prNodeID
	err := s.pool.QueryRow(ctx, q, prNodeID, rule.Fingerprint()).Scan(
		&m.ReleaseID, &m.ReleasedAt, &m.Author, &m.URL, &m.Repository, &m.MatchedBy)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Mapping{}, false, nil
		}
		return model.Mapping{}, false, analyticserrors.StorageUnavailable(err, "loading precomputed pr-release mapping")
	}
	return m, true, nil
}

func itoa(n int) string {
	if n < 10 {
		return string(rune('0' + n))
	}
	// Parameter count beyond single digits is not expected in practice
	// (only two optional filters), but handled for completeness.
	return itoa(n/10) + string(rune('0'+n%10))
}
