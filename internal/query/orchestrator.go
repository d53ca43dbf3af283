// Package query implements the query orchestrator: the single entry
// point that turns a request shape (account, window, granularities,
// groups, metrics, rules) into a metric grid, running the
// strictly-serialized rescan → fetch → map_prs_to_releases → facts →
// metrics pipeline as a set of staged phases connected by errgroup
// fan-out.
package query

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/flowmetrics/analytics-engine/internal/cache"
	"github.com/flowmetrics/analytics-engine/internal/dag"
	analyticserrors "github.com/flowmetrics/analytics-engine/internal/errors"
	"github.com/flowmetrics/analytics-engine/internal/facts"
	"github.com/flowmetrics/analytics-engine/internal/logging"
	"github.com/flowmetrics/analytics-engine/internal/metrics"
	"github.com/flowmetrics/analytics-engine/internal/model"
	"github.com/flowmetrics/analytics-engine/internal/prrelease"
	"github.com/flowmetrics/analytics-engine/internal/release"
)

// minTimezoneMinutes/maxTimezoneMinutes bound the caller-supplied
// timezone offset bound: [-720, 720] minutes.
const (
	minTimezoneMinutes = -720
	maxTimezoneMinutes = 720
)

// Group is a named boolean mask over facts rows — one of a request's
// groups G1...Gk that partitions the result grid.
type Group struct {
	Name string
	Mask func(model.Facts) bool
}

// Request is the orchestrator's input shape:
// (account, window, granularities, groups, metrics, rules).
type Request struct {
	Account string
	Repos   []model.Repository
	Rules   map[string]model.MatchRule

	// DateFrom/DateTo are inclusive-start/exclusive-end dates in the
	// caller's local calendar; TimezoneMinutes converts them to UTC
	// instants.
	DateFrom, DateTo time.Time
	TimezoneMinutes  int

	// Authors/Mergers optionally restrict which PRs participate,
	// mirroring prrelease.OldMergedPRSource's own filter parameters.
	Authors, Mergers []string

	// Granularities is the outer axis of the 2-D time grid: one bin
	// slice per requested granularity (e.g. daily, weekly).
	Granularities [][]metrics.Bin

	Groups  []Group
	Metrics []string

	// Quantiles bounds the interquantile trim passed to the ensemble.
	Quantiles [2]float64

	// OrderBy, when non-empty, must name one of Metrics; the response
	// additionally carries PR node ids sorted by that metric's raw
	// per-PR sample over the whole window.
	OrderBy         string
	OrderDescending bool
	ExcludeNulls    bool
}

// Response is the orchestrator's output: a 2-D grid
// [granularity][group][bin]map[metric]Metric, plus the optional
// ordering described below.
type Response struct {
	Grid       [][][]map[string]metrics.Metric
	GroupNames []string
	OrderedPRs []string
}

// Validate checks the request shape, returning a ValidationError for
// a malformed window order, an out-of-range timezone, or a metric id
// that is not registered in metrics.PRDomain.
func (r Request) Validate() error {
	for _, m := range r.Metrics {
		if _, ok := metrics.PRDomain[m]; !ok {
			return analyticserrors.ValidationErrorf("unknown metric %q", m)
		}
	}
	if r.TimezoneMinutes < minTimezoneMinutes || r.TimezoneMinutes > maxTimezoneMinutes {
		return analyticserrors.ValidationErrorf("timezone %d out of range [%d, %d]", r.TimezoneMinutes, minTimezoneMinutes, maxTimezoneMinutes)
	}
	if !r.DateFrom.Before(r.DateTo) {
		return analyticserrors.ValidationErrorf("date_from %s must be before date_to %s", r.DateFrom, r.DateTo)
	}
	if r.OrderBy != "" {
		found := false
		for _, m := range r.Metrics {
			if m == r.OrderBy {
				found = true
				break
			}
		}
		if !found {
			return analyticserrors.ValidationErrorf("order_by %q is not in the requested metric list", r.OrderBy)
		}
	}
	return nil
}

// PRSource fetches every pull request whose activity falls in a
// window, for a single repository — the set of PRs the orchestrator
// mines facts for and maps to releases. Distinct from
// prrelease.OldMergedPRSource, which only fetches merged-before-t0
// candidates for the "merged unreleased" rescan.
type PRSource interface {
	FetchPullRequestsInWindow(ctx context.Context, repo string, from, to time.Time, authors, mergers []string) ([]model.PullRequest, error)
}

// RescanStore tracks the "merged unreleased" rescan checkpoint: a
// stored checked_until per (repository, rule_fingerprint), advanced
// every time a rescan runs.
type RescanStore interface {
	LoadCheckedUntil(ctx context.Context, repo, ruleFingerprint string) (time.Time, bool, error)
	SaveCheckedUntil(ctx context.Context, repo, ruleFingerprint string, checkedUntil time.Time) error
}

// Orchestrator wires every Metadata Store / Precomputed Store
// dependency the pipeline needs.
type Orchestrator struct {
	ReleaseStore release.Store
	DAGPersister dag.Persister
	DAGSource    dag.ParentChildSource
	FactsStore   facts.Store
	PRs          PRSource
	OldMergedPRs prrelease.OldMergedPRSource
	Rescan       RescanStore

	// MappingCache and MappingStore front and back the PR↔release
	// mapping's three-tier cache: MappingCache is a *cache.Manager
	// (memory + shared KV), MappingStore the Precomputed Store
	// (internal/store's PostgresStore/SQLiteStore). Either or both may
	// be nil, in which case every PR is resolved via the DAG on every
	// call, same as before this tier existed.
	MappingCache prrelease.MappingCache
	MappingStore prrelease.MappingStore

	// FactsCache fronts per-PR derived Facts rows under
	// cache.ScopeFacts. Nil disables the tier; facts.MineAll then
	// fetches every PR's timeline unconditionally.
	FactsCache *cache.Manager

	// Log, when set, receives one Info when a query starts (request id,
	// account, repo count) and, when it ends, one Info on success or one
	// Error on failure (request id, elapsed). Nil disables
	// logging entirely — callers in tests needn't configure one.
	Log *logging.Logger
}

func (o *Orchestrator) loadReleases(ctx context.Context, repos []model.Repository, rules map[string]model.MatchRule, from, to time.Time) ([]model.Release, error) {
	return release.LoadReleases(ctx, repos, rules, from, to, o.ReleaseStore, o.DAGPersister, o.DAGSource)
}

// Run performs the strictly-serialized load_releases →
// map_prs_to_releases → facts → metrics pipeline and
// assembles the response grid.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Response, error) {
	requestID := uuid.NewString()
	started := time.Now()
	if o.Log != nil {
		o.Log.Info("query started", "request_id", requestID, "account", req.Account, "repos", len(req.Repos))
	}
	resp, err := o.run(ctx, req)
	if o.Log != nil {
		if err != nil {
			o.Log.Error("query failed", "request_id", requestID, "error", err, "elapsed", time.Since(started))
		} else {
			o.Log.Info("query completed", "request_id", requestID, "elapsed", time.Since(started))
		}
	}
	return resp, err
}

func (o *Orchestrator) run(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}

	from := req.DateFrom.Add(time.Duration(-req.TimezoneMinutes) * time.Minute)
	to := req.DateTo.Add(time.Duration(-req.TimezoneMinutes) * time.Minute)

	if err := o.rescanMergedUnreleased(ctx, req, from, to); err != nil {
		return Response{}, err
	}

	prs, err := o.fetchPRs(ctx, req, from, to)
	if err != nil {
		return Response{}, err
	}

	mappings, err := prrelease.MapPRsToReleases(ctx, prs, req.Repos, from, to, req.Rules, o.loadReleases, o.MappingCache, o.MappingStore, o.DAGPersister, o.DAGSource)
	if err != nil {
		return Response{}, err
	}
	releasedAt := make(map[string]model.Mapping, len(mappings))
	for _, m := range mappings {
		releasedAt[m.PRNodeID] = m
	}

	rows, err := facts.MineAll(ctx, prs, o.FactsStore, o.FactsCache)
	if err != nil {
		return Response{}, err
	}
	for i := range rows {
		if m, ok := releasedAt[rows[i].PRNodeID]; ok {
			released := m.ReleasedAt
			rows[i].Released = &released
		}
		rows[i].Coerce()
	}

	ens, err := metrics.NewEnsemble(metrics.PRDomain, req.Metrics, req.Quantiles)
	if err != nil {
		return Response{}, err
	}

	groups := make([][]model.Facts, len(req.Groups))
	groupNames := make([]string, len(req.Groups))
	for gi, grp := range req.Groups {
		groupNames[gi] = grp.Name
		for _, row := range rows {
			if grp.Mask(row) {
				groups[gi] = append(groups[gi], row)
			}
		}
	}
	if len(req.Groups) == 0 {
		groups = [][]model.Facts{rows}
		groupNames = []string{"all"}
	}

	grid := make([][][]map[string]metrics.Metric, len(req.Granularities))
	for gi, bins := range req.Granularities {
		perGroup := ens.EvaluateGroups(groups, bins)[0]
		grid[gi] = perGroup
	}

	resp := Response{Grid: grid, GroupNames: groupNames}
	if req.OrderBy != "" {
		resp.OrderedPRs = orderByMetric(ens, rows, req.OrderBy, from, to, req.ExcludeNulls, req.OrderDescending)
	}
	return resp, nil
}

func (o *Orchestrator) fetchPRs(ctx context.Context, req Request, from, to time.Time) ([]model.PullRequest, error) {
	if len(req.Repos) == 0 {
		return nil, nil
	}
	var mu sync.Mutex
	var out []model.PullRequest
	g, gctx := errgroup.WithContext(ctx)
	for _, repo := range req.Repos {
		repo := repo
		g.Go(func() error {
			prs, err := o.PRs.FetchPullRequestsInWindow(gctx, repo.FullName(), from, to, req.Authors, req.Mergers)
			if err != nil {
				return analyticserrors.StorageUnavailablef(err, "fetching pull requests for %s", repo.FullName())
			}
			mu.Lock()
			out = append(out, prs...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// rescanMergedUnreleased resolves the "merged unreleased" rescan question: for
// every (repo, rule) pair whose recorded checked_until trails the
// query's upper bound, re-run map_releases_to_prs over the gap and
// advance the checkpoint. A repository with no stored checkpoint is
// treated as never-scanned and rescanned unconditionally.
func (o *Orchestrator) rescanMergedUnreleased(ctx context.Context, req Request, from, to time.Time) error {
	if o.Rescan == nil || o.OldMergedPRs == nil {
		return nil
	}
	for _, repo := range req.Repos {
		rule, ok := req.Rules[repo.FullName()]
		if !ok {
			continue
		}
		fp := rule.Fingerprint()
		checkedUntil, found, err := o.Rescan.LoadCheckedUntil(ctx, repo.FullName(), fp)
		if err != nil {
			return err
		}
		if found && !prrelease.NeedsRescan(checkedUntil, to) {
			continue
		}
		start := checkedUntil
		if !found {
			start = from
		}
		// MapReleasesToPRs persists each resolved mapping itself (via
		// MappingCache/MappingStore), so the rescan only needs the
		// error, not the returned slice.
		_, err = prrelease.MapReleasesToPRs(ctx, []model.Repository{repo}, start, to, req.Authors, req.Mergers, req.Rules, o.loadReleases, o.OldMergedPRs, o.MappingCache, o.MappingStore, o.DAGPersister, o.DAGSource)
		if err != nil {
			return err
		}
		if err := o.Rescan.SaveCheckedUntil(ctx, repo.FullName(), fp, to); err != nil {
			return err
		}
	}
	return nil
}

// orderByMetric implements the orchestrator's ordering behaviour:
// evaluate metricName once over the full window to obtain a per-PR
// scalar sample (not an aggregated Metric), sort stably, and
// optionally drop PRs with no sample.
func orderByMetric(ens *metrics.Ensemble[model.Facts], rows []model.Facts, metricName string, from, to time.Time, excludeNulls, descending bool) []string {
	peeks := ens.Peek(rows, from, to)
	samples := peeks[metricName]

	type scored struct {
		prNodeID string
		value    float64
		exists   bool
	}
	ordered := make([]scored, len(rows))
	for i, row := range rows {
		ordered[i] = scored{prNodeID: row.PRNodeID}
		if i < len(samples) && samples[i] != nil {
			ordered[i].value = *samples[i]
			ordered[i].exists = true
		}
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].exists != ordered[j].exists {
			return ordered[i].exists // existing samples sort before nulls
		}
		if descending {
			return ordered[i].value > ordered[j].value
		}
		return ordered[i].value < ordered[j].value
	})

	out := make([]string, 0, len(ordered))
	for _, s := range ordered {
		if excludeNulls && !s.exists {
			continue
		}
		out = append(out, s.prNodeID)
	}
	return out
}
