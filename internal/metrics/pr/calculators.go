// Package pr registers the pull-request metric calculators (the PR
// domain) into metrics.PRDomain. Each calculator operates as an
// explicit per-row loop over a bin's facts rows rather than a
// vectorized column mask.
package pr

import (
	"time"

	"github.com/flowmetrics/analytics-engine/internal/metrics"
	"github.com/flowmetrics/analytics-engine/internal/model"
)

// Metric names, matching the representative metric set plus the
// count/quantile-count variants, a Histogram-kind distribution view of
// lead_time, and the opened/closed/merged/released/rejected building
// blocks flow_ratio and all_count depend on.
const (
	WorkInProgressTime   = "work_in_progress_time"
	WorkInProgressCount  = "work_in_progress_count"
	WorkInProgressCountQ = "work_in_progress_count_q"

	ReviewTime   = "review_time"
	ReviewCount  = "review_count"
	ReviewCountQ = "review_count_q"

	MergingTime   = "merging_time"
	MergingCount  = "merging_count"
	MergingCountQ = "merging_count_q"

	ReleaseTime   = "release_time"
	ReleaseCount  = "release_count"
	ReleaseCountQ = "release_count_q"

	LeadTime          = "lead_time"
	LeadCount         = "lead_count"
	LeadCountQ        = "lead_count_q"
	LeadTimeHistogram = "lead_time_histogram"

	CycleTime   = "cycle_time"
	CycleCount  = "cycle_count"
	CycleCountQ = "cycle_count_q"

	WaitFirstReviewTime   = "wait_first_review_time"
	WaitFirstReviewCount  = "wait_first_review_count"
	WaitFirstReviewCountQ = "wait_first_review_count_q"

	Opened   = "opened"
	Closed   = "closed"
	Merged   = "merged"
	Rejected = "rejected"
	Released = "released"

	FlowRatio = "flow_ratio"
	AllCount  = "all_count"
)

func init() {
	metrics.Register(metrics.PRDomain, WorkInProgressTime, newWorkInProgressTime)
	metrics.Register(metrics.PRDomain, WorkInProgressCount, metrics.NewCounter[model.Facts](WorkInProgressCount, WorkInProgressTime))
	metrics.Register(metrics.PRDomain, WorkInProgressCountQ, metrics.NewCounterWithQuantiles[model.Facts](WorkInProgressCountQ, WorkInProgressTime))

	metrics.Register(metrics.PRDomain, ReviewTime, newReviewTime)
	metrics.Register(metrics.PRDomain, ReviewCount, metrics.NewCounter[model.Facts](ReviewCount, ReviewTime))
	metrics.Register(metrics.PRDomain, ReviewCountQ, metrics.NewCounterWithQuantiles[model.Facts](ReviewCountQ, ReviewTime))

	metrics.Register(metrics.PRDomain, MergingTime, newMergingTime)
	metrics.Register(metrics.PRDomain, MergingCount, metrics.NewCounter[model.Facts](MergingCount, MergingTime))
	metrics.Register(metrics.PRDomain, MergingCountQ, metrics.NewCounterWithQuantiles[model.Facts](MergingCountQ, MergingTime))

	metrics.Register(metrics.PRDomain, ReleaseTime, newReleaseTime)
	metrics.Register(metrics.PRDomain, ReleaseCount, metrics.NewCounter[model.Facts](ReleaseCount, ReleaseTime))
	metrics.Register(metrics.PRDomain, ReleaseCountQ, metrics.NewCounterWithQuantiles[model.Facts](ReleaseCountQ, ReleaseTime))

	metrics.Register(metrics.PRDomain, LeadTime, newLeadTime)
	metrics.Register(metrics.PRDomain, LeadCount, metrics.NewCounter[model.Facts](LeadCount, LeadTime))
	metrics.Register(metrics.PRDomain, LeadCountQ, metrics.NewCounterWithQuantiles[model.Facts](LeadCountQ, LeadTime))
	metrics.Register(metrics.PRDomain, LeadTimeHistogram, metrics.NewHistogram[model.Facts](LeadTimeHistogram, LeadTime, defaultHistogramBins))

	metrics.Register(metrics.PRDomain, WaitFirstReviewTime, newWaitFirstReviewTime)
	metrics.Register(metrics.PRDomain, WaitFirstReviewCount, metrics.NewCounter[model.Facts](WaitFirstReviewCount, WaitFirstReviewTime))
	metrics.Register(metrics.PRDomain, WaitFirstReviewCountQ, metrics.NewCounterWithQuantiles[model.Facts](WaitFirstReviewCountQ, WaitFirstReviewTime))

	metrics.Register(metrics.PRDomain, CycleTime, newCycleTime)
	metrics.Register(metrics.PRDomain, CycleCount, metrics.NewCounter[model.Facts](CycleCount, CycleTime))
	metrics.Register(metrics.PRDomain, CycleCountQ, metrics.NewCounterWithQuantiles[model.Facts](CycleCountQ, CycleTime))

	metrics.Register(metrics.PRDomain, Opened, newOpened)
	metrics.Register(metrics.PRDomain, Closed, newClosed)
	metrics.Register(metrics.PRDomain, Merged, newMerged)
	metrics.Register(metrics.PRDomain, Rejected, newRejected)
	metrics.Register(metrics.PRDomain, Released, newReleased)

	metrics.Register(metrics.PRDomain, FlowRatio, newFlowRatio)
	metrics.Register(metrics.PRDomain, AllCount, newAllCount)
}

const defaultHistogramBins = 10

func durationSeconds(end, start time.Time) *float64 {
	d := end.Sub(start).Seconds()
	return &d
}

// --- work_in_progress_time ---

type workInProgressTimeCalculator struct{}

func newWorkInProgressTime(quantiles [2]float64) metrics.Calculator[model.Facts] {
	return &workInProgressTimeCalculator{}
}

func (c *workInProgressTimeCalculator) Name() string               { return WorkInProgressTime }
func (c *workInProgressTimeCalculator) Kind() metrics.Kind          { return metrics.KindAverage }
func (c *workInProgressTimeCalculator) Deps() []string              { return nil }
func (c *workInProgressTimeCalculator) MayHaveNegativeValues() bool { return false }
func (c *workInProgressTimeCalculator) RequiresFullSpan() bool      { return false }

// Analyze picks the work-in-progress end event: the
// first review request if a review ever happened, else the last
// commit if there were commits but no review, else the close event
// for a commit-less PR that was closed outright.
func (c *workInProgressTimeCalculator) Analyze(rows []model.Facts, from, to time.Time, deps map[string][]*float64) []*float64 {
	out := make([]*float64, len(rows))
	for i, f := range rows {
		var wipEnd *time.Time
		switch {
		case f.LastReview != nil:
			wipEnd = f.FirstReviewRequest
		case f.LastCommit != nil:
			wipEnd = f.LastCommit
		case f.Closed != nil:
			wipEnd = f.Closed
		}
		if wipEnd == nil || !inWindow(*wipEnd, from, to) {
			continue
		}
		out[i] = durationSeconds(*wipEnd, f.WorkBegan)
	}
	return out
}

func (c *workInProgressTimeCalculator) Value(samples []float64) metrics.Metric {
	return metrics.MeanMetric(samples)
}

// --- review_time ---

type reviewTimeCalculator struct{}

func newReviewTime(quantiles [2]float64) metrics.Calculator[model.Facts] { return &reviewTimeCalculator{} }

func (c *reviewTimeCalculator) Name() string               { return ReviewTime }
func (c *reviewTimeCalculator) Kind() metrics.Kind          { return metrics.KindAverage }
func (c *reviewTimeCalculator) Deps() []string              { return nil }
func (c *reviewTimeCalculator) MayHaveNegativeValues() bool { return false }
func (c *reviewTimeCalculator) RequiresFullSpan() bool      { return false }

func (c *reviewTimeCalculator) Analyze(rows []model.Facts, from, to time.Time, deps map[string][]*float64) []*float64 {
	out := make([]*float64, len(rows))
	for i, f := range rows {
		if f.FirstReviewRequest == nil || f.Closed == nil {
			continue
		}
		var reviewEnd *time.Time
		switch {
		case f.Approved != nil:
			reviewEnd = f.Approved
		case f.LastReview != nil:
			reviewEnd = f.LastReview
		}
		if reviewEnd == nil || !inWindow(*reviewEnd, from, to) {
			continue
		}
		out[i] = durationSeconds(*reviewEnd, *f.FirstReviewRequest)
	}
	return out
}

func (c *reviewTimeCalculator) Value(samples []float64) metrics.Metric { return metrics.MeanMetric(samples) }

// --- merging_time ---

type mergingTimeCalculator struct{}

func newMergingTime(quantiles [2]float64) metrics.Calculator[model.Facts] { return &mergingTimeCalculator{} }

func (c *mergingTimeCalculator) Name() string               { return MergingTime }
func (c *mergingTimeCalculator) Kind() metrics.Kind          { return metrics.KindAverage }
func (c *mergingTimeCalculator) Deps() []string              { return nil }
func (c *mergingTimeCalculator) MayHaveNegativeValues() bool { return false }
func (c *mergingTimeCalculator) RequiresFullSpan() bool      { return false }

func (c *mergingTimeCalculator) Analyze(rows []model.Facts, from, to time.Time, deps map[string][]*float64) []*float64 {
	out := make([]*float64, len(rows))
	for i, f := range rows {
		if f.Closed == nil || !inWindow(*f.Closed, from, to) {
			continue
		}
		var base *time.Time
		switch {
		case f.Approved != nil:
			base = f.Approved
		case f.LastReview != nil:
			base = f.LastReview
		case f.LastCommit != nil:
			base = f.LastCommit
		}
		if base == nil {
			continue
		}
		out[i] = durationSeconds(*f.Closed, *base)
	}
	return out
}

func (c *mergingTimeCalculator) Value(samples []float64) metrics.Metric { return metrics.MeanMetric(samples) }

// --- release_time ---

type releaseTimeCalculator struct{}

func newReleaseTime(quantiles [2]float64) metrics.Calculator[model.Facts] { return &releaseTimeCalculator{} }

func (c *releaseTimeCalculator) Name() string               { return ReleaseTime }
func (c *releaseTimeCalculator) Kind() metrics.Kind          { return metrics.KindAverage }
func (c *releaseTimeCalculator) Deps() []string              { return nil }
func (c *releaseTimeCalculator) MayHaveNegativeValues() bool { return false }
func (c *releaseTimeCalculator) RequiresFullSpan() bool      { return false }

func (c *releaseTimeCalculator) Analyze(rows []model.Facts, from, to time.Time, deps map[string][]*float64) []*float64 {
	out := make([]*float64, len(rows))
	for i, f := range rows {
		if f.Released == nil || f.Merged == nil || !inWindow(*f.Released, from, to) {
			continue
		}
		out[i] = durationSeconds(*f.Released, *f.Merged)
	}
	return out
}

func (c *releaseTimeCalculator) Value(samples []float64) metrics.Metric { return metrics.MeanMetric(samples) }

// --- lead_time ---

type leadTimeCalculator struct{}

func newLeadTime(quantiles [2]float64) metrics.Calculator[model.Facts] { return &leadTimeCalculator{} }

func (c *leadTimeCalculator) Name() string               { return LeadTime }
func (c *leadTimeCalculator) Kind() metrics.Kind          { return metrics.KindAverage }
func (c *leadTimeCalculator) Deps() []string              { return nil }
func (c *leadTimeCalculator) MayHaveNegativeValues() bool { return false }
func (c *leadTimeCalculator) RequiresFullSpan() bool      { return false }

func (c *leadTimeCalculator) Analyze(rows []model.Facts, from, to time.Time, deps map[string][]*float64) []*float64 {
	out := make([]*float64, len(rows))
	for i, f := range rows {
		if f.Released == nil || !inWindow(*f.Released, from, to) {
			continue
		}
		out[i] = durationSeconds(*f.Released, f.WorkBegan)
	}
	return out
}

func (c *leadTimeCalculator) Value(samples []float64) metrics.Metric { return metrics.MeanMetric(samples) }

// --- wait_first_review_time ---

type waitFirstReviewTimeCalculator struct{}

func newWaitFirstReviewTime(quantiles [2]float64) metrics.Calculator[model.Facts] {
	return &waitFirstReviewTimeCalculator{}
}

func (c *waitFirstReviewTimeCalculator) Name() string               { return WaitFirstReviewTime }
func (c *waitFirstReviewTimeCalculator) Kind() metrics.Kind          { return metrics.KindAverage }
func (c *waitFirstReviewTimeCalculator) Deps() []string              { return nil }
func (c *waitFirstReviewTimeCalculator) MayHaveNegativeValues() bool { return false }
func (c *waitFirstReviewTimeCalculator) RequiresFullSpan() bool      { return false }

func (c *waitFirstReviewTimeCalculator) Analyze(rows []model.Facts, from, to time.Time, deps map[string][]*float64) []*float64 {
	out := make([]*float64, len(rows))
	for i, f := range rows {
		if f.FirstCommentOnFirstReview == nil || f.FirstReviewRequest == nil {
			continue
		}
		if !inWindow(*f.FirstCommentOnFirstReview, from, to) {
			continue
		}
		out[i] = durationSeconds(*f.FirstCommentOnFirstReview, *f.FirstReviewRequest)
	}
	return out
}

func (c *waitFirstReviewTimeCalculator) Value(samples []float64) metrics.Metric {
	return metrics.MeanMetric(samples)
}

// --- cycle_time ---

// cycleTimeCalculator sums the four phase times' per-row samples for
// its own peek (used only to drive CycleCounter's "at least one phase
// measured" count), but its aggregate Value sums the already-computed
// dependency Metrics directly — invariant 9: cycle_time exists iff at
// least one phase's Metric exists for this bin.
type cycleTimeCalculator struct {
	deps []metrics.Metric
}

func newCycleTime(quantiles [2]float64) metrics.Calculator[model.Facts] { return &cycleTimeCalculator{} }

func (c *cycleTimeCalculator) Name() string      { return CycleTime }
func (c *cycleTimeCalculator) Kind() metrics.Kind { return metrics.KindAverage }
func (c *cycleTimeCalculator) Deps() []string {
	return []string{WorkInProgressTime, ReviewTime, MergingTime, ReleaseTime}
}
func (c *cycleTimeCalculator) MayHaveNegativeValues() bool { return false }
func (c *cycleTimeCalculator) RequiresFullSpan() bool      { return false }

func (c *cycleTimeCalculator) Analyze(rows []model.Facts, from, to time.Time, deps map[string][]*float64) []*float64 {
	out := make([]*float64, len(rows))
	names := c.Deps()
	for i := range rows {
		var sum float64
		found := false
		for _, n := range names {
			p := deps[n][i]
			if p != nil {
				sum += *p
				found = true
			}
		}
		if found {
			v := sum
			out[i] = &v
		}
	}
	return out
}

func (c *cycleTimeCalculator) SetDepValues(values map[string]metrics.Metric) {
	names := c.Deps()
	c.deps = make([]metrics.Metric, len(names))
	for i, n := range names {
		c.deps[i] = values[n]
	}
}

func (c *cycleTimeCalculator) Value(samples []float64) metrics.Metric {
	exists := false
	var value, confMin, confMax float64
	for _, m := range c.deps {
		if !m.Exists {
			continue
		}
		exists = true
		value += m.Value
		confMin += m.ConfidenceMin
		confMax += m.ConfidenceMax
	}
	if !exists {
		return metrics.Metric{}
	}
	return metrics.Metric{Exists: true, Value: value, ConfidenceMin: confMin, ConfidenceMax: confMax}
}

// --- opened / closed / merged / rejected / released ---

type openedCalculator struct{}

func newOpened(quantiles [2]float64) metrics.Calculator[model.Facts] { return &openedCalculator{} }

func (c *openedCalculator) Name() string               { return Opened }
func (c *openedCalculator) Kind() metrics.Kind          { return metrics.KindSum }
func (c *openedCalculator) Deps() []string              { return nil }
func (c *openedCalculator) MayHaveNegativeValues() bool { return false }
func (c *openedCalculator) RequiresFullSpan() bool      { return false }

func (c *openedCalculator) Analyze(rows []model.Facts, from, to time.Time, deps map[string][]*float64) []*float64 {
	out := make([]*float64, len(rows))
	for i, f := range rows {
		if inWindow(f.Created, from, to) {
			out[i] = one()
		}
	}
	return out
}

func (c *openedCalculator) Value(samples []float64) metrics.Metric { return metrics.SumMetric(samples) }

type closedCalculator struct{}

func newClosed(quantiles [2]float64) metrics.Calculator[model.Facts] { return &closedCalculator{} }

func (c *closedCalculator) Name() string               { return Closed }
func (c *closedCalculator) Kind() metrics.Kind          { return metrics.KindSum }
func (c *closedCalculator) Deps() []string              { return nil }
func (c *closedCalculator) MayHaveNegativeValues() bool { return false }
func (c *closedCalculator) RequiresFullSpan() bool      { return false }

func (c *closedCalculator) Analyze(rows []model.Facts, from, to time.Time, deps map[string][]*float64) []*float64 {
	out := make([]*float64, len(rows))
	for i, f := range rows {
		if f.Closed != nil && inWindow(*f.Closed, from, to) {
			out[i] = one()
		}
	}
	return out
}

func (c *closedCalculator) Value(samples []float64) metrics.Metric { return metrics.SumMetric(samples) }

type mergedCalculator struct{}

func newMerged(quantiles [2]float64) metrics.Calculator[model.Facts] { return &mergedCalculator{} }

func (c *mergedCalculator) Name() string               { return Merged }
func (c *mergedCalculator) Kind() metrics.Kind          { return metrics.KindSum }
func (c *mergedCalculator) Deps() []string              { return nil }
func (c *mergedCalculator) MayHaveNegativeValues() bool { return false }
func (c *mergedCalculator) RequiresFullSpan() bool      { return false }

func (c *mergedCalculator) Analyze(rows []model.Facts, from, to time.Time, deps map[string][]*float64) []*float64 {
	out := make([]*float64, len(rows))
	for i, f := range rows {
		if f.Merged != nil && inWindow(*f.Merged, from, to) {
			out[i] = one()
		}
	}
	return out
}

func (c *mergedCalculator) Value(samples []float64) metrics.Metric { return metrics.SumMetric(samples) }

type rejectedCalculator struct{}

func newRejected(quantiles [2]float64) metrics.Calculator[model.Facts] { return &rejectedCalculator{} }

func (c *rejectedCalculator) Name() string               { return Rejected }
func (c *rejectedCalculator) Kind() metrics.Kind          { return metrics.KindSum }
func (c *rejectedCalculator) Deps() []string              { return nil }
func (c *rejectedCalculator) MayHaveNegativeValues() bool { return false }
func (c *rejectedCalculator) RequiresFullSpan() bool      { return false }

func (c *rejectedCalculator) Analyze(rows []model.Facts, from, to time.Time, deps map[string][]*float64) []*float64 {
	out := make([]*float64, len(rows))
	for i, f := range rows {
		if f.Closed != nil && f.Merged == nil && inWindow(*f.Closed, from, to) {
			out[i] = one()
		}
	}
	return out
}

func (c *rejectedCalculator) Value(samples []float64) metrics.Metric { return metrics.SumMetric(samples) }

type releasedCalculator struct{}

func newReleased(quantiles [2]float64) metrics.Calculator[model.Facts] { return &releasedCalculator{} }

func (c *releasedCalculator) Name() string               { return Released }
func (c *releasedCalculator) Kind() metrics.Kind          { return metrics.KindSum }
func (c *releasedCalculator) Deps() []string              { return nil }
func (c *releasedCalculator) MayHaveNegativeValues() bool { return false }
func (c *releasedCalculator) RequiresFullSpan() bool      { return false }

func (c *releasedCalculator) Analyze(rows []model.Facts, from, to time.Time, deps map[string][]*float64) []*float64 {
	out := make([]*float64, len(rows))
	for i, f := range rows {
		if f.Released != nil && inWindow(*f.Released, from, to) {
			out[i] = one()
		}
	}
	return out
}

func (c *releasedCalculator) Value(samples []float64) metrics.Metric { return metrics.SumMetric(samples) }

// --- flow_ratio ---

func newFlowRatio(quantiles [2]float64) metrics.Calculator[model.Facts] {
	factory := metrics.NewRatio[model.Facts](FlowRatio, Opened, Closed, func(opened, closed metrics.Metric) metrics.Metric {
		if !opened.Exists && !closed.Exists {
			return metrics.Metric{}
		}
		// invariant 10: flow_ratio = (opened+1)/(closed+1) exactly.
		return metrics.Metric{Exists: true, Value: (opened.Value + 1) / (closed.Value + 1)}
	})
	return factory(quantiles)
}

// --- all_count ---

type allCountCalculator struct{}

func newAllCount(quantiles [2]float64) metrics.Calculator[model.Facts] { return &allCountCalculator{} }

func (c *allCountCalculator) Name() string               { return AllCount }
func (c *allCountCalculator) Kind() metrics.Kind          { return metrics.KindSum }
func (c *allCountCalculator) Deps() []string              { return nil }
func (c *allCountCalculator) MayHaveNegativeValues() bool { return false }
func (c *allCountCalculator) RequiresFullSpan() bool      { return true }

// Analyze implements the all_count activity window: a PR
// counts in [from,to) unless it was released before from, rejected
// (closed unmerged) before from, created at or after to, or merged
// before from while still unreleased.
func (c *allCountCalculator) Analyze(rows []model.Facts, from, to time.Time, deps map[string][]*float64) []*float64 {
	out := make([]*float64, len(rows))
	for i, f := range rows {
		if f.Released != nil && f.Released.Before(from) {
			continue
		}
		if f.Closed != nil && f.Closed.Before(from) && f.Merged == nil {
			continue
		}
		if !f.Created.Before(to) {
			continue
		}
		if f.Merged != nil && f.Merged.Before(from) && f.Released == nil {
			continue
		}
		out[i] = one()
	}
	return out
}

func (c *allCountCalculator) Value(samples []float64) metrics.Metric { return metrics.SumMetric(samples) }

func inWindow(t time.Time, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

func one() *float64 {
	v := 1.0
	return &v
}
