// Package issue registers the JIRA-issue metric calculators — the
// second domain in a "one registry per domain: PR, JIRA-issue" design —
// into metrics.IssueDomain: raised, resolved, lead_time (with its
// lead_count counter), resolution_time (with its resolution_count
// counter) and reopened_count, built on the same
// per-row Calculator interface the PR domain uses so both domains
// share one ensemble driver.
package issue

import (
	"time"

	"github.com/flowmetrics/analytics-engine/internal/metrics"
	"github.com/flowmetrics/analytics-engine/internal/model"
)

const (
	LeadTime       = "lead_time"
	LeadCount      = "lead_count"
	ResolutionTime   = "resolution_time"
	ResolutionCount  = "resolution_count"
	ReopenedCount  = "reopened_count"
	Raised         = "raised"
	Resolved       = "resolved"
)

func init() {
	metrics.Register(metrics.IssueDomain, Raised, newRaised)
	metrics.Register(metrics.IssueDomain, Resolved, newResolved)

	metrics.Register(metrics.IssueDomain, LeadTime, newLeadTime)
	metrics.Register(metrics.IssueDomain, LeadCount, metrics.NewCounter[model.IssueFacts](LeadCount, LeadTime))

	metrics.Register(metrics.IssueDomain, ResolutionTime, newResolutionTime)
	metrics.Register(metrics.IssueDomain, ResolutionCount, metrics.NewCounter[model.IssueFacts](ResolutionCount, ResolutionTime))

	metrics.Register(metrics.IssueDomain, ReopenedCount, newReopenedCount)
}

func inWindow(t time.Time, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

func durationSeconds(end, start time.Time) *float64 {
	d := end.Sub(start).Seconds()
	return &d
}

// endOf picks the issue's lifecycle-closing event: the latest linked
// PR release when the issue has linked PRs, else the issue's own
// resolution, per LifeTimeCalculator/LeadTimeCalculator's
// max(released, resolved) rule (when released is absent, resolved
// alone drives the window/bin check).
func endOf(f model.IssueFacts) (end time.Time, ok bool) {
	if f.Resolved == nil {
		return time.Time{}, false
	}
	end = *f.Resolved
	if f.PRsReleased != nil && f.PRsReleased.After(end) {
		end = *f.PRsReleased
	}
	return end, true
}

// --- raised / resolved ---

type raisedCalculator struct{}

func newRaised(quantiles [2]float64) metrics.Calculator[model.IssueFacts] { return &raisedCalculator{} }

func (c *raisedCalculator) Name() string               { return Raised }
func (c *raisedCalculator) Kind() metrics.Kind          { return metrics.KindSum }
func (c *raisedCalculator) Deps() []string              { return nil }
func (c *raisedCalculator) MayHaveNegativeValues() bool { return false }
func (c *raisedCalculator) RequiresFullSpan() bool      { return false }

func (c *raisedCalculator) Analyze(rows []model.IssueFacts, from, to time.Time, deps map[string][]*float64) []*float64 {
	out := make([]*float64, len(rows))
	for i, f := range rows {
		if inWindow(f.Created, from, to) {
			out[i] = one()
		}
	}
	return out
}

func (c *raisedCalculator) Value(samples []float64) metrics.Metric { return metrics.SumMetric(samples) }

type resolvedCalculator struct{}

func newResolved(quantiles [2]float64) metrics.Calculator[model.IssueFacts] { return &resolvedCalculator{} }

func (c *resolvedCalculator) Name() string               { return Resolved }
func (c *resolvedCalculator) Kind() metrics.Kind          { return metrics.KindSum }
func (c *resolvedCalculator) Deps() []string              { return nil }
func (c *resolvedCalculator) MayHaveNegativeValues() bool { return false }
func (c *resolvedCalculator) RequiresFullSpan() bool      { return false }

func (c *resolvedCalculator) Analyze(rows []model.IssueFacts, from, to time.Time, deps map[string][]*float64) []*float64 {
	out := make([]*float64, len(rows))
	for i, f := range rows {
		if f.Resolved != nil && inWindow(*f.Resolved, from, to) {
			out[i] = one()
		}
	}
	return out
}

func (c *resolvedCalculator) Value(samples []float64) metrics.Metric { return metrics.SumMetric(samples) }

// --- lead_time ---

type leadTimeCalculator struct{}

func newLeadTime(quantiles [2]float64) metrics.Calculator[model.IssueFacts] { return &leadTimeCalculator{} }

func (c *leadTimeCalculator) Name() string               { return LeadTime }
func (c *leadTimeCalculator) Kind() metrics.Kind          { return metrics.KindAverage }
func (c *leadTimeCalculator) Deps() []string              { return nil }
func (c *leadTimeCalculator) MayHaveNegativeValues() bool { return false }
func (c *leadTimeCalculator) RequiresFullSpan() bool      { return false }

// Analyze takes start as min(work_began, prs_began) when the issue has
// linked PRs, else just work_began; end is max(released, resolved).
// Binned on the issue's own resolved timestamp falling in [from, to).
func (c *leadTimeCalculator) Analyze(rows []model.IssueFacts, from, to time.Time, deps map[string][]*float64) []*float64 {
	out := make([]*float64, len(rows))
	for i, f := range rows {
		if f.Resolved == nil || !inWindow(*f.Resolved, from, to) {
			continue
		}
		end, ok := endOf(f)
		if !ok {
			continue
		}
		start := f.WorkBegan
		if f.PRsBegan != nil && f.PRsBegan.Before(start) {
			start = *f.PRsBegan
		}
		out[i] = durationSeconds(end, start)
	}
	return out
}

func (c *leadTimeCalculator) Value(samples []float64) metrics.Metric { return metrics.MeanMetric(samples) }

// --- resolution_time ---

type resolutionTimeCalculator struct{}

func newResolutionTime(quantiles [2]float64) metrics.Calculator[model.IssueFacts] {
	return &resolutionTimeCalculator{}
}

func (c *resolutionTimeCalculator) Name() string               { return ResolutionTime }
func (c *resolutionTimeCalculator) Kind() metrics.Kind          { return metrics.KindAverage }
func (c *resolutionTimeCalculator) Deps() []string              { return nil }
func (c *resolutionTimeCalculator) MayHaveNegativeValues() bool { return false }
func (c *resolutionTimeCalculator) RequiresFullSpan() bool      { return false }

// Analyze is simpler than lead_time: plain created -> resolved, no
// linked-PR adjustment, per SPEC_FULL.md's issue-domain supplement.
func (c *resolutionTimeCalculator) Analyze(rows []model.IssueFacts, from, to time.Time, deps map[string][]*float64) []*float64 {
	out := make([]*float64, len(rows))
	for i, f := range rows {
		if f.Resolved == nil || !inWindow(*f.Resolved, from, to) {
			continue
		}
		out[i] = durationSeconds(*f.Resolved, f.Created)
	}
	return out
}

func (c *resolutionTimeCalculator) Value(samples []float64) metrics.Metric {
	return metrics.MeanMetric(samples)
}

// --- reopened_count ---

type reopenedCountCalculator struct{}

func newReopenedCount(quantiles [2]float64) metrics.Calculator[model.IssueFacts] {
	return &reopenedCountCalculator{}
}

func (c *reopenedCountCalculator) Name() string               { return ReopenedCount }
func (c *reopenedCountCalculator) Kind() metrics.Kind          { return metrics.KindSum }
func (c *reopenedCountCalculator) Deps() []string              { return nil }
func (c *reopenedCountCalculator) MayHaveNegativeValues() bool { return false }
func (c *reopenedCountCalculator) RequiresFullSpan() bool      { return false }

// Analyze counts issues created in window that were reopened at
// least once; it does not sum ReopenedCount itself (that would mix
// "number of reopen events" with "number of PRs", a dtype the rest of
// the ensemble never produces), matching the Counter-style semantics
// used throughout the PR domain.
func (c *reopenedCountCalculator) Analyze(rows []model.IssueFacts, from, to time.Time, deps map[string][]*float64) []*float64 {
	out := make([]*float64, len(rows))
	for i, f := range rows {
		if f.ReopenedCount > 0 && inWindow(f.Created, from, to) {
			out[i] = one()
		}
	}
	return out
}

func (c *reopenedCountCalculator) Value(samples []float64) metrics.Metric {
	return metrics.SumMetric(samples)
}

func one() *float64 {
	v := 1.0
	return &v
}
