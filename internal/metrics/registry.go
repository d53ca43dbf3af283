package metrics

import (
	"time"

	analyticserrors "github.com/flowmetrics/analytics-engine/internal/errors"
	"github.com/flowmetrics/analytics-engine/internal/model"
)

// Registry maps a metric name to the factory that builds its
// Calculator. One Registry exists per domain (PRDomain, IssueDomain);
// each domain's calculators register themselves into it from their
// own package's init() — "one map per domain"
// design.
type Registry[Row any] map[string]Factory[Row]

// PRDomain and IssueDomain are the two metric registries this pipeline's
// supplement calls for: one keyed on model.Facts (pull requests), one
// on model.IssueFacts (JIRA issues). Populated by the init() functions
// in internal/metrics/pr and internal/metrics/issue.
var (
	PRDomain    = Registry[model.Facts]{}
	IssueDomain = Registry[model.IssueFacts]{}
)

// Register adds a metric's factory to domain. Panics on a duplicate
// name — a programming error (two calculators sharing a metric ID),
// not a runtime condition, so it is caught at init() time rather than
// surfaced as a typed error.
func Register[Row any](domain Registry[Row], name string, factory Factory[Row]) {
	if _, exists := domain[name]; exists {
		panic("metrics: duplicate registration for " + name)
	}
	domain[name] = factory
}

// Ensemble is a resolved, dependency-ordered set of calculators ready
// to evaluate over a common set of bins.
type Ensemble[Row any] struct {
	quantiles [2]float64
	order     []string
	calcs     map[string]Calculator[Row]
}

// NewEnsemble resolves metricNames (and everything they transitively
// depend on) against domain, topologically orders them, and rejects
// dependency cycles or unknown names with an ErrorTypeRuleConfig
// error — the only way a caller can ask for a metric ensemble that
// cannot be evaluated.
func NewEnsemble[Row any](domain Registry[Row], metricNames []string, quantiles [2]float64) (*Ensemble[Row], error) {
	calcs := make(map[string]Calculator[Row])
	order := make([]string, 0, len(metricNames))
	visiting := make(map[string]bool)
	visited := make(map[string]bool)

	var resolve func(name string) error
	resolve = func(name string) error {
		if visited[name] {
			return nil
		}
		if visiting[name] {
			return analyticserrors.RuleConfigErrorf("metric dependency cycle detected at %q", name)
		}
		factory, ok := domain[name]
		if !ok {
			return analyticserrors.RuleConfigErrorf("unknown metric %q", name)
		}
		visiting[name] = true
		calc := factory(quantiles)
		for _, dep := range calc.Deps() {
			if err := resolve(dep); err != nil {
				return err
			}
		}
		visiting[name] = false
		visited[name] = true
		calcs[name] = calc
		order = append(order, name)
		return nil
	}

	for _, name := range metricNames {
		if err := resolve(name); err != nil {
			return nil, err
		}
	}

	return &Ensemble[Row]{quantiles: quantiles, order: order, calcs: calcs}, nil
}

// Names returns every calculator name the ensemble will evaluate,
// including transitive dependencies pulled in to satisfy composite
// metrics (cycle time, flow ratio).
func (e *Ensemble[Row]) Names() []string {
	return append([]string(nil), e.order...)
}

// Evaluate computes, for every requested bin, the Metric of every
// calculator in the ensemble (dependencies included), returning
// [bin][name]Metric. Dependency calculators are evaluated first in
// topological order so that a composite calculator's Analyze call can
// read its dependencies' already-computed per-row peek for the same
// bin out of the deps map without re-deriving it.
func (e *Ensemble[Row]) Evaluate(rows []Row, bins []Bin) []map[string]Metric {
	out := make([]map[string]Metric, len(bins))
	for bi, bin := range bins {
		peeks := make(map[string][]*float64, len(e.order))
		values := make(map[string]Metric, len(e.order))
		for _, name := range e.order {
			calc := e.calcs[name]
			peek := calc.Analyze(rows, bin.From, bin.To, peeks)
			peeks[name] = peek

			var samples []float64
			switch calc.Kind() {
			case KindCounter, KindSum, KindRatio:
				// Counter (not CounterWithQuantiles) and Sum/Ratio
				// calculators count or sum every sample unconditionally,
				// disregarding the ensemble's quantile trim.
				samples = nonNil(peek)
			default:
				// Average, CounterWithQuantiles and Histogram all
				// respect the interquantile trim: CounterWithQuantiles
				// exists specifically to report how many samples an
				// Average metric's own trim kept.
				samples = cutByQuantiles(nonNil(peek), e.quantiles)
			}
			if setter, ok := calc.(DepValueSetter); ok {
				setter.SetDepValues(values)
			}
			values[name] = calc.Value(samples)
		}
		out[bi] = values
	}
	return out
}

// Peek evaluates every calculator's Analyze step once over a single
// implicit bin [from, to), without aggregating into a Metric, and
// returns the raw per-row samples (one *float64 per row, nil meaning
// "no sample") keyed by calculator name. The query orchestrator
// uses this for ordering requests: "evaluating the
// metric once to obtain per-PR scalar values, sorting stably" needs
// the unaggregated per-row peek, not Evaluate's aggregated Metric.
func (e *Ensemble[Row]) Peek(rows []Row, from, to time.Time) map[string][]*float64 {
	peeks := make(map[string][]*float64, len(e.order))
	for _, name := range e.order {
		peeks[name] = e.calcs[name].Analyze(rows, from, to, peeks)
	}
	return peeks
}

// EvaluateGroups runs Evaluate independently per group (a group being
// a subset of rows, e.g. one repository or one team), returning
// [ensemble][group][bin]map[name]Metric. A single Ensemble always
// fills index 0 of the outer axis; the query orchestrator builds its
// [granularity][group][bin][metric] grid by calling EvaluateGroups
// once per granularity and taking index 0 — that 2-D grid assembly is
// the orchestrator's concern, not the calculator framework's.
func (e *Ensemble[Row]) EvaluateGroups(groups [][]Row, bins []Bin) [][][]map[string]Metric {
	perGroup := make([][]map[string]Metric, len(groups))
	for gi, rows := range groups {
		perGroup[gi] = e.Evaluate(rows, bins)
	}
	return [][][]map[string]Metric{perGroup}
}
