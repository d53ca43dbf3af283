package metrics

import "time"

// counterCalculator counts the non-nil samples its dependency
// produced. The kind field selects whether the count respects the
// ensemble's quantile trim (CounterWithQuantiles, Kind ==
// KindCounterWithQuantiles) or the raw, untrimmed dependency peek
// (Counter, Kind == KindCounter); both variants share one struct
// parameterized on Kind here.
type counterCalculator[Row any] struct {
	name string
	dep  string
	kind Kind
}

// NewCounter counts every non-nil sample dep produced, ignoring the
// ensemble's quantile trim — "how many PRs fed this average at all".
func NewCounter[Row any](name, dep string) Factory[Row] {
	return func(quantiles [2]float64) Calculator[Row] {
		return &counterCalculator[Row]{name: name, dep: dep, kind: KindCounter}
	}
}

// NewCounterWithQuantiles counts only the samples surviving the
// ensemble's quantile trim of dep — "how many PRs this average's
// reported value is actually based on".
func NewCounterWithQuantiles[Row any](name, dep string) Factory[Row] {
	return func(quantiles [2]float64) Calculator[Row] {
		return &counterCalculator[Row]{name: name, dep: dep, kind: KindCounterWithQuantiles}
	}
}

func (c *counterCalculator[Row]) Name() string               { return c.name }
func (c *counterCalculator[Row]) Kind() Kind                  { return c.kind }
func (c *counterCalculator[Row]) Deps() []string              { return []string{c.dep} }
func (c *counterCalculator[Row]) MayHaveNegativeValues() bool { return false }
func (c *counterCalculator[Row]) RequiresFullSpan() bool      { return false }

// Analyze passes the dependency's peek straight through: a counter has
// no per-row computation of its own, it only counts how many of the
// dependency's samples exist (after quantile trimming is applied by
// the ensemble driver according to c.Kind()).
func (c *counterCalculator[Row]) Analyze(rows []Row, from, to time.Time, deps map[string][]*float64) []*float64 {
	return deps[c.dep]
}

func (c *counterCalculator[Row]) Value(samples []float64) Metric {
	return Metric{Exists: true, Value: float64(len(samples))}
}

// histogramCalculator wraps a dependency's already-computed peek in a
// Histogram-kind view: no per-row computation of its own, just a
// bucketed frequency distribution over the samples that survive the
// ensemble's quantile trim for that dependency.
type histogramCalculator[Row any] struct {
	name string
	dep  string
	bins int
}

// NewHistogram builds a Histogram-kind calculator over dep's samples,
// the registration-time equivalent of subclassing an existing metric
// with a histogram mixin: the dependency keeps computing its own
// per-row values, and this wrapper only changes how those values are
// aggregated into a Metric.
func NewHistogram[Row any](name, dep string, bins int) Factory[Row] {
	return func(quantiles [2]float64) Calculator[Row] {
		return &histogramCalculator[Row]{name: name, dep: dep, bins: bins}
	}
}

func (c *histogramCalculator[Row]) Name() string               { return c.name }
func (c *histogramCalculator[Row]) Kind() Kind                  { return KindHistogram }
func (c *histogramCalculator[Row]) Deps() []string              { return []string{c.dep} }
func (c *histogramCalculator[Row]) MayHaveNegativeValues() bool { return false }
func (c *histogramCalculator[Row]) RequiresFullSpan() bool      { return false }

func (c *histogramCalculator[Row]) Analyze(rows []Row, from, to time.Time, deps map[string][]*float64) []*float64 {
	return deps[c.dep]
}

func (c *histogramCalculator[Row]) Value(samples []float64) Metric {
	return HistogramMetric(samples, c.bins)
}

// ratioCalculator computes a ratio of two Sum-kind dependencies'
// values, via combine. Its own Analyze never produces per-row samples
// — an all-nil array — since the ratio is only meaningful at the
// aggregate level.
type ratioCalculator[Row any] struct {
	name              string
	numerator         string
	denominator       string
	combine           func(numerator, denominator Metric) Metric
	numeratorVal      Metric
	denominatorVal    Metric
}

// NewRatio builds a Ratio-kind calculator combining two dependency
// metrics (already aggregated to a Metric by the ensemble in
// topological order before this calculator's Value runs).
func NewRatio[Row any](name, numerator, denominator string, combine func(numerator, denominator Metric) Metric) Factory[Row] {
	return func(quantiles [2]float64) Calculator[Row] {
		return &ratioCalculator[Row]{name: name, numerator: numerator, denominator: denominator, combine: combine}
	}
}

func (c *ratioCalculator[Row]) Name() string               { return c.name }
func (c *ratioCalculator[Row]) Kind() Kind                  { return KindRatio }
func (c *ratioCalculator[Row]) Deps() []string              { return []string{c.numerator, c.denominator} }
func (c *ratioCalculator[Row]) MayHaveNegativeValues() bool { return false }
func (c *ratioCalculator[Row]) RequiresFullSpan() bool      { return false }

func (c *ratioCalculator[Row]) Analyze(rows []Row, from, to time.Time, deps map[string][]*float64) []*float64 {
	return make([]*float64, len(rows))
}

func (c *ratioCalculator[Row]) Value(samples []float64) Metric {
	return c.combine(c.numeratorVal, c.denominatorVal)
}

// SetDepValues lets the ensemble hand a ratio calculator its
// dependencies' already-computed Metric values before Value is
// invoked. The ensemble driver calls this via the DepValueSetter
// interface when present, immediately after evaluating c's
// dependencies for the current bin.
func (c *ratioCalculator[Row]) SetDepValues(values map[string]Metric) {
	c.numeratorVal = values[c.numerator]
	c.denominatorVal = values[c.denominator]
}

// DepValueSetter is implemented by calculators (like ratioCalculator)
// whose Value needs the fully aggregated Metric of their dependencies
// rather than just the raw per-row peek array.
type DepValueSetter interface {
	SetDepValues(values map[string]Metric)
}
