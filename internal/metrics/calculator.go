// Package metrics implements the metric calculator framework: a
// small dependency-graph of calculators, one registry per domain (PR,
// JIRA issue), evaluated over a dense set of time bins and produces a
// per-bin aggregated Metric.
//
// Calculator kinds (Average, Sum, Counter, CounterWithQuantiles,
// Histogram) are represented as a single tagged Kind enum dispatched
// inside the ensemble driver, instead of a deep class hierarchy.
package metrics

import (
	"math"
	"sort"
	"time"
)

// Kind is a calculator's aggregation family.
type Kind string

const (
	KindAverage              Kind = "average"
	KindSum                  Kind = "sum"
	KindCounter              Kind = "counter"
	KindCounterWithQuantiles Kind = "counter_with_quantiles"
	KindRatio                Kind = "ratio"
	KindHistogram            Kind = "histogram"
)

// Metric is one calculator's aggregated value for one bin. Buckets is
// populated only for Kind == KindHistogram; every other kind leaves it
// nil.
type Metric struct {
	Exists        bool
	Value         float64
	ConfidenceMin float64
	ConfidenceMax float64
	Buckets       []HistogramBucket
}

// HistogramBucket is one linear-scale bin of a histogram's frequency
// distribution: the value range [From, To) and the count of samples
// falling in it. The last bucket also counts samples equal to its To
// (the sample maximum).
type HistogramBucket struct {
	From  float64
	To    float64
	Count int
}

// Bin is a half-open time interval [From, To).
type Bin struct {
	From time.Time
	To   time.Time
}

// Calculator computes one named metric over a slice of per-entity
// facts rows. Analyze ("peek" in the glossary) produces one sample per
// row for a single bin, nil meaning "no sample"; Value ("value")
// aggregates the samples surviving quantile filtering into a Metric.
// Deps lists the metric names whose already-computed peek the
// ensemble must hand to Analyze via the deps map, so composite
// calculators (cycle time, flow ratio) never recompute their inputs.
type Calculator[Row any] interface {
	Name() string
	Kind() Kind
	Deps() []string
	MayHaveNegativeValues() bool
	// RequiresFullSpan marks calculators (like "all PRs active in
	// window") whose windowing logic needs created/closed that fall
	// outside [from,to) too; the ensemble still calls Analyze per bin
	// but does not drop rows outside the bin ahead of time.
	RequiresFullSpan() bool
	Analyze(rows []Row, from, to time.Time, deps map[string][]*float64) []*float64
	Value(samples []float64) Metric
}

// Factory builds a fresh Calculator instance for one evaluation
// (calculators are stateful across bins within a single ensemble run
// only insofar as they cache nothing between Analyze calls, so a
// factory per ensemble is cheap and avoids cross-query state leaks).
type Factory[Row any] func(quantiles [2]float64) Calculator[Row]

// cutByQuantiles trims samples to the inclusive value range spanned
// by the [qLow, qHigh] quantiles. The [0, 1] case is a no-op shortcut
// that skips the sort. Ensemble.Evaluate does not call this at all for
// Counter, Sum and Ratio kinds.
func cutByQuantiles(samples []float64, quantiles [2]float64) []float64 {
	if len(samples) == 0 || quantiles == ([2]float64{0, 1}) {
		return samples
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	lo := quantileValue(sorted, quantiles[0])
	hi := quantileValue(sorted, quantiles[1])
	out := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s >= lo && s <= hi {
			out = append(out, s)
		}
	}
	return out
}

func quantileValue(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// nonNil collects the non-nil samples out of a peek array.
func nonNil(peek []*float64) []float64 {
	out := make([]float64, 0, len(peek))
	for _, p := range peek {
		if p != nil {
			out = append(out, *p)
		}
	}
	return out
}

func ptr(v float64) *float64 { return &v }

// MeanMetric is the shared Average-kind aggregation: mean of samples,
// with a 95% normal-approximation confidence interval. Exists is
// false for an empty sample set.
func MeanMetric(samples []float64) Metric {
	if len(samples) == 0 {
		return Metric{}
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	mean := sum / float64(len(samples))
	if len(samples) == 1 {
		return Metric{Exists: true, Value: mean, ConfidenceMin: mean, ConfidenceMax: mean}
	}
	var variance float64
	for _, s := range samples {
		d := s - mean
		variance += d * d
	}
	variance /= float64(len(samples) - 1)
	stderr := math.Sqrt(variance / float64(len(samples)))
	const z = 1.96
	return Metric{
		Exists:        true,
		Value:         mean,
		ConfidenceMin: mean - z*stderr,
		ConfidenceMax: mean + z*stderr,
	}
}

// SumMetric is the shared Sum-kind aggregation: plain sum, always
// "exists" (zero PRs is a valid count of zero, unlike Average's "no
// data" semantics).
func SumMetric(samples []float64) Metric {
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return Metric{Exists: true, Value: sum}
}

// HistogramMetric is the shared Histogram-kind aggregation: a
// linear-scale frequency distribution over bins buckets spanning the
// sample range, with Value/ConfidenceMin/ConfidenceMax reporting the
// median and interquartile range rather than a mean. Exists is false
// for an empty sample set.
func HistogramMetric(samples []float64, bins int) Metric {
	if len(samples) == 0 || bins <= 0 {
		return Metric{}
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	lo, hi := sorted[0], sorted[len(sorted)-1]
	q1 := quantileValue(sorted, 0.25)
	median := quantileValue(sorted, 0.5)
	q3 := quantileValue(sorted, 0.75)

	if lo == hi {
		return Metric{
			Exists:        true,
			Value:         median,
			ConfidenceMin: q1,
			ConfidenceMax: q3,
			Buckets:       []HistogramBucket{{From: lo, To: hi, Count: len(sorted)}},
		}
	}

	width := (hi - lo) / float64(bins)
	buckets := make([]HistogramBucket, bins)
	for i := range buckets {
		buckets[i] = HistogramBucket{From: lo + float64(i)*width, To: lo + float64(i+1)*width}
	}
	for _, s := range sorted {
		idx := int((s - lo) / width)
		if idx >= bins {
			idx = bins - 1
		}
		buckets[idx].Count++
	}

	return Metric{
		Exists:        true,
		Value:         median,
		ConfidenceMin: q1,
		ConfidenceMax: q3,
		Buckets:       buckets,
	}
}
