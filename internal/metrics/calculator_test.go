package metrics

import "testing"

func floatEquals(a, b float64) bool {
	const eps = 1e-9
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < eps
}

func TestMeanMetricEmptyDoesNotExist(t *testing.T) {
	m := MeanMetric(nil)
	if m.Exists {
		t.Fatalf("expected Exists=false for empty samples, got %+v", m)
	}
}

func TestMeanMetricSingleSampleHasZeroWidthConfidence(t *testing.T) {
	m := MeanMetric([]float64{40})
	if !m.Exists || !floatEquals(m.Value, 40) {
		t.Fatalf("got %+v", m)
	}
	if !floatEquals(m.ConfidenceMin, 40) || !floatEquals(m.ConfidenceMax, 40) {
		t.Fatalf("expected degenerate CI for one sample, got %+v", m)
	}
}

func TestSumMetricExistsEvenWhenEmpty(t *testing.T) {
	m := SumMetric(nil)
	if !m.Exists || m.Value != 0 {
		t.Fatalf("sum of zero PRs should be a valid zero count, got %+v", m)
	}
}

func TestCutByQuantilesKeepsFullRangeWithDefaultBounds(t *testing.T) {
	samples := []float64{1, 2, 3, 4, 5}
	got := cutByQuantiles(samples, [2]float64{0, 1})
	if len(got) != len(samples) {
		t.Fatalf("expected no trimming at [0,1], got %v", got)
	}
}

func TestCutByQuantilesTrimsTails(t *testing.T) {
	samples := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	got := cutByQuantiles(samples, [2]float64{0.2, 0.8})
	for _, v := range got {
		if v < 2 || v > 9 {
			t.Fatalf("sample %v escaped the [0.2,0.8] quantile trim: %v", v, got)
		}
	}
	if len(got) == len(samples) {
		t.Fatalf("expected some trimming, got all samples back")
	}
}
