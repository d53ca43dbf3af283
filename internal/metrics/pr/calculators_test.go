package pr

import (
	"testing"
	"time"

	"github.com/flowmetrics/analytics-engine/internal/metrics"
	"github.com/flowmetrics/analytics-engine/internal/model"
)

func ts(seconds int64) time.Time { return time.Unix(seconds, 0).UTC() }
func tsp(seconds int64) *time.Time {
	t := ts(seconds)
	return &t
}

func floatEquals(a, b float64) bool {
	const eps = 1e-9
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < eps
}

// fixtureFacts reproduces representative PR#1/PR#2 fixtures.
func fixtureFacts() []model.Facts {
	pr1Merged := ts(300)
	pr1Released := ts(350)
	pr2Merged := ts(400)
	pr2Released := ts(450)
	return []model.Facts{
		{
			PRNodeID:           "PR1",
			Created:            ts(150),
			FirstCommit:        tsp(150),
			WorkBegan:          ts(150),
			FirstReviewRequest: tsp(180),
			Approved:           tsp(220),
			Closed:             &pr1Merged,
			Merged:             &pr1Merged,
			Released:           &pr1Released,
		},
		{
			PRNodeID:    "PR2",
			Created:     ts(310),
			FirstCommit: tsp(310),
			WorkBegan:   ts(310),
			Closed:      &pr2Merged,
			Merged:      &pr2Merged,
			Released:    &pr2Released,
		},
	}
}

// TestReviewTime_ScenarioB reproduces a representative scenario: PR#1
// samples 40s (approved - first_review_request), PR#2 is null since
// it was never reviewed; average = 40s, count = 1.
func TestReviewTime_ScenarioB(t *testing.T) {
	facts := fixtureFacts()
	ens, err := metrics.NewEnsemble(metrics.PRDomain, []string{ReviewTime, ReviewCount}, [2]float64{0, 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := ens.Evaluate(facts, []metrics.Bin{{From: ts(0), To: ts(500)}})

	rt := out[0][ReviewTime]
	if !rt.Exists || !floatEquals(rt.Value, 40) {
		t.Fatalf("expected review_time=40s, got %+v", rt)
	}
	count := out[0][ReviewCount]
	if !count.Exists || !floatEquals(count.Value, 1) {
		t.Fatalf("expected review_count=1, got %+v", count)
	}
}

// TestLeadTime_ScenarioC reproduces a representative scenario: with bins
// [0,400) and [400,500), PR#1's lead time (200s) falls in bin 0 and
// PR#2's (140s) falls in bin 1.
func TestLeadTime_ScenarioC(t *testing.T) {
	facts := fixtureFacts()
	ens, err := metrics.NewEnsemble(metrics.PRDomain, []string{LeadTime}, [2]float64{0, 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bins := []metrics.Bin{
		{From: ts(0), To: ts(400)},
		{From: ts(400), To: ts(500)},
	}
	out := ens.Evaluate(facts, bins)

	bin0 := out[0][LeadTime]
	if !bin0.Exists || !floatEquals(bin0.Value, 200) {
		t.Fatalf("expected bin0 lead_time=200s, got %+v", bin0)
	}
	bin1 := out[1][LeadTime]
	if !bin1.Exists || !floatEquals(bin1.Value, 140) {
		t.Fatalf("expected bin1 lead_time=140s, got %+v", bin1)
	}
}

// TestCycleTime_ExistsIffAnyPhaseExists is invariant 9.
func TestCycleTime_ExistsIffAnyPhaseExists(t *testing.T) {
	closed := ts(300)
	facts := []model.Facts{{
		PRNodeID:  "only-wip",
		Created:   ts(100),
		WorkBegan: ts(100),
		Closed:    &closed,
		// no commits, no reviews: wip_end falls back to closed.
	}}
	ens, err := metrics.NewEnsemble(metrics.PRDomain, []string{CycleTime}, [2]float64{0, 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := ens.Evaluate(facts, []metrics.Bin{{From: ts(0), To: ts(1000)}})
	ct := out[0][CycleTime]
	if !ct.Exists {
		t.Fatalf("expected cycle_time to exist when work_in_progress_time alone exists, got %+v", ct)
	}
	if !floatEquals(ct.Value, 200) { // wip_time = closed(300) - work_began(100)
		t.Fatalf("expected cycle_time=200s from wip alone, got %+v", ct)
	}
}

func TestCycleTime_DoesNotExistWhenNoPhaseDoes(t *testing.T) {
	facts := []model.Facts{{PRNodeID: "untouched", Created: ts(100), WorkBegan: ts(100)}}
	ens, err := metrics.NewEnsemble(metrics.PRDomain, []string{CycleTime}, [2]float64{0, 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := ens.Evaluate(facts, []metrics.Bin{{From: ts(0), To: ts(1000)}})
	if out[0][CycleTime].Exists {
		t.Fatalf("expected cycle_time to not exist with no phases, got %+v", out[0][CycleTime])
	}
}

// TestFlowRatio_Invariant10 checks flow_ratio = (opened+1)/(closed+1) exactly.
func TestFlowRatio_Invariant10(t *testing.T) {
	c1 := ts(120)
	c2 := ts(130)
	facts := []model.Facts{
		{PRNodeID: "a", Created: ts(100), WorkBegan: ts(100)},
		{PRNodeID: "b", Created: ts(105), WorkBegan: ts(105)},
		{PRNodeID: "c", Created: ts(110), WorkBegan: ts(110), Closed: &c1},
		{PRNodeID: "d", Created: ts(111), WorkBegan: ts(111), Closed: &c2},
	}
	ens, err := metrics.NewEnsemble(metrics.PRDomain, []string{FlowRatio}, [2]float64{0, 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := ens.Evaluate(facts, []metrics.Bin{{From: ts(0), To: ts(1000)}})
	fr := out[0][FlowRatio]
	// opened = 4 (all created in window), closed = 2 -> (4+1)/(2+1) = 5/3
	want := 5.0 / 3.0
	if !fr.Exists || !floatEquals(fr.Value, want) {
		t.Fatalf("expected flow_ratio=%v, got %+v", want, fr)
	}
}

// TestLeadTimeHistogram_BucketsSamples checks the histogram variant
// passes lead_time's per-row samples through to bucketed counts rather
// than collapsing them to a mean.
func TestLeadTimeHistogram_BucketsSamples(t *testing.T) {
	facts := fixtureFacts()
	ens, err := metrics.NewEnsemble(metrics.PRDomain, []string{LeadTime, LeadTimeHistogram}, [2]float64{0, 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := ens.Evaluate(facts, []metrics.Bin{{From: ts(0), To: ts(500)}})

	hist := out[0][LeadTimeHistogram]
	if !hist.Exists {
		t.Fatalf("expected lead_time_histogram to exist, got %+v", hist)
	}
	var total int
	for _, b := range hist.Buckets {
		total += b.Count
	}
	if total != 2 {
		t.Fatalf("expected 2 samples distributed across buckets, got %d (%+v)", total, hist.Buckets)
	}
	if len(hist.Buckets) != defaultHistogramBins {
		t.Fatalf("expected %d buckets, got %d", defaultHistogramBins, len(hist.Buckets))
	}
}

func TestAllCount_ExcludesOldUnreleasedMerge(t *testing.T) {
	merged := ts(50)
	facts := []model.Facts{{
		PRNodeID: "old-unreleased",
		Created:  ts(10),
		Merged:   &merged,
		// released is nil, merged is before the window.
	}}
	ens, err := metrics.NewEnsemble(metrics.PRDomain, []string{AllCount}, [2]float64{0, 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := ens.Evaluate(facts, []metrics.Bin{{From: ts(100), To: ts(200)}})
	ac := out[0][AllCount]
	if !ac.Exists || ac.Value != 0 {
		t.Fatalf("expected all_count=0 for an old unreleased merge, got %+v", ac)
	}
}
