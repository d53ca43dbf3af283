package metrics

import (
	"testing"
	"time"

	analyticserrors "github.com/flowmetrics/analytics-engine/internal/errors"
)

type testRow struct {
	value float64
}

// leafCalculator samples row.value unconditionally, every bin.
type leafCalculator struct{ name string }

func (c *leafCalculator) Name() string               { return c.name }
func (c *leafCalculator) Kind() Kind                  { return KindAverage }
func (c *leafCalculator) Deps() []string              { return nil }
func (c *leafCalculator) MayHaveNegativeValues() bool { return false }
func (c *leafCalculator) RequiresFullSpan() bool      { return false }
func (c *leafCalculator) Analyze(rows []testRow, from, to time.Time, deps map[string][]*float64) []*float64 {
	out := make([]*float64, len(rows))
	for i, r := range rows {
		v := r.value
		out[i] = &v
	}
	return out
}
func (c *leafCalculator) Value(samples []float64) Metric { return MeanMetric(samples) }

// doubledCalculator depends on a leaf and doubles its peek.
type doubledCalculator struct {
	name string
	dep  string
}

func (c *doubledCalculator) Name() string               { return c.name }
func (c *doubledCalculator) Kind() Kind                  { return KindAverage }
func (c *doubledCalculator) Deps() []string              { return []string{c.dep} }
func (c *doubledCalculator) MayHaveNegativeValues() bool { return false }
func (c *doubledCalculator) RequiresFullSpan() bool      { return false }
func (c *doubledCalculator) Analyze(rows []testRow, from, to time.Time, deps map[string][]*float64) []*float64 {
	out := make([]*float64, len(rows))
	for i, p := range deps[c.dep] {
		if p == nil {
			continue
		}
		v := *p * 2
		out[i] = &v
	}
	return out
}
func (c *doubledCalculator) Value(samples []float64) Metric { return MeanMetric(samples) }

func testRegistry() Registry[testRow] {
	reg := Registry[testRow]{}
	Register(reg, "leaf", func(q [2]float64) Calculator[testRow] { return &leafCalculator{name: "leaf"} })
	Register(reg, "doubled", func(q [2]float64) Calculator[testRow] { return &doubledCalculator{name: "doubled", dep: "leaf"} })
	return reg
}

func TestNewEnsemblePullsInTransitiveDeps(t *testing.T) {
	reg := testRegistry()
	ens, err := NewEnsemble(reg, []string{"doubled"}, [2]float64{0, 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	names := ens.Names()
	if len(names) != 2 || names[0] != "leaf" || names[1] != "doubled" {
		t.Fatalf("expected [leaf doubled] topological order, got %v", names)
	}
}

func TestNewEnsembleRejectsUnknownMetric(t *testing.T) {
	reg := testRegistry()
	_, err := NewEnsemble(reg, []string{"nonexistent"}, [2]float64{0, 1})
	if analyticserrors.GetType(err) != analyticserrors.ErrorTypeRuleConfig {
		t.Fatalf("expected ErrorTypeRuleConfig, got %v", err)
	}
}

func TestNewEnsembleRejectsDependencyCycle(t *testing.T) {
	reg := Registry[testRow]{}
	Register(reg, "a", func(q [2]float64) Calculator[testRow] { return &doubledCalculator{name: "a", dep: "b"} })
	Register(reg, "b", func(q [2]float64) Calculator[testRow] { return &doubledCalculator{name: "b", dep: "a"} })

	_, err := NewEnsemble(reg, []string{"a"}, [2]float64{0, 1})
	if analyticserrors.GetType(err) != analyticserrors.ErrorTypeRuleConfig {
		t.Fatalf("expected ErrorTypeRuleConfig for a cycle, got %v", err)
	}
}

func TestEnsembleEvaluateDoublesDependencyPeek(t *testing.T) {
	reg := testRegistry()
	ens, err := NewEnsemble(reg, []string{"doubled"}, [2]float64{0, 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rows := []testRow{{value: 10}, {value: 20}}
	bins := []Bin{{From: time.Unix(0, 0), To: time.Unix(1000, 0)}}

	out := ens.Evaluate(rows, bins)
	if len(out) != 1 {
		t.Fatalf("expected one bin result, got %d", len(out))
	}
	got := out[0]["doubled"]
	if !got.Exists || !floatEquals(got.Value, 30) { // mean(20,40) = 30
		t.Fatalf("expected doubled mean=30, got %+v", got)
	}
	leaf := out[0]["leaf"]
	if !leaf.Exists || !floatEquals(leaf.Value, 15) {
		t.Fatalf("expected leaf mean=15, got %+v", leaf)
	}
}

func TestEnsembleEvaluateGroupsIsIndependentPerGroup(t *testing.T) {
	reg := testRegistry()
	ens, err := NewEnsemble(reg, []string{"leaf"}, [2]float64{0, 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	groups := [][]testRow{
		{{value: 1}, {value: 3}},
		{{value: 100}},
	}
	bins := []Bin{{From: time.Unix(0, 0), To: time.Unix(1000, 0)}}

	out := ens.EvaluateGroups(groups, bins)
	if len(out) != 1 {
		t.Fatalf("expected one ensemble, got %d", len(out))
	}
	g0 := out[0][0][0]["leaf"]
	g1 := out[0][1][0]["leaf"]
	if !floatEquals(g0.Value, 2) {
		t.Fatalf("group 0 expected mean=2, got %+v", g0)
	}
	if !floatEquals(g1.Value, 100) {
		t.Fatalf("group 1 expected mean=100, got %+v", g1)
	}
}
