package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowmetrics/analytics-engine/internal/dag"
	"github.com/flowmetrics/analytics-engine/internal/model"
)

func TestSQLiteStoreDAGRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("unexpected error opening store: %v", err)
	}
	defer s.Close()

	_, found, err := s.LoadDAG(ctx, "acme/widgets")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("expected no cached dag before any save")
	}

	d := dag.DAG{
		Hashes:   []string{"a", "b", "c"},
		Vertexes: []int32{0, 1, 2, 2},
		Edges:    []int32{1, 2},
	}
	if err := s.SaveDAG(ctx, "acme/widgets", d); err != nil {
		t.Fatalf("unexpected error saving dag: %v", err)
	}

	got, found, err := s.LoadDAG(ctx, "acme/widgets")
	if err != nil {
		t.Fatalf("unexpected error loading dag: %v", err)
	}
	if !found {
		t.Fatalf("expected cached dag after save")
	}
	if len(got.Hashes) != 3 || got.Hashes[0] != "a" || got.Hashes[2] != "c" {
		t.Fatalf("expected round-tripped hashes, got %v", got.Hashes)
	}
	if len(got.Vertexes) != 4 || got.Vertexes[3] != 2 {
		t.Fatalf("expected round-tripped vertexes, got %v", got.Vertexes)
	}
	if len(got.Edges) != 2 || got.Edges[1] != 2 {
		t.Fatalf("expected round-tripped edges, got %v", got.Edges)
	}
}

func TestSQLiteStoreMappingUpsertIsKeyedByRuleFingerprint(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("unexpected error opening store: %v", err)
	}
	defer s.Close()

	ruleA := model.MatchRule{Match: model.MatchTag, TagRegex: "v.*"}
	ruleB := model.MatchRule{Match: model.MatchBranch, BranchRegex: "main"}

	m := model.Mapping{
		PRNodeID:   "PR1",
		ReleaseID:  "rel-a",
		ReleasedAt: time.Unix(1000, 0).UTC(),
		Repository: "acme/widgets",
		MatchedBy:  model.MatchedByTag,
	}
	if err := s.UpsertMapping(ctx, m, ruleA); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, found, err := s.LoadMapping(ctx, "PR1", ruleB)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("expected a different rule fingerprint to miss")
	}

	got, found, err := s.LoadMapping(ctx, "PR1", ruleA)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found || got.ReleaseID != "rel-a" {
		t.Fatalf("expected to find mapping for ruleA, got found=%v mapping=%+v", found, got)
	}

	// Last-writer-wins on a repeat upsert under the same rule.
	m.ReleaseID = "rel-b"
	if err := s.UpsertMapping(ctx, m, ruleA); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _, _ = s.LoadMapping(ctx, "PR1", ruleA)
	if got.ReleaseID != "rel-b" {
		t.Fatalf("expected last-writer-wins to update release_id, got %q", got.ReleaseID)
	}
}
