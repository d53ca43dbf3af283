package cache

import (
	"context"
	"testing"
	"time"
)

type record struct {
	Value string `json:"value"`
}

func TestKeyFormatIncludesVersionAndFingerprint(t *testing.T) {
	got := Key(ScopeMapping, 3, "abc123")
	want := "mapping|3|abc123"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestManagerPromotesSharedHitIntoMemory(t *testing.T) {
	ctx := context.Background()
	memory := NewMemoryCache(time.Minute, time.Minute)
	shared := NewMemoryCache(time.Minute, time.Minute) // stand-in for Redis in this test
	mgr := NewManager(memory, shared, 1)

	if err := mgr.Set(ctx, ScopeMapping, "fp1", record{Value: "hello"}, DefaultMappingTTL); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Remove directly from the memory tier to simulate it never having
	// been populated there, leaving only the shared tier with the value.
	key := Key(ScopeMapping, 1, "fp1")
	memory.c.Delete(key)

	var got record
	ok, err := mgr.Get(ctx, ScopeMapping, "fp1", &got)
	if err != nil || !ok {
		t.Fatalf("expected shared-tier hit, got ok=%v err=%v", ok, err)
	}
	if got.Value != "hello" {
		t.Fatalf("expected value 'hello', got %q", got.Value)
	}

	// The shared hit should now be promoted into the memory tier.
	var promoted record
	ok, _ = memory.Get(ctx, key, &promoted)
	if !ok || promoted.Value != "hello" {
		t.Fatalf("expected shared hit to be promoted into memory tier, got ok=%v value=%q", ok, promoted.Value)
	}
}

func TestManagerMissReturnsFalseNotError(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(NewMemoryCache(time.Minute, time.Minute), nil, 0)
	var got record
	ok, err := mgr.Get(ctx, ScopeDAG, "missing", &got)
	if err != nil {
		t.Fatalf("expected nil error on miss, got %v", err)
	}
	if ok {
		t.Fatalf("expected miss, got hit")
	}
}

func TestBumpVersionInvalidatesPreviousKeys(t *testing.T) {
	ctx := context.Background()
	memory := NewMemoryCache(time.Minute, time.Minute)
	mgr := NewManager(memory, nil, 0)

	if err := mgr.Set(ctx, ScopeFacts, "fp2", record{Value: "v0"}, time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mgr.BumpVersion()

	var got record
	ok, _ := mgr.Get(ctx, ScopeFacts, "fp2", &got)
	if ok {
		t.Fatalf("expected bumped version to miss the old entry, got hit with %+v", got)
	}
}
