package eval

import (
	"testing"
	"time"

	"authgrid.org/internal/graph"
)

func TestCacheStoresAndInvalidates(t *testing.T) {
	c := NewCache()
	now := time.Now().UTC()
	d := Decision{Allowed: true, Effect: graph.EffectGrant}

	c.Put("k1", d, 7, []int64{3}, time.Time{}, c.Generation())
	if got, ok := c.Get("k1", now); !ok || !got.Allowed {
		t.Fatalf("expected cached grant, got %+v ok=%v", got, ok)
	}

	c.InvalidateResource(3)
	if _, ok := c.Get("k1", now); ok {
		t.Fatalf("entry survived resource invalidation")
	}
}

func TestCacheDiscardsWriteFromBeforeInvalidation(t *testing.T) {
	c := NewCache()
	now := time.Now().UTC()

	// A query snapshots the generation, reads the graph, and is descheduled.
	gen := c.Generation()
	stale := Decision{Allowed: true, Effect: graph.EffectGrant}

	// Meanwhile the worker applies a revoke and invalidates.
	c.InvalidateAll()

	// The straggler write must be dropped, not stored as a fresh entry.
	c.Put("k1", stale, 7, []int64{3}, time.Time{}, gen)
	if _, ok := c.Get("k1", now); ok {
		t.Fatalf("stale pre-invalidation decision was cached")
	}
	if c.Len() != 0 {
		t.Fatalf("cache holds %d entries, want 0", c.Len())
	}

	// A write computed after the invalidation stores normally.
	c.Put("k1", Decision{Effect: graph.EffectDeny}, 7, []int64{3}, time.Time{}, c.Generation())
	if got, ok := c.Get("k1", now); !ok || got.Allowed {
		t.Fatalf("post-invalidation decision not cached: %+v ok=%v", got, ok)
	}
}

func TestEveryInvalidationKindMovesGeneration(t *testing.T) {
	c := NewCache()

	g0 := c.Generation()
	c.InvalidatePrincipal(7)
	g1 := c.Generation()
	c.InvalidateResource(3)
	g2 := c.Generation()
	c.InvalidateAll()
	g3 := c.Generation()

	if g1 <= g0 || g2 <= g1 || g3 <= g2 {
		t.Fatalf("generation did not advance: %d %d %d %d", g0, g1, g2, g3)
	}

	// Touching an empty principal set still counts: the graph changed even if
	// no entry was indexed under it yet.
	before := c.Generation()
	c.InvalidatePrincipal(999)
	if c.Generation() == before {
		t.Fatalf("invalidation with no matching entries left generation unchanged")
	}
}
