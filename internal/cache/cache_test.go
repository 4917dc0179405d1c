package cache

import (
	"context"
	"testing"
	"time"

	"github.com/openutility/flume/internal/domain"
)

func TestLRUGetSet(t *testing.T) {
	c := NewLRUCache(10)
	ctx := context.Background()

	if err := c.Set(ctx, "tenant-1", "key", []byte("value"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	val, err := c.Get(ctx, "tenant-1", "key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(val) != "value" {
		t.Errorf("expected value, got %s", val)
	}

	// Missing key returns nil, nil.
	val, err = c.Get(ctx, "tenant-1", "missing")
	if err != nil || val != nil {
		t.Errorf("expected nil, nil for missing key, got %v, %v", val, err)
	}
}

func TestLRUTenantIsolation(t *testing.T) {
	c := NewLRUCache(10)
	ctx := context.Background()

	if err := c.Set(ctx, "tenant-a", "key", []byte("a"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	val, err := c.Get(ctx, "tenant-b", "key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if val != nil {
		t.Errorf("tenant-b should not see tenant-a's entry, got %s", val)
	}

	if _, err := c.Get(ctx, "", "key"); err == nil {
		t.Error("empty tenant should be rejected")
	}
}

func TestLRUExpiry(t *testing.T) {
	c := NewLRUCache(10)
	ctx := context.Background()

	if err := c.Set(ctx, "tenant-1", "key", []byte("value"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	val, err := c.Get(ctx, "tenant-1", "key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if val != nil {
		t.Errorf("expired entry should return nil, got %s", val)
	}
}

func TestLRUEviction(t *testing.T) {
	c := NewLRUCache(2)
	ctx := context.Background()

	c.Set(ctx, "tenant-1", "a", []byte("1"), time.Minute)
	c.Set(ctx, "tenant-1", "b", []byte("2"), time.Minute)

	// Touch "a" so "b" becomes the eviction candidate.
	c.Get(ctx, "tenant-1", "a")
	c.Set(ctx, "tenant-1", "c", []byte("3"), time.Minute)

	if val, _ := c.Get(ctx, "tenant-1", "b"); val != nil {
		t.Error("expected b to be evicted")
	}
	if val, _ := c.Get(ctx, "tenant-1", "a"); val == nil {
		t.Error("expected a to survive")
	}

	size, capacity := c.Stats()
	if size != 2 || capacity != 2 {
		t.Errorf("expected 2/2, got %d/%d", size, capacity)
	}
}

func TestLRUPolicyGraphRoundTrip(t *testing.T) {
	c := NewLRUCache(10)
	ctx := context.Background()

	graph := &domain.PolicyGraph{
		Policy: &domain.Policy{ID: "pol-1", Name: "Domestic Water", Version: 3},
		Rules:  []*domain.Rule{{ID: "rule-1", PolicyID: "pol-1", Name: "band"}},
	}

	if err := c.SetPolicyGraph(ctx, "tenant-1", "pol-1", 3, graph, time.Minute); err != nil {
		t.Fatalf("SetPolicyGraph: %v", err)
	}

	got, err := c.GetPolicyGraph(ctx, "tenant-1", "pol-1", 3)
	if err != nil {
		t.Fatalf("GetPolicyGraph: %v", err)
	}
	if got == nil || got.Policy.ID != "pol-1" || len(got.Rules) != 1 {
		t.Errorf("graph lost in round trip: %+v", got)
	}

	// A different version misses.
	got, err = c.GetPolicyGraph(ctx, "tenant-1", "pol-1", 2)
	if err != nil || got != nil {
		t.Errorf("expected miss for stale version, got %v, %v", got, err)
	}
}

func TestLRUInvalidatePolicyGraph(t *testing.T) {
	c := NewLRUCache(10)
	ctx := context.Background()

	graph := &domain.PolicyGraph{Policy: &domain.Policy{ID: "pol-1", Version: 1}}
	if err := c.SetPolicyGraph(ctx, "tenant-1", "pol-1", 1, graph, time.Minute); err != nil {
		t.Fatalf("SetPolicyGraph: %v", err)
	}

	if err := c.InvalidatePolicyGraph(ctx, "tenant-1", "pol-1"); err != nil {
		t.Fatalf("InvalidatePolicyGraph: %v", err)
	}

	got, err := c.GetPolicyGraph(ctx, "tenant-1", "pol-1", 1)
	if err != nil {
		t.Fatalf("GetPolicyGraph: %v", err)
	}
	if got != nil {
		t.Error("expected invalidated graph to miss")
	}
}

func TestLRUIncrementCounter(t *testing.T) {
	c := NewLRUCache(10)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := c.IncrementCounter(ctx, "tenant-1", "evals", time.Minute)
		if err != nil {
			t.Fatalf("IncrementCounter: %v", err)
		}
		if got != want {
			t.Errorf("expected %d, got %d", want, got)
		}
	}

	// Window expiry resets the counter.
	got, err := c.IncrementCounter(ctx, "tenant-1", "short", 5*time.Millisecond)
	if err != nil || got != 1 {
		t.Fatalf("IncrementCounter: %d, %v", got, err)
	}
	time.Sleep(10 * time.Millisecond)
	got, err = c.IncrementCounter(ctx, "tenant-1", "short", 5*time.Millisecond)
	if err != nil || got != 1 {
		t.Errorf("expected reset counter 1, got %d, %v", got, err)
	}
}

func TestNewMemoryCache(t *testing.T) {
	c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if _, ok := c.(*LRUCache); !ok {
		t.Errorf("expected LRUCache, got %T", c)
	}
}

func TestNewUnsupportedType(t *testing.T) {
	if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
		t.Error("expected error for unsupported cache type")
	}
}
