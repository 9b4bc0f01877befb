package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fraudwatch/kestrel/internal/domain"
)

func mustSet(t *testing.T, c *LRUCache, key, value string) {
	t.Helper()
	if err := c.Set(context.Background(), key, []byte(value), time.Minute); err != nil {
		t.Fatalf("Set(%q) failed: %v", key, err)
	}
}

func get(t *testing.T, c *LRUCache, key string) []byte {
	t.Helper()
	val, err := c.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%q) failed: %v", key, err)
	}
	return val
}

func TestLRUCacheRoundTrip(t *testing.T) {
	c := NewLRUCache(100)
	ctx := context.Background()

	mustSet(t, c, "velocity:acc-001", `{"count":3}`)
	if got := get(t, c, "velocity:acc-001"); string(got) != `{"count":3}` {
		t.Errorf("got %q, want stored payload", got)
	}

	if got := get(t, c, "velocity:acc-999"); got != nil {
		t.Errorf("miss should return nil, got %q", got)
	}

	if err := c.Delete(ctx, "velocity:acc-001"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if got := get(t, c, "velocity:acc-001"); got != nil {
		t.Errorf("deleted key should miss, got %q", got)
	}

	// Overwrite keeps a single entry per key.
	mustSet(t, c, "dup", "one")
	mustSet(t, c, "dup", "two")
	if got := get(t, c, "dup"); string(got) != "two" {
		t.Errorf("overwrite: got %q, want %q", got, "two")
	}
	if size, _ := c.Stats(); size != 1 {
		t.Errorf("size after overwrite = %d, want 1", size)
	}
}

func TestLRUCacheExpiry(t *testing.T) {
	c := NewLRUCache(10)
	ctx := context.Background()

	if err := c.Set(ctx, "short", []byte("x"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got := get(t, c, "short"); got == nil {
		t.Fatal("entry should be readable before its TTL lapses")
	}

	time.Sleep(25 * time.Millisecond)
	if got := get(t, c, "short"); got != nil {
		t.Errorf("expired entry should miss, got %q", got)
	}
	// The expired read also purges the entry.
	if size, _ := c.Stats(); size != 0 {
		t.Errorf("size after expired read = %d, want 0", size)
	}
}

func TestLRUCacheEviction(t *testing.T) {
	c := NewLRUCache(3)

	for i := 1; i <= 3; i++ {
		mustSet(t, c, fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))
	}

	// Touch k1 so k2 becomes the coldest entry.
	_ = get(t, c, "k1")
	mustSet(t, c, "k4", "v4")

	if got := get(t, c, "k2"); got != nil {
		t.Errorf("k2 should have been evicted, got %q", got)
	}
	for _, key := range []string{"k1", "k3", "k4"} {
		if got := get(t, c, key); got == nil {
			t.Errorf("%s should have survived eviction", key)
		}
	}
	if size, capacity := c.Stats(); size != 3 || capacity != 3 {
		t.Errorf("Stats() = (%d, %d), want (3, 3)", size, capacity)
	}
}

func TestLRUCacheCounters(t *testing.T) {
	c := NewLRUCache(10)
	ctx := context.Background()
	window := 80 * time.Millisecond

	for want := int64(1); want <= 3; want++ {
		got, err := c.IncrementCounter(ctx, "acc-001:1h", window)
		if err != nil {
			t.Fatalf("IncrementCounter failed: %v", err)
		}
		if got != want {
			t.Errorf("increment %d: got %d", want, got)
		}
	}

	// Counters are keyed independently.
	if got, _ := c.IncrementCounter(ctx, "acc-002:1h", window); got != 1 {
		t.Errorf("fresh counter = %d, want 1", got)
	}

	time.Sleep(100 * time.Millisecond)
	if got, _ := c.IncrementCounter(ctx, "acc-001:1h", window); got != 1 {
		t.Errorf("counter after window lapse = %d, want 1", got)
	}
}

func TestLRUCacheLifecycle(t *testing.T) {
	c := NewLRUCache(10)
	ctx := context.Background()

	if err := c.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}

	mustSet(t, c, "k", "v")
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := get(t, c, "k"); got != nil {
		t.Errorf("entries should be dropped on Close, got %q", got)
	}
}

func TestNewFactory(t *testing.T) {
	c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
	if err != nil {
		t.Fatalf("New(memory) failed: %v", err)
	}
	defer c.Close()
	if _, ok := c.(*LRUCache); !ok {
		t.Errorf("New(memory) returned %T, want *LRUCache", c)
	}

	if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
		t.Error("New should reject unknown cache types")
	}
}
