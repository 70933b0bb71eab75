package budget

import (
	"fmt"
	"testing"
	"time"
)

// tickClock returns a clock advancing one second per reading, so every cache
// operation lands at a distinct instant.
func tickClock(start time.Time) func() time.Time {
	cur := start
	return func() time.Time {
		cur = cur.Add(time.Second)
		return cur
	}
}

func put(c *Cache, key string) {
	c.Put(key, Entry{Prompt: key, Response: "resp-" + key, Model: "gpt-4o-mini", Provider: "openai"})
}

func TestCache_EvictsOldestAccessed(t *testing.T) {
	t.Parallel()

	c := NewCache(3, time.Hour)
	c.now = tickClock(testNow)

	put(c, "k1")
	put(c, "k2")
	put(c, "k3")
	if _, ok := c.Get("k1"); !ok { // k1 becomes the most recent
		t.Fatal("k1 missing before capacity")
	}
	put(c, "k4") // at capacity: k2 has the oldest access

	if _, ok := c.Get("k2"); ok {
		t.Error("k2 should have been evicted")
	}
	for _, key := range []string{"k1", "k3", "k4"} {
		if _, ok := c.Get(key); !ok {
			t.Errorf("%s missing after eviction", key)
		}
	}
	if c.Len() != 3 {
		t.Errorf("Len = %d, want 3", c.Len())
	}
}

func TestCache_UpdateRefreshesRecency(t *testing.T) {
	t.Parallel()

	c := NewCache(3, time.Hour)
	c.now = tickClock(testNow)

	put(c, "k1")
	put(c, "k2")
	put(c, "k3")
	c.Put("k1", Entry{Response: "updated"}) // rewrite counts as access
	put(c, "k4")                            // evicts k2, not k1

	if e, ok := c.Get("k1"); !ok || e.Response != "updated" {
		t.Errorf("k1 = %+v ok=%v, want updated entry", e, ok)
	}
	if _, ok := c.Get("k2"); ok {
		t.Error("k2 should have been evicted")
	}
	if c.Len() != 3 {
		t.Errorf("Len = %d, want 3 (update must not grow the cache)", c.Len())
	}
}

func TestCache_ExpiryCheckedOnRead(t *testing.T) {
	t.Parallel()

	c := NewCache(10, time.Hour)
	cur := testNow
	c.now = func() time.Time { return cur }

	c.Put("k", Entry{Response: "v", TTL: 10 * time.Minute})

	cur = testNow.Add(9 * time.Minute)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry expired early")
	}

	cur = testNow.Add(11 * time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Fatal("entry served past its TTL")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0 (expired entry removed on read)", c.Len())
	}
}

func TestCache_AccessBookkeeping(t *testing.T) {
	t.Parallel()

	c := NewCache(10, time.Hour)
	c.now = tickClock(testNow)

	put(c, "k")
	first, _ := c.Get("k")
	second, _ := c.Get("k")
	if first.AccessCount != 1 || second.AccessCount != 2 {
		t.Errorf("access counts = %d, %d, want 1, 2", first.AccessCount, second.AccessCount)
	}
	if !second.LastAccessed.After(first.LastAccessed) {
		t.Error("LastAccessed did not advance")
	}
	if second.Key != "k" {
		t.Errorf("Key = %q, want k", second.Key)
	}
}

func TestCache_Sweep(t *testing.T) {
	t.Parallel()

	c := NewCache(10, time.Hour)
	cur := testNow
	c.now = func() time.Time { return cur }

	c.Put("short1", Entry{TTL: time.Minute})
	c.Put("short2", Entry{TTL: time.Minute})
	c.Put("long", Entry{TTL: time.Hour})

	if removed := c.Sweep(testNow.Add(5 * time.Minute)); removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
	if _, ok := c.Get("long"); !ok {
		t.Error("unexpired entry swept")
	}
}

func TestCache_Defaults(t *testing.T) {
	t.Parallel()

	c := NewCache(0, 0)
	if c.capacity != DefaultCacheCapacity || c.ttl != DefaultCacheTTL {
		t.Errorf("defaults = %d/%v", c.capacity, c.ttl)
	}

	c.now = tickClock(testNow)
	put(c, "k")
	if e, _ := c.Get("k"); e.TTL != DefaultCacheTTL {
		t.Errorf("entry TTL = %v, want default", e.TTL)
	}
}

func TestCacheKey(t *testing.T) {
	t.Parallel()

	a := CacheKey("openai", "gpt-4o-mini", "summarize my inbox")
	b := CacheKey("openai", "gpt-4o-mini", "summarize my inbox")
	if a != b {
		t.Error("same content hashed to different keys")
	}
	if a == CacheKey("anthropic", "gpt-4o-mini", "summarize my inbox") {
		t.Error("provider not part of the key")
	}
	if a == CacheKey("openai", "gpt-4o", "summarize my inbox") {
		t.Error("model not part of the key")
	}
	if a == CacheKey("openai", "gpt-4o-mini", "summarize my calendar") {
		t.Error("prompt not part of the key")
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(a))
	}
}

func TestManager_ResponseCacheRoundTrip(t *testing.T) {
	t.Parallel()

	m := newTestManager(Config{})

	if _, ok := m.GetCachedResponse("openai", "gpt-4o-mini", "plan my week"); ok {
		t.Fatal("unexpected hit on empty cache")
	}
	m.CacheResponse("openai", "gpt-4o-mini", "plan my week", `{"questions":[]}`, 420, 0.003)

	e, ok := m.GetCachedResponse("openai", "gpt-4o-mini", "plan my week")
	if !ok {
		t.Fatal("expected hit after CacheResponse")
	}
	if e.Response != `{"questions":[]}` || e.TokensUsed != 420 {
		t.Errorf("entry = %+v", e)
	}
}

func TestCache_ManyInsertsStayBounded(t *testing.T) {
	t.Parallel()

	c := NewCache(16, time.Hour)
	c.now = tickClock(testNow)
	for i := range 200 {
		put(c, fmt.Sprintf("k%d", i))
	}
	if c.Len() != 16 {
		t.Errorf("Len = %d, want 16", c.Len())
	}
	// The survivors are exactly the 16 most recent inserts.
	for i := 184; i < 200; i++ {
		if _, ok := c.Get(fmt.Sprintf("k%d", i)); !ok {
			t.Errorf("k%d missing", i)
		}
	}
}
