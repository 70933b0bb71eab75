package budget

import (
	"container/list"
	"sync"
	"time"

	connector "github.com/andersh/bifrost/internal"
)

const (
	// DefaultCacheCapacity bounds the response cache entry count.
	DefaultCacheCapacity = 1000
	// DefaultCacheTTL is how long a cached response stays servable.
	DefaultCacheTTL = 24 * time.Hour
)

// Entry is one cached LLM response.
type Entry struct {
	Key          string        `json:"key"`
	Prompt       string        `json:"prompt"`
	Response     string        `json:"response"`
	Model        string        `json:"model"`
	Provider     string        `json:"provider"`
	TokensUsed   int           `json:"tokens_used"`
	CostUSD      float64       `json:"cost_usd"`
	TS           time.Time     `json:"ts"`
	TTL          time.Duration `json:"ttl"`
	AccessCount  int           `json:"access_count"`
	LastAccessed time.Time     `json:"last_accessed"`
}

// CacheKey returns the content address of a response: the same provider,
// model, and prompt always map to the same key.
func CacheKey(provider, model, prompt string) string {
	return connector.HashContent(provider, model, prompt)
}

// Cache is a strict-LRU response cache with per-entry TTL. Strict means the
// entry evicted on insert at capacity is exactly the one with the oldest
// LastAccessed, which frequency-biased admission caches do not guarantee.
// Expiry is checked on read; Sweep reclaims entries nothing reads anymore.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]*list.Element
	order    *list.List // front = most recently accessed

	now func() time.Time
}

// NewCache returns a cache holding at most capacity entries, each servable
// for ttl after insertion. Non-positive arguments take the defaults.
func NewCache(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// Put stores e under key, evicting the least recently accessed entry when a
// new key arrives at capacity. Zero TS, TTL, and LastAccessed are filled in.
func (c *Cache) Put(key string, e Entry) {
	now := c.now().UTC()
	e.Key = key
	if e.TS.IsZero() {
		e.TS = now
	}
	if e.TTL <= 0 {
		e.TTL = c.ttl
	}
	e.LastAccessed = now

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value = e
		c.order.MoveToFront(el)
		return
	}
	if c.order.Len() >= c.capacity {
		c.evictOldestLocked()
	}
	c.entries[key] = c.order.PushFront(e)
}

// Get returns the entry under key when present and unexpired, bumping its
// access count and recency. Expired entries are removed on the spot.
func (c *Cache) Get(key string) (Entry, bool) {
	now := c.now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	e := el.Value.(Entry)
	if now.After(e.TS.Add(e.TTL)) {
		c.removeLocked(el)
		return Entry{}, false
	}
	e.AccessCount++
	e.LastAccessed = now
	el.Value = e
	c.order.MoveToFront(el)
	return e, true
}

// Delete removes the entry under key if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
}

// Len returns the current entry count, expired entries included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Sweep removes every entry expired at now and returns how many left.
func (c *Cache) Sweep(now time.Time) int {
	now = now.UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if e := el.Value.(Entry); now.After(e.TS.Add(e.TTL)) {
			c.removeLocked(el)
			removed++
		}
		el = prev
	}
	return removed
}

func (c *Cache) evictOldestLocked() {
	if el := c.order.Back(); el != nil {
		c.removeLocked(el)
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	e := c.order.Remove(el).(Entry)
	delete(c.entries, e.Key)
}
