package similarity

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultSemanticCacheSize = 1000

// SemanticCache memoizes semantic scores keyed by the unordered text pair. The least recently
// used pair is evicted once the cache is full. One cache is shared by every scorer of a process.
type SemanticCache struct {
	capacity int
	entries  *lru.Cache[string, float64]
	hits     atomic.Int64
	misses   atomic.Int64
}

// CacheStats reports the cache fill and hit counters.
type CacheStats struct {
	Size     int   `json:"cache_size"`
	Capacity int   `json:"capacity"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
}

func NewSemanticCache(capacity int) *SemanticCache {
	if capacity <= 0 {
		capacity = DefaultSemanticCacheSize
	}
	// lru.New only fails for a non-positive size.
	entries, _ := lru.New[string, float64](capacity)
	return &SemanticCache{capacity: capacity, entries: entries}
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "\x00" + b
}

func (c *SemanticCache) Get(a, b string) (float64, bool) {
	if c == nil {
		return 0, false
	}
	value, ok := c.entries.Get(pairKey(a, b))
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return value, ok
}

func (c *SemanticCache) Put(a, b string, value float64) {
	if c == nil {
		return
	}
	c.entries.Add(pairKey(a, b), value)
}

func (c *SemanticCache) Clear() {
	if c == nil {
		return
	}
	c.entries.Purge()
	c.hits.Store(0)
	c.misses.Store(0)
}

func (c *SemanticCache) Stats() CacheStats {
	if c == nil {
		return CacheStats{}
	}
	return CacheStats{
		Size:     c.entries.Len(),
		Capacity: c.capacity,
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
	}
}
