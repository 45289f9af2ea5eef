package conditional

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// CacheStats reports template cache effectiveness.
type CacheStats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
}

type cachedResult struct {
	result bool
	value  any
}

// resultCache is a bounded map evicting the least recently used key.
type resultCache struct {
	size   int
	mu     sync.Mutex
	items  map[string]cachedResult
	order  []string // least recently used first
	hits   atomic.Uint64
	misses atomic.Uint64
}

func newResultCache(size int) *resultCache {
	return &resultCache{size: size, items: make(map[string]cachedResult, size)}
}

func (c *resultCache) get(key string) (cachedResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.items[key]
	if !ok {
		c.misses.Add(1)

		return cachedResult{}, false
	}

	c.hits.Add(1)
	c.touchLocked(key)

	return v, true
}

func (c *resultCache) put(key string, v cachedResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[key]; ok {
		c.items[key] = v
		c.touchLocked(key)

		return
	}

	if len(c.items) >= c.size {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.items, oldest)
	}

	c.items[key] = v
	c.order = append(c.order, key)
}

func (c *resultCache) touchLocked(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)

			break
		}
	}

	c.order = append(c.order, key)
}

func (c *resultCache) stats() CacheStats {
	c.mu.Lock()
	entries := len(c.items)
	c.mu.Unlock()

	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Entries: entries}
}

// cacheKey combines the template with a hash of the data it renders against.
// encoding/json sorts map keys, which makes the document canonical.
func cacheKey(source string, data map[string]any) string {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = fmt.Appendf(nil, "%#v", data)
	}

	sum := sha256.Sum256(raw)

	return source + "\x00" + hex.EncodeToString(sum[:])
}
