package lru

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/haukened/rr-rulesync/internal/rulesync/domain"
)

// Entry is a cached resolution. Found is false for a cached "no rule" result,
// which is as worth caching as a hit.
type Entry struct {
	Decision domain.EffectiveDecision
	Found    bool
}

// Cache is an LRU of resolutions keyed by an opaque string (the lookup
// service uses name|minute). It tracks hits, misses and evictions.
type Cache interface {
	Get(key string) (Entry, bool)
	Put(key string, e Entry)
	Len() int
	Purge()
	Stats() (hits, misses, evictions uint64)
}

type decisionCache struct {
	lru       *lru.Cache[string, Entry]
	hits      uint64
	misses    uint64
	evictions uint64
}

// disabledCache is a no-op Cache used when size <= 0.
type disabledCache struct{}

// New creates a Cache with the given capacity. If size <= 0, a disabled
// cache is returned that always misses and tracks no metrics.
func New(size int) (Cache, error) {
	if size <= 0 {
		return &disabledCache{}, nil
	}

	var dc decisionCache
	cache, err := lru.NewWithEvict(size, func(_ string, _ Entry) {
		atomic.AddUint64(&dc.evictions, 1)
	})
	if err != nil {
		return nil, err
	}
	dc.lru = cache
	return &dc, nil
}

func (c *decisionCache) Get(key string) (Entry, bool) {
	if val, ok := c.lru.Get(key); ok {
		atomic.AddUint64(&c.hits, 1)
		return val, true
	}
	atomic.AddUint64(&c.misses, 1)
	return Entry{}, false
}

func (c *decisionCache) Put(key string, e Entry) {
	c.lru.Add(key, e)
}

func (c *decisionCache) Len() int { return c.lru.Len() }

// Purge clears all entries. Evictions are counted via the eviction callback.
func (c *decisionCache) Purge() { c.lru.Purge() }

func (c *decisionCache) Stats() (hits, misses, evictions uint64) {
	return atomic.LoadUint64(&c.hits), atomic.LoadUint64(&c.misses), atomic.LoadUint64(&c.evictions)
}

func (d *disabledCache) Get(string) (Entry, bool) { return Entry{}, false }

func (d *disabledCache) Put(string, Entry) {}

func (d *disabledCache) Len() int { return 0 }

func (d *disabledCache) Purge() {}

func (d *disabledCache) Stats() (uint64, uint64, uint64) { return 0, 0, 0 }

var _ Cache = (*decisionCache)(nil)
var _ Cache = (*disabledCache)(nil)
