package storage

import (
	"sync/atomic"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/pbnjay/memory"
)

const (
	minCacheMB = 32
	maxCacheMB = 4096
)

// CachedStore is a write-through fastcache in front of another Backend.
// Only present keys are cached; inserts always refresh the cached copy, so
// the cache never disagrees with the inner store.
type CachedStore struct {
	inner Backend
	cache *fastcache.Cache
	hits  atomic.Uint64
}

// NewCachedStore wraps inner with a cache of mb megabytes. mb == 0 sizes the
// cache at 1/32 of system memory.
func NewCachedStore(inner Backend, mb int) *CachedStore {
	if mb == 0 {
		mb = autoCacheMB(memory.TotalMemory())
	}
	return &CachedStore{
		inner: inner,
		cache: fastcache.New(mb * 1024 * 1024),
	}
}

func autoCacheMB(total uint64) int {
	mb := int(total / 32 / (1024 * 1024))
	if mb < minCacheMB {
		return minCacheMB
	}
	if mb > maxCacheMB {
		return maxCacheMB
	}
	return mb
}

func (c *CachedStore) Insert(key, value []byte) error {
	if err := c.inner.Insert(key, value); err != nil {
		return err
	}
	c.cache.Set(key, value)
	return nil
}

func (c *CachedStore) Get(key []byte) ([]byte, bool, error) {
	if v, ok := c.cache.HasGet(nil, key); ok {
		c.hits.Add(1)
		return v, true, nil
	}
	v, ok, err := c.inner.Get(key)
	if err != nil || !ok {
		return v, ok, err
	}
	c.cache.Set(key, v)
	return v, true, nil
}

// Reset drops the cache before the inner store so no cleared key can be
// served from it.
func (c *CachedStore) Reset() error {
	c.cache.Reset()
	return c.inner.Reset()
}

func (c *CachedStore) Meta() Meta {
	m := c.inner.Meta()
	m.Kind = "cached-" + m.Kind
	m.CacheHits = c.hits.Load()
	return m
}

func (c *CachedStore) Close() error {
	c.cache.Reset()
	return c.inner.Close()
}
