package lsmkv

import (
	"sync"

	"github.com/golang/groupcache/lru"
)

type blockCacheKey struct {
	tableID uint64
	offset  uint64
}

// 按字节数限制容量的 block 缓存. 缓存解码后的数据块，table id 全局唯一，因此无需主动失效
type blockCache struct {
	mu       sync.Mutex
	cache    *lru.Cache
	capacity int64
	used     int64
	metrics  *metrics
}

// capacity <= 0 时返回 nil，调用方直接读盘
func newBlockCache(capacity int64, m *metrics) *blockCache {
	if capacity <= 0 {
		return nil
	}
	c := blockCache{
		cache:    lru.New(0),
		capacity: capacity,
		metrics:  m,
	}
	c.cache.OnEvicted = func(_ lru.Key, value interface{}) {
		c.used -= int64(value.(*blockData).charge())
	}
	return &c
}

func (c *blockCache) get(tableID, offset uint64) (*blockData, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.cache.Get(blockCacheKey{tableID: tableID, offset: offset})
	if !ok {
		c.metrics.cacheMisses.Inc()
		return nil, false
	}
	c.metrics.cacheHits.Inc()
	return v.(*blockData), true
}

func (c *blockCache) add(tableID, offset uint64, block *blockData) {
	if c == nil {
		return
	}
	charge := int64(block.charge())
	if charge > c.capacity {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := blockCacheKey{tableID: tableID, offset: offset}
	if _, ok := c.cache.Get(key); ok {
		return
	}
	c.cache.Add(key, block)
	c.used += charge
	for c.used > c.capacity {
		c.cache.RemoveOldest()
	}
}

func (c *blockCache) usage() int64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

func (c *blockCache) clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Clear()
}
