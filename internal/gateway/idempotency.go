package gateway

import (
	"sync"
	"time"
)

type cachedResult struct {
	result OrderResult
	at     time.Time
}

// resultCache 记录已完成意图的结果，同一 key 重复提交直接返回原结果。
type resultCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]cachedResult
	now   func() time.Time
}

func newResultCache(ttl time.Duration, now func() time.Time) *resultCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &resultCache{ttl: ttl, items: make(map[string]cachedResult), now: now}
}

func (c *resultCache) get(key string) (OrderResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	if !ok {
		return OrderResult{}, false
	}
	if c.now().Sub(item.at) > c.ttl {
		delete(c.items, key)
		return OrderResult{}, false
	}
	return item.result, true
}

func (c *resultCache) put(key string, res OrderResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.items[key] = cachedResult{result: res, at: now}
	if len(c.items)%256 == 0 {
		for k, v := range c.items {
			if now.Sub(v.at) > c.ttl {
				delete(c.items, k)
			}
		}
	}
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
