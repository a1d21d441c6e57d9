package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// ContextCache 缓存检索得到的摘要行，按 (user, query) 作为键。
// 任一次成功写入或清空记忆后整体失效。nil 缓存可安全使用。
type ContextCache struct {
	cache *ristretto.Cache
	ttl   time.Duration

	mu  sync.Mutex
	gen uint64
}

// NewContextCache 创建缓存；ttl <= 0 时返回 nil（不缓存）。
func NewContextCache(ttl time.Duration) (*ContextCache, error) {
	if ttl <= 0 {
		return nil, nil
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create context cache: %w", err)
	}
	return &ContextCache{cache: cache, ttl: ttl}, nil
}

func cacheKey(userID, query string) string {
	return userID + "\x00" + query
}

// Get returns cached summary lines.
func (c *ContextCache) Get(userID, query string) ([]string, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.cache.Get(cacheKey(userID, query))
	if !ok {
		return nil, false
	}
	lines, ok := v.([]string)
	return lines, ok
}

// Generation 返回当前失效代数，检索前读取，写回时交给 Put 校验。
func (c *ContextCache) Generation() uint64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Put stores summary lines read at generation gen; cost is their byte size.
// Lines fetched before an Invalidate are dropped.
func (c *ContextCache) Put(gen uint64, userID, query string, lines []string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	var cost int64 = 1
	for _, line := range lines {
		cost += int64(len(line))
	}
	stored := append([]string(nil), lines...)
	c.cache.SetWithTTL(cacheKey(userID, query), stored, cost, c.ttl)
	c.cache.Wait()
}

// Invalidate drops every entry.
func (c *ContextCache) Invalidate() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.cache.Clear()
}

// Close stops the cache's background goroutines.
func (c *ContextCache) Close() {
	if c == nil {
		return
	}
	c.cache.Close()
}
