package tracer

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/rawblock/trace-engine/internal/metrics"
	"github.com/rawblock/trace-engine/pkg/models"
)

const (
	DefaultCacheSize = 50
	MaxRecentResults = 10
)

// ResultCache memoizes completed traces by (chain, address). Neither reads
// nor overwrites reorder entries, so eviction drops the oldest inserted key.
type ResultCache struct {
	mu      sync.Mutex
	entries *simplelru.LRU[string, *models.TraceResult]
	metrics *metrics.Metrics
}

// NewResultCache creates a cache holding up to size results (DefaultCacheSize when size <= 0).
func NewResultCache(size int, m *metrics.Metrics) *ResultCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := simplelru.NewLRU[string, *models.TraceResult](size, nil)
	if err != nil {
		// Only a non-positive size fails.
		panic(err)
	}
	return &ResultCache{entries: entries, metrics: m}
}

// CacheKey is "<chain>:<address>", with "ANY" for an unspecified chain.
func CacheKey(chain models.Chain, address string) string {
	if chain == "" {
		return "ANY:" + address
	}
	return string(chain) + ":" + address
}

func (c *ResultCache) Get(key string) (models.TraceResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.entries.Peek(key); ok {
		return *r, true
	}
	return models.TraceResult{}, false
}

// Put stores r under key, evicting the oldest entry when full. An existing
// key keeps its insertion position.
func (c *ResultCache) Put(key string, r models.TraceResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries.Peek(key); ok {
		*existing = r
		return
	}
	c.entries.Add(key, &r)
	c.metrics.SetCacheEntries(c.entries.Len())
}

func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Recent returns up to limit of the most recently inserted results, newest
// first. limit is capped at MaxRecentResults; 0 or less means the cap.
func (c *ResultCache) Recent(limit int) []models.TraceResult {
	if limit <= 0 || limit > MaxRecentResults {
		limit = MaxRecentResults
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.entries.Keys() // oldest first
	out := make([]models.TraceResult, 0, min(limit, len(keys)))
	for i := len(keys) - 1; i >= 0 && len(out) < limit; i-- {
		if r, ok := c.entries.Peek(keys[i]); ok {
			out = append(out, *r)
		}
	}
	return out
}
