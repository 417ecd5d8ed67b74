package tracer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/trace-engine/pkg/models"
)

func result(id string) models.TraceResult {
	return models.TraceResult{RequestID: id}
}

func TestResultCache_EvictsOldestInserted(t *testing.T) {
	c := NewResultCache(DefaultCacheSize, nil)
	for i := 0; i < 51; i++ {
		c.Put(CacheKey(models.ChainEthereum, fmt.Sprintf("addr-%d", i)), result(fmt.Sprint(i)))
	}

	assert.Equal(t, 50, c.Len())
	_, ok := c.Get(CacheKey(models.ChainEthereum, "addr-0"))
	assert.False(t, ok)
	for i := 1; i <= 50; i++ {
		_, ok := c.Get(CacheKey(models.ChainEthereum, fmt.Sprintf("addr-%d", i)))
		assert.True(t, ok, "addr-%d", i)
	}
}

func TestResultCache_ReadsDoNotRefresh(t *testing.T) {
	c := NewResultCache(2, nil)
	c.Put("a", result("a"))
	c.Put("b", result("b"))

	_, ok := c.Get("a")
	require.True(t, ok)
	c.Put("c", result("c"))

	_, ok = c.Get("a")
	assert.False(t, ok, "insertion order decides eviction, not reads")
	_, ok = c.Get("b")
	assert.True(t, ok)
}

func TestResultCache_OverwriteKeepsInsertionPosition(t *testing.T) {
	c := NewResultCache(DefaultCacheSize, nil)
	for i := 0; i < DefaultCacheSize; i++ {
		c.Put(fmt.Sprintf("k%d", i), result(fmt.Sprint(i)))
	}
	c.Put("k0", result("k0-again"))

	r, ok := c.Get("k0")
	require.True(t, ok)
	assert.Equal(t, "k0-again", r.RequestID)
	assert.Equal(t, "49", c.Recent(1)[0].RequestID, "an overwrite is not a new insertion")

	c.Put("k50", result("50"))
	_, ok = c.Get("k0")
	assert.False(t, ok, "k0 is still the oldest insertion")
	_, ok = c.Get("k1")
	assert.True(t, ok)
}

func TestResultCache_RecentIsNewestFirst(t *testing.T) {
	c := NewResultCache(DefaultCacheSize, nil)
	for i := 0; i < 15; i++ {
		c.Put(fmt.Sprintf("k%d", i), result(fmt.Sprint(i)))
	}

	recent := c.Recent(0)
	require.Len(t, recent, MaxRecentResults)
	assert.Equal(t, "14", recent[0].RequestID)
	assert.Equal(t, "5", recent[9].RequestID)

	assert.Len(t, c.Recent(3), 3)
	assert.Len(t, c.Recent(100), MaxRecentResults)
	assert.Empty(t, NewResultCache(0, nil).Recent(5))
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "ANY:0xabc", CacheKey("", "0xabc"))
	assert.Equal(t, "TRON:Txyz", CacheKey(models.ChainTron, "Txyz"))
}
