package memstore

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientCacheReusesProvider(t *testing.T) {
	cache := NewClientCache(4)

	first := cache.ForKey("sk-test", "text-embedding-3-small")
	second := cache.ForKey("sk-test", "text-embedding-3-small")
	assert.Same(t, first, second)
	assert.Equal(t, 1, cache.Len())
}

func TestClientCacheDistinctKeys(t *testing.T) {
	cache := NewClientCache(4)

	a := cache.ForKey("sk-a", "text-embedding-3-small")
	b := cache.ForKey("sk-b", "text-embedding-3-small")
	c := cache.ForKey("sk-a", "text-embedding-3-large")
	assert.NotSame(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, 3, cache.Len())
}

func TestClientCacheBounded(t *testing.T) {
	cache := NewClientCache(3)

	for i := 0; i < 10; i++ {
		cache.ForKey(fmt.Sprintf("sk-%d", i), "text-embedding-3-small")
	}
	assert.Equal(t, 3, cache.Len())

	// The most recently inserted key survives eviction.
	last := cache.ForKey("sk-9", "text-embedding-3-small")
	assert.NotNil(t, last)
	assert.Equal(t, 3, cache.Len())
}

func TestProviderDimensions(t *testing.T) {
	assert.Equal(t, 1536, NewOpenAIProvider("sk-x", "text-embedding-3-small").Dimension())
	assert.Equal(t, 3072, NewOpenAIProvider("sk-x", "text-embedding-3-large").Dimension())
	assert.Equal(t, 1536, NewOpenAIProvider("sk-x", "").Dimension())
}
