package embeddings

import (
	"container/list"
	"context"
	"sync"
)

type cacheEntry struct {
	embedding []float32
	element   *list.Element
}

// CachedProvider wraps an embedding provider with an LRU cache. Step
// retrieval re-embeds similar query text often, so even a small cache takes
// real traffic off the backend.
type CachedProvider struct {
	provider Provider
	cache    map[string]cacheEntry
	lruList  *list.List
	maxSize  int
	mu       sync.Mutex
}

var _ Provider = &CachedProvider{}

// NewCachedProvider creates a cached wrapper around a provider. maxSize
// bounds how many embeddings stay cached (default 1000).
func NewCachedProvider(provider Provider, maxSize int) *CachedProvider {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &CachedProvider{
		provider: provider,
		cache:    make(map[string]cacheEntry),
		lruList:  list.New(),
		maxSize:  maxSize,
	}
}

// GenerateEmbedding returns the cached vector when available, otherwise
// delegates and caches the result.
func (c *CachedProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if e, ok := c.lookup(text); ok {
		return e, nil
	}

	embedding, err := c.provider.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, err
	}
	c.store(text, embedding)
	return embedding, nil
}

// GenerateBatchEmbeddings serves cache hits locally and batches the misses
// through the underlying provider in a single call.
func (c *CachedProvider) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	for i, text := range texts {
		if e, ok := c.lookup(text); ok {
			results[i] = e
		} else {
			missing = append(missing, text)
			missingIdx = append(missingIdx, i)
		}
	}
	if len(missing) == 0 {
		return results, nil
	}

	generated, err := c.provider.GenerateBatchEmbeddings(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, e := range generated {
		c.store(missing[j], e)
		results[missingIdx[j]] = e
	}
	return results, nil
}

// GetModel delegates to the underlying provider.
func (c *CachedProvider) GetModel() EmbeddingModel {
	return c.provider.GetModel()
}

// ClearCache removes all cached embeddings.
func (c *CachedProvider) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]cacheEntry)
	c.lruList.Init()
}

// Size returns the current number of cached embeddings.
func (c *CachedProvider) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// MaxSize returns the cache capacity.
func (c *CachedProvider) MaxSize() int {
	return c.maxSize
}

func (c *CachedProvider) lookup(text string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[text]
	if !ok {
		return nil, false
	}
	c.lruList.MoveToFront(entry.element)
	return entry.embedding, true
}

func (c *CachedProvider) store(text string, embedding []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.cache[text]; ok {
		c.lruList.MoveToFront(entry.element)
		return
	}
	if c.lruList.Len() >= c.maxSize {
		oldest := c.lruList.Back()
		if oldest != nil {
			delete(c.cache, oldest.Value.(string))
			c.lruList.Remove(oldest)
		}
	}
	element := c.lruList.PushFront(text)
	c.cache[text] = cacheEntry{embedding: embedding, element: element}
}
