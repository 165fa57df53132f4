package memstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ErrNoProvider is returned when an embedding operation requires a provider
// and none is configured
var ErrNoProvider = errors.New("no embedding provider configured")

// Provider generates vector embeddings from text
type Provider interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// OpenAIProvider implements Provider against the OpenAI embeddings endpoint
type OpenAIProvider struct {
	apiKey     string
	model      string
	dimension  int
	httpClient *http.Client
}

// NewOpenAIProvider creates a new OpenAI embedding provider
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	dimension := 1536
	if model == "" {
		model = "text-embedding-3-small"
	}
	if model == "text-embedding-3-large" {
		dimension = 3072
	}

	return &OpenAIProvider{
		apiKey:    apiKey,
		model:     model,
		dimension: dimension,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (p *OpenAIProvider) Dimension() int {
	return p.dimension
}

func (p *OpenAIProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if p.apiKey == "" {
		return nil, ErrNoProvider
	}

	reqBody := map[string]interface{}{
		"input": text,
		"model": p.model,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", "https://api.openai.com/v1/embeddings", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call OpenAI API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("OpenAI API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Data) == 0 {
		return nil, errors.New("OpenAI API returned no embedding")
	}

	return result.Data[0].Embedding, nil
}

// Clients is the process-wide embedding client cache, shared across all
// background workers. Embedding jobs for the same credential reuse one
// client instead of building a new one per call.
var Clients = NewClientCache(32)

// ClientCache holds embedding providers keyed by credential. The cache is
// bounded; when full, the least recently used entry is evicted so a
// long-running process serving many tenants cannot grow it without limit.
type ClientCache struct {
	mu      sync.Mutex
	max     int
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	provider Provider
	lastUsed time.Time
}

// NewClientCache creates a cache holding at most max providers
func NewClientCache(max int) *ClientCache {
	if max <= 0 {
		max = 32
	}
	return &ClientCache{
		max:     max,
		entries: make(map[string]*cacheEntry),
	}
}

// ForKey returns the cached provider for an API key and model, creating it
// on first use. Safe for concurrent callers.
func (c *ClientCache) ForKey(apiKey, model string) Provider {
	key := apiKey + "\x00" + model

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		entry.lastUsed = time.Now()
		return entry.provider
	}

	if len(c.entries) >= c.max {
		c.evictOldest()
	}

	provider := NewOpenAIProvider(apiKey, model)
	c.entries[key] = &cacheEntry{provider: provider, lastUsed: time.Now()}
	return provider
}

// Len returns the number of cached providers
func (c *ClientCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ClientCache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.lastUsed.Before(oldest) {
			oldestKey = key
			oldest = entry.lastUsed
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
