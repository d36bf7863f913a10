package memory

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tjfontaine/chat-gateway/internal/storage"
)

// ResponseCache is a fixed-size TTL cache implementing storage.ResponseCache.
// Lookups do not refresh recency, so capacity eviction discards the least recently
// inserted entry.
type ResponseCache struct {
	entries *expirable.LRU[string, string]
}

var _ storage.ResponseCache = (*ResponseCache)(nil)

// NewResponseCache creates a cache holding at most size entries for ttl each.
func NewResponseCache(size int, ttl time.Duration) *ResponseCache {
	return &ResponseCache{
		entries: expirable.NewLRU[string, string](size, nil, ttl),
	}
}

func (c *ResponseCache) Get(ctx context.Context, fingerprint string) (string, bool) {
	return c.entries.Peek(fingerprint)
}

func (c *ResponseCache) Put(ctx context.Context, fingerprint string, value string) {
	c.entries.Add(fingerprint, value)
}

// Len returns the number of cached entries, including expired ones not yet purged.
func (c *ResponseCache) Len() int {
	return c.entries.Len()
}
