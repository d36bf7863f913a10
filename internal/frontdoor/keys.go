package frontdoor

import (
	"context"
	"time"

	"github.com/tjfontaine/chat-gateway/internal/domain"
	"github.com/tjfontaine/chat-gateway/internal/storage"
	"github.com/tjfontaine/chat-gateway/internal/storage/memory"
)

const rapidAPIKeyEntry = "rapidapi_key"

// KeySource serves the RapidAPI key from a short-lived cache entry, reloading it
// when the entry expires.
type KeySource struct {
	cache storage.ResponseCache
	load  func(ctx context.Context) (string, error)
}

// NewKeySource caches the result of load for ttl.
func NewKeySource(ttl time.Duration, load func(ctx context.Context) (string, error)) *KeySource {
	return &KeySource{
		cache: memory.NewResponseCache(1, ttl),
		load:  load,
	}
}

// StaticKey returns a loader for a key fixed at startup.
func StaticKey(key string) func(ctx context.Context) (string, error) {
	return func(context.Context) (string, error) { return key, nil }
}

// Get returns the key, or a not-configured error when none is set.
func (k *KeySource) Get(ctx context.Context) (string, error) {
	if key, ok := k.cache.Get(ctx, rapidAPIKeyEntry); ok {
		return key, nil
	}

	key, err := k.load(ctx)
	if err != nil {
		return "", domain.ErrNotConfigured("RapidAPI key unavailable").WithCause(err)
	}
	if key == "" {
		return "", domain.ErrNotConfigured("RapidAPI key is not configured")
	}
	k.cache.Put(ctx, rapidAPIKeyEntry, key)
	return key, nil
}
