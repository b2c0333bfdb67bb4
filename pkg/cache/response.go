package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"quorumlabs/quorum/pkg/providers"
)

// ResponseCache layers typed response storage over a Store backend. Keys
// are prefixed with (provider, model) so whole-model invalidation stays a
// prefix operation.
type ResponseCache struct {
	store Store
	ttl   time.Duration

	// Disabled turns every operation into a no-op miss. Set from
	// configuration when caching is globally off.
	Disabled bool
}

// NewResponseCache wraps a backend with typed response marshalling.
// ttl <= 0 means DefaultTTL.
func NewResponseCache(store Store, ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ResponseCache{store: store, ttl: ttl}
}

// Key computes the prefixed cache key for a call.
func (c *ResponseCache) Key(provider, model, stage, prompt string, options map[string]any) string {
	return PrefixedKey(provider, model, Fingerprint(provider, model, stage, prompt, options))
}

// Get returns the cached response for key, with Cached set.
func (c *ResponseCache) Get(ctx context.Context, key string) (*providers.Response, bool) {
	if c.Disabled {
		return nil, false
	}

	data, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}

	var resp providers.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		// A corrupt entry is worth dropping, not surfacing.
		_ = c.store.Delete(ctx, key)
		return nil, false
	}

	resp.Cached = true
	return &resp, true
}

// Set stores a response under key. ttl <= 0 uses the cache default.
func (c *ResponseCache) Set(ctx context.Context, key string, resp *providers.Response, ttl time.Duration) error {
	if c.Disabled {
		return nil
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("cache: failed to marshal response: %w", err)
	}
	return c.store.Set(ctx, key, data, ttl)
}

// Delete removes the entry for key.
func (c *ResponseCache) Delete(ctx context.Context, key string) error {
	return c.store.Delete(ctx, key)
}

// ClearModel removes every entry for one (provider, model) pair.
func (c *ResponseCache) ClearModel(ctx context.Context, provider, model string) (int, error) {
	return c.store.ClearPrefix(ctx, KeyPrefix(provider, model))
}

// Stats returns backend counters.
func (c *ResponseCache) Stats(ctx context.Context) (Stats, error) {
	return c.store.Stats(ctx)
}

// Store exposes the underlying backend for maintenance jobs.
func (c *ResponseCache) Store() Store {
	return c.store
}
