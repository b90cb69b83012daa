// Package ai answers messages no configured command covers: an OpenAI chat
// completion behind a short-TTL response cache so repeated questions within
// the window cost one upstream call.
package ai

import (
	"context"
	"sync"
	"time"
)

// Cache stores AI responses for a short TTL. Entries are opportunistic: a
// miss costs latency, never correctness.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Key builds the response cache key for a session/command pair. Fallback
// replies with no matched command share the "default" slot.
func Key(sessionID, commandID string) string {
	if commandID == "" {
		commandID = "default"
	}
	return "cache:ai-response:" + sessionID + ":" + commandID
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryCache implements Cache with an in-process map. Single-instance
// deployments and tests use it in place of Redis.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache creates an in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Tests use this to simulate expiry
// without sleeping.
func (c *MemoryCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get implements Cache.
func (c *MemoryCache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !e.expiresAt.After(c.now()) {
		delete(c.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{value: value, expiresAt: c.now().Add(ttl)}
	return nil
}
