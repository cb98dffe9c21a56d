package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

// Cache stores raw provider payloads for a short TTL.
// Get returns cached data if present and not expired, Set stores data with TTL.
type Cache interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error
}

// CoordinateKey builds a cache key from coordinates rounded to 4 decimal places
// (about 11 m), so nearby requests for the same spot share an entry.
func CoordinateKey(latitude, longitude float64) string {
	return strconv.FormatFloat(latitude, 'f', 4, 64) + "," + strconv.FormatFloat(longitude, 'f', 4, 64)
}

// InMemoryCache implements Cache using a mutex-guarded map with TTL-based expiration.
// Expired entries are removed on access.
type InMemoryCache struct {
	mu   sync.Mutex
	data map[string]cacheEntry
	now  func() time.Time
}

type cacheEntry struct {
	value     json.RawMessage
	expiresAt time.Time
}

func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]cacheEntry),
		now:  time.Now,
	}
}

// Get returns (data, true, nil) on hit and (nil, false, nil) on miss or expiration.
func (c *InMemoryCache) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.data, key)
		return nil, false, nil
	}
	return append(json.RawMessage(nil), entry.value...), true, nil
}

// Set stores a copy of value. A non-positive ttl is a no-op.
func (c *InMemoryCache) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = cacheEntry{
		value:     append(json.RawMessage(nil), value...),
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}
