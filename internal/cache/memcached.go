package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const keyPrefix = "current:"

// maxRelativeExp is the largest memcached expiration treated as relative seconds.
const maxRelativeExp = 30 * 24 * 60 * 60

// MemcachedCache implements Cache using memcached.
type MemcachedCache struct {
	client *memcache.Client
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// use package defaults if zero.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int) *MemcachedCache {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (c *MemcachedCache) key(k string) string {
	return keyPrefix + k
}

// Get implements Cache.Get. Returns false, nil on cache miss; false, err on error.
func (c *MemcachedCache) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	item, err := c.client.Get(c.key(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if !json.Valid(item.Value) {
		return nil, false, nil
	}
	return json.RawMessage(item.Value), true, nil
}

// Set implements Cache.Set. A non-positive ttl is a no-op.
func (c *MemcachedCache) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	exp, ok := expirationSeconds(ttl)
	if !ok {
		return nil
	}
	return c.client.Set(&memcache.Item{
		Key:        c.key(key),
		Value:      value,
		Expiration: exp,
	})
}

// expirationSeconds converts ttl to memcached's relative expiration.
// Sub-second TTLs round up to one second; TTLs beyond 30 days are clamped.
func expirationSeconds(ttl time.Duration) (int32, bool) {
	if ttl <= 0 {
		return 0, false
	}
	sec := int64((ttl + time.Second - 1) / time.Second)
	if sec > maxRelativeExp {
		sec = maxRelativeExp
	}
	return int32(sec), true
}

// Ping checks if memcached is reachable.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
