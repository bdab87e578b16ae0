// Package cache wraps go-redis with JSON helpers and tenant-namespaced keys.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// KeyPrefix is prepended to every key written through this package.
const KeyPrefix = "engage"

// Key joins parts under the package prefix: Key("t1", "score", "l1") = "engage:t1:score:l1".
func Key(parts ...string) string {
	return KeyPrefix + ":" + strings.Join(parts, ":")
}

// TenantKey namespaces a key by tenant so no two tenants share a keyspace.
func TenantKey(tenantID string, parts ...string) string {
	return Key(append([]string{"tenant", tenantID}, parts...)...)
}

// RedisCache is a JSON cache over a go-redis client.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Client exposes the underlying client for adapters that need scripts or hashes.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

// GetJSON decodes key into dest. A missing key returns (false, nil).
func (c *RedisCache) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON stores value as JSON with ttl (0 means no expiry).
func (c *RedisCache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

// SetNX stores value only when key is absent and reports whether it was stored.
func (c *RedisCache) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, ttl).Result()
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
