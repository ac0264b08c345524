package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheKeyPrefix is the Redis key prefix for cached data
const CacheKeyPrefix = "cache:"

// CacheService stores JSON values in Redis. A nil client makes every lookup a
// miss and every write a no-op.
type CacheService struct {
	rdb *redis.Client
}

func NewCacheService(rdb *redis.Client) *CacheService {
	return &CacheService{rdb: rdb}
}

// Enabled reports whether a Redis client is behind the cache.
func (c *CacheService) Enabled() bool {
	return c != nil && c.rdb != nil
}

// Get retrieves a value from cache. A miss is (false, nil).
func (c *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	if !c.Enabled() {
		return false, nil
	}
	val, err := c.rdb.Get(ctx, CacheKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(val, dest); err != nil {
		return false, err
	}
	return true, nil
}

// Set stores a value in cache for ttl.
func (c *CacheService) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !c.Enabled() {
		return nil
	}
	jsonData, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, CacheKeyPrefix+key, jsonData, ttl).Err()
}

// Delete removes values from cache
func (c *CacheService) Delete(ctx context.Context, keys ...string) error {
	if !c.Enabled() || len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = CacheKeyPrefix + k
	}
	return c.rdb.Del(ctx, full...).Err()
}

// Counter reads an integer key. A missing key reads as zero.
func (c *CacheService) Counter(ctx context.Context, key string) (int64, error) {
	if !c.Enabled() {
		return 0, nil
	}
	n, err := c.rdb.Get(ctx, CacheKeyPrefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// Bump increments each counter and refreshes its ttl in one round trip.
func (c *CacheService) Bump(ctx context.Context, ttl time.Duration, keys ...string) error {
	if !c.Enabled() || len(keys) == 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	for _, k := range keys {
		pipe.Incr(ctx, CacheKeyPrefix+k)
		pipe.Expire(ctx, CacheKeyPrefix+k, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// CacheKey generates a cache key for a specific resource
func CacheKey(resource string, identifier string) string {
	return fmt.Sprintf("%s:%s", resource, identifier)
}
