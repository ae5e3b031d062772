package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPrefix namespaces every key the gateway writes.
const RedisPrefix = "BRIDGEWAY_"

// DefaultCacheTTL applies to writes that do not specify a TTL.
const DefaultCacheTTL = 172800 * time.Second // 2 days

// redisConcurrency caps in-flight Redis operations to protect the server
// against burst amplification from parallel tool fan-out.
const redisConcurrency = 200

// CacheService wraps Redis for the gateway's caches, ledgers and locks.
// All values are stored JSON-encoded.
type CacheService struct {
	client redis.UniversalClient
	sem    chan struct{}
}

// NewCacheService creates a cache service over an existing Redis client.
func NewCacheService(client redis.UniversalClient) *CacheService {
	return &CacheService{
		client: client,
		sem:    make(chan struct{}, redisConcurrency),
	}
}

// NewCacheServiceFromURL dials Redis from a URL such as
// redis://localhost:6379/0.
func NewCacheServiceFromURL(url string) (*CacheService, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewCacheService(redis.NewClient(opts)), nil
}

func (c *CacheService) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *CacheService) release() { <-c.sem }

// Ping verifies connectivity.
func (c *CacheService) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (c *CacheService) Close() error {
	return c.client.Close()
}

// Store JSON-encodes value under identifier with the given TTL (0 means
// DefaultCacheTTL).
func (c *CacheService) Store(ctx context.Context, identifier string, value interface{}, ttl time.Duration) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value for %s: %w", identifier, err)
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return c.client.Set(ctx, RedisPrefix+identifier, data, ttl).Err()
}

// Find returns the raw JSON stored under identifier, or "" when absent.
func (c *CacheService) Find(ctx context.Context, identifier string) (string, error) {
	if err := c.acquire(ctx); err != nil {
		return "", err
	}
	defer c.release()
	value, err := c.client.Get(ctx, RedisPrefix+identifier).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// FindJSON decodes the value stored under identifier into out. Returns
// (false, nil) on a miss.
func (c *CacheService) FindJSON(ctx context.Context, identifier string, out interface{}) (bool, error) {
	raw, err := c.Find(ctx, identifier)
	if err != nil || raw == "" {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("decode cache value for %s: %w", identifier, err)
	}
	return true, nil
}

// Delete removes the given identifiers.
func (c *CacheService) Delete(ctx context.Context, identifiers ...string) error {
	if len(identifiers) == 0 {
		return nil
	}
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()
	keys := make([]string, len(identifiers))
	for i, id := range identifiers {
		keys[i] = RedisPrefix + id
	}
	return c.client.Del(ctx, keys...).Err()
}

// Expire resets the TTL of an existing key.
func (c *CacheService) Expire(ctx context.Context, identifier string, ttl time.Duration) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()
	return c.client.Expire(ctx, RedisPrefix+identifier, ttl).Err()
}

// FindWithPrefix scans for keys under prefix and returns their decoded
// values. Used by the batch reconciler to enumerate pending descriptors.
func (c *CacheService) FindWithPrefix(ctx context.Context, prefix string) ([]map[string]interface{}, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	var values []map[string]interface{}
	iter := c.client.Scan(ctx, 0, RedisPrefix+prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		raw, err := c.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var value map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			continue
		}
		values = append(values, value)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

// Incr atomically increments a counter and returns the new value, setting
// ttl when the counter is created.
func (c *CacheService) Incr(ctx context.Context, identifier string, ttl time.Duration) (int64, error) {
	if err := c.acquire(ctx); err != nil {
		return 0, err
	}
	defer c.release()
	key := RedisPrefix + identifier
	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 && ttl > 0 {
		_ = c.client.Expire(ctx, key, ttl).Err()
	}
	return count, nil
}

// DefaultLockTTL bounds how long a crashed worker can hold a lock.
const DefaultLockTTL = 600 * time.Second

// AcquireLock takes a cluster-wide lock via SET NX EX. Returns false when
// another holder owns it. Lock holders must not hold across a suspension
// that can exceed the TTL.
func (c *CacheService) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	if err := c.acquire(ctx); err != nil {
		return false, err
	}
	defer c.release()
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return c.client.SetNX(ctx, RedisPrefix+"lock_"+lockKey, "locked", ttl).Result()
}

// ReleaseLock drops a held lock.
func (c *CacheService) ReleaseLock(ctx context.Context, lockKey string) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()
	return c.client.Del(ctx, RedisPrefix+"lock_"+lockKey).Err()
}
