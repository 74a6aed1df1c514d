// Package redis provides Redis caching for read-heavy placement queries.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pavera/placement/internal/config"
	"github.com/pavera/placement/internal/domain"
)

// ErrCacheMiss indicates the key was not found in cache.
var ErrCacheMiss = errors.New("cache miss")

// Cache wraps a Redis client for caching operations.
type Cache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewCache creates a new Redis cache connection.
func NewCache(cfg config.RedisConfig, logger *zap.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis", zap.String("addr", cfg.Address()))

	return &Cache{client: client, logger: logger}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Health checks if Redis is reachable.
func (c *Cache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// =============================================================================
// Generic Cache Operations
// =============================================================================

// Get retrieves a value from cache and unmarshals it into dest.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("redis get error: %w", err)
	}

	return json.Unmarshal([]byte(val), dest)
}

// Set stores a value in cache with a TTL.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	return c.client.Set(ctx, key, data, ttl).Err()
}

// Delete removes a key from cache.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// DeletePattern removes all keys matching a pattern.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) error {
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.logger.Warn("Failed to delete key", zap.String("key", iter.Val()), zap.Error(err))
		}
	}
	return iter.Err()
}

// =============================================================================
// Provider Cache Operations
// =============================================================================

const providerCacheTTL = 1 * time.Minute

// GetProvider retrieves a resource provider from cache.
func (c *Cache) GetProvider(ctx context.Context, uuid string) (*domain.ResourceProvider, error) {
	key := fmt.Sprintf("rp:%s", uuid)
	var rp domain.ResourceProvider
	if err := c.Get(ctx, key, &rp); err != nil {
		return nil, err
	}
	return &rp, nil
}

// SetProvider stores a resource provider in cache.
func (c *Cache) SetProvider(ctx context.Context, rp *domain.ResourceProvider) error {
	key := fmt.Sprintf("rp:%s", rp.UUID)
	return c.Set(ctx, key, rp, providerCacheTTL)
}

// InvalidateProvider removes a resource provider from cache.
func (c *Cache) InvalidateProvider(ctx context.Context, uuid string) error {
	key := fmt.Sprintf("rp:%s", uuid)
	return c.Delete(ctx, key)
}

// =============================================================================
// Usage Cache Operations
// =============================================================================

// Usage reads tolerate short staleness: the allocation writer revalidates
// capacity at commit, so a stale usage number can only cause an extra
// retry, never an oversubscription.
const usageCacheTTL = 10 * time.Second

// GetUsages retrieves per-class usage sums for a provider from cache.
func (c *Cache) GetUsages(ctx context.Context, uuid string) (map[string]int64, error) {
	key := fmt.Sprintf("usage:%s", uuid)
	var usages map[string]int64
	if err := c.Get(ctx, key, &usages); err != nil {
		return nil, err
	}
	return usages, nil
}

// SetUsages stores per-class usage sums for a provider.
func (c *Cache) SetUsages(ctx context.Context, uuid string, usages map[string]int64) error {
	key := fmt.Sprintf("usage:%s", uuid)
	return c.Set(ctx, key, usages, usageCacheTTL)
}

// InvalidateUsages removes cached usage for the given providers.
func (c *Cache) InvalidateUsages(ctx context.Context, uuids []string) {
	for _, uuid := range uuids {
		if err := c.Delete(ctx, fmt.Sprintf("usage:%s", uuid)); err != nil {
			c.logger.Warn("Failed to invalidate usage cache",
				zap.String("uuid", uuid), zap.Error(err))
		}
	}
}
