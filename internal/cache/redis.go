package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/openutility/flume/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache using Redis.
// Used as the distributed profile cache and as L2 in two-phase caching.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value from Redis.
func (c *RedisCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, key)
	val, err := c.client.Get(ctx, fullKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, key)
	return c.client.Set(ctx, fullKey, value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, key)
	return c.client.Del(ctx, fullKey).Err()
}

// GetPolicyGraph retrieves a cached policy graph snapshot.
func (c *RedisCache) GetPolicyGraph(ctx context.Context, tenantID string, policyID string, version int64) (*domain.PolicyGraph, error) {
	data, err := c.Get(ctx, tenantID, graphKey(policyID, version))
	if err != nil || data == nil {
		return nil, err
	}

	var g domain.PolicyGraph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// SetPolicyGraph caches a policy graph snapshot and records the version
// under the policy's index key so invalidation can find it.
func (c *RedisCache) SetPolicyGraph(ctx context.Context, tenantID string, policyID string, version int64, g *domain.PolicyGraph, ttl time.Duration) error {
	bytes, err := json.Marshal(g)
	if err != nil {
		return err
	}
	if err := c.Set(ctx, tenantID, graphKey(policyID, version), bytes, ttl); err != nil {
		return err
	}
	return c.Set(ctx, tenantID, graphVersionKey(policyID), []byte(strconv.FormatInt(version, 10)), ttl)
}

// InvalidatePolicyGraph drops the cached snapshot referenced by the
// policy's version index.
func (c *RedisCache) InvalidatePolicyGraph(ctx context.Context, tenantID string, policyID string) error {
	data, err := c.Get(ctx, tenantID, graphVersionKey(policyID))
	if err != nil {
		return err
	}
	if data != nil {
		version, _ := strconv.ParseInt(string(data), 10, 64)
		if err := c.Delete(ctx, tenantID, graphKey(policyID, version)); err != nil {
			return err
		}
	}
	return c.Delete(ctx, tenantID, graphVersionKey(policyID))
}

// IncrementCounter atomically increments a counter using Redis INCR with EXPIRE.
func (c *RedisCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, "counter:"+key)

	// Use Lua script for atomic increment with TTL
	script := redis.NewScript(`
		local current = redis.call('INCR', KEYS[1])
		if current == 1 then
			redis.call('PEXPIRE', KEYS[1], ARGV[1])
		end
		return current
	`)

	result, err := script.Run(ctx, c.client, []string{fullKey}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, err
	}

	return result, nil
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) makeKey(tenantID, key string) string {
	return "flume:" + tenantID + ":" + key
}
