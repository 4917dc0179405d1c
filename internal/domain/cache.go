package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (standalone) + Redis (distributed).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetPolicyGraph retrieves a cached policy graph snapshot.
	GetPolicyGraph(ctx context.Context, tenantID string, policyID string, version int64) (*PolicyGraph, error)

	// SetPolicyGraph caches a policy graph snapshot keyed by (policy,
	// version); version bumps naturally invalidate older entries.
	SetPolicyGraph(ctx context.Context, tenantID string, policyID string, version int64, g *PolicyGraph, ttl time.Duration) error

	// InvalidatePolicyGraph drops every cached snapshot reachable through
	// the active-policy index for the given policy.
	InvalidatePolicyGraph(ctx context.Context, tenantID string, policyID string) error

	// IncrementCounter atomically increments a windowed counter and returns
	// the new value.
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (standalone profile)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (distributed profile)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
