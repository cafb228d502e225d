package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations. The pipeline uses
// it for fitted matrix artifacts (reused across scoring batches) and for
// recently completed run results.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// GetRun retrieves a cached run result, nil if absent.
	GetRun(ctx context.Context, runID string) (*RunResult, error)

	// SetRun caches a completed run result.
	SetRun(ctx context.Context, run *RunResult, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Cache key prefixes.
const (
	CacheKeyRun      = "run:"      // run results by run ID
	CacheKeyArtifact = "artifact:" // fitted matrix builders by dataset ID
)

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}
