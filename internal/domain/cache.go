package domain

import (
	"context"
	"time"
)

// Cache is the key-value layer backing velocity counters and hot-path
// result lookups. Backends: in-process LRU (community tier), Redis, or
// a two-phase LRU-over-Redis combination (pro tier).
type Cache interface {
	// Get returns the value for key, or (nil, nil) on a miss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key until ttl elapses.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// IncrementCounter atomically bumps a sliding-window counter and
	// returns the new count. Velocity rules use these to count events
	// per account within a window.
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects and parameterizes a Cache backend.
type CacheConfig struct {
	// Type is "memory" or "redis".
	Type string

	// In-process LRU settings. LocalTTL bounds how long the local layer
	// holds an entry in two-phase mode.
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// EnableTwoPhase puts the LRU in front of Redis as a read-through
	// first layer.
	EnableTwoPhase bool
}
