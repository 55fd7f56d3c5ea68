// Package cache provides an optional Redis-backed response cache for the
// single-tool routing path. Cached responses are keyed by tool name plus
// a hash of the input, with a short TTL; this is an idempotency-style
// optimization, not execution-history persistence.
// This package is internal and should not be imported by external projects.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrMiss is returned when a key is absent.
var ErrMiss = errors.New("cache miss")

// Config holds the cache connection settings.
type Config struct {
	Addr         string        `yaml:"addr" json:"addr"`
	Password     string        `yaml:"password" json:"password"`
	DB           int           `yaml:"db" json:"db"`
	DefaultTTL   time.Duration `yaml:"default_ttl" json:"default_ttl"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" json:"min_idle_conns"`
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		DefaultTTL:   5 * time.Minute,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// ResponseCache stores tool responses in Redis.
type ResponseCache struct {
	redis  *redis.Client
	config Config
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// New connects to Redis and returns a response cache.
func New(config Config, logger *zap.Logger) (*ResponseCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("response cache initialized", zap.String("addr", config.Addr))

	return &ResponseCache{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "cache")),
	}, nil
}

// Key derives the cache key for a tool call from the tool name and a
// stable hash of the input object.
func Key(toolName string, input map[string]any) string {
	data, _ := json.Marshal(input)
	sum := sha256.Sum256(data)
	return fmt.Sprintf("toolhub:response:%s:%s", toolName, hex.EncodeToString(sum[:8]))
}

// Get returns the cached response for a key, or ErrMiss.
func (c *ResponseCache) Get(ctx context.Context, key string) (map[string]any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, fmt.Errorf("response cache is closed")
	}

	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		c.logger.Error("cache get failed", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("cache get failed: %w", err)
	}

	var response map[string]any
	if err := json.Unmarshal([]byte(val), &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached response: %w", err)
	}
	return response, nil
}

// Set stores a response under the key with the given TTL (zero uses the
// configured default).
func (c *ResponseCache) Set(ctx context.Context, key string, response map[string]any, ttl time.Duration) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return fmt.Errorf("response cache is closed")
	}

	if ttl == 0 {
		ttl = c.config.DefaultTTL
	}

	data, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	if err := c.redis.Set(ctx, key, string(data), ttl).Err(); err != nil {
		c.logger.Error("cache set failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("cache set failed: %w", err)
	}
	return nil
}

// Close shuts down the Redis connection.
func (c *ResponseCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.redis.Close()
}
