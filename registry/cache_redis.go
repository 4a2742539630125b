package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of go-redis client methods used by RedisCache.
// Keeping it as an interface enables mocking in tests.
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// RedisCacheConfig holds connection settings for the registry cache.
type RedisCacheConfig struct {
	Address  string `yaml:"address" json:"address"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}

// RedisCache backs the registry cache with Redis so that multiple host
// instances observe the same invalidations.
type RedisCache struct {
	cfg    RedisCacheConfig
	client RedisClient
}

// NewRedisCache creates a RedisCache that connects on first Connect call.
func NewRedisCache(cfg RedisCacheConfig) *RedisCache {
	return &RedisCache{cfg: cfg}
}

// NewRedisCacheWithClient creates a RedisCache backed by a pre-built client.
// This is intended for testing.
func NewRedisCacheWithClient(cfg RedisCacheConfig, client RedisClient) *RedisCache {
	return &RedisCache{cfg: cfg, client: client}
}

// Connect dials Redis and verifies the connection with PING.
func (r *RedisCache) Connect(ctx context.Context) error {
	if r.client != nil {
		return nil
	}

	opts := &redis.Options{
		Addr: r.cfg.Address,
		DB:   r.cfg.DB,
	}
	if r.cfg.Password != "" {
		opts.Password = r.cfg.Password
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("registry cache: ping %s: %w", r.cfg.Address, err)
	}
	r.client = client
	return nil
}

// Close closes the Redis connection.
func (r *RedisCache) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	if r.client == nil {
		return "", fmt.Errorf("registry cache: not connected")
	}
	val, err := r.client.Get(ctx, r.prefixed(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (r *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if r.client == nil {
		return fmt.Errorf("registry cache: not connected")
	}
	return r.client.Set(ctx, r.prefixed(key), value, ttl).Err()
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	if r.client == nil {
		return fmt.Errorf("registry cache: not connected")
	}
	return r.client.Del(ctx, r.prefixed(key)).Err()
}

func (r *RedisCache) prefixed(key string) string {
	return r.cfg.Prefix + key
}
