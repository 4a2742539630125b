package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisCacheWithClient(RedisCacheConfig{Prefix: "exthost:"}, client)
	t.Cleanup(func() { cache.Close() })
	return cache, mr
}

func TestRedisCacheSetGetDelete(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestRedisCache(t)

	if err := cache.Set(ctx, "module:a:t1", `{"module_id":"a"}`, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := cache.Get(ctx, "module:a:t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != `{"module_id":"a"}` {
		t.Errorf("unexpected value: %q", got)
	}

	if err := cache.Delete(ctx, "module:a:t1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := cache.Get(ctx, "module:a:t1"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expected ErrCacheMiss after delete, got %v", err)
	}
}

func TestRedisCacheMissMapsRedisNil(t *testing.T) {
	cache, _ := newTestRedisCache(t)

	_, err := cache.Get(context.Background(), "absent")
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expected ErrCacheMiss, got %v", err)
	}
}

func TestRedisCacheKeyPrefix(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestRedisCache(t)

	if err := cache.Set(ctx, "module:a:t1", "v", time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !mr.Exists("exthost:module:a:t1") {
		t.Error("expected key to be stored under the configured prefix")
	}
}

func TestRedisCacheTTLExpiry(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestRedisCache(t)

	if err := cache.Set(ctx, "module:a:t1", "v", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	if _, err := cache.Get(ctx, "module:a:t1"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expected ErrCacheMiss after TTL, got %v", err)
	}
}

func TestRedisCacheConnect(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := NewRedisCache(RedisCacheConfig{Address: mr.Addr()})

	if err := cache.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	if err := cache.Set(context.Background(), "k", "v", 0); err != nil {
		t.Errorf("Set after Connect: %v", err)
	}
}
