package auth

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedis connects to MARKETGATE_TEST_REDIS_ADDR or skips.
func newTestRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	addr := os.Getenv("MARKETGATE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MARKETGATE_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestRedisKeyCacheRoundTrip(t *testing.T) {
	client := newTestRedis(t)
	prefix := "marketgate:test:" + t.Name() + ":"
	cache := NewRedisKeyCache(client, prefix)
	ctx := context.Background()
	t.Cleanup(func() { client.Del(context.Background(), prefix+cacheName) })

	_, _, err := cache.Get(ctx, cacheName)
	assert.ErrorIs(t, err, ErrCacheMiss)

	expiresAt := time.Now().Add(time.Hour)
	require.NoError(t, cache.Set(ctx, cacheName, "approval-xyz", expiresAt))

	value, got, err := cache.Get(ctx, cacheName)
	require.NoError(t, err)
	assert.Equal(t, "approval-xyz", value)
	assert.WithinDuration(t, expiresAt, got, 2*time.Second)
}

func TestRedisKeyCacheIgnoresExpiredSet(t *testing.T) {
	client := newTestRedis(t)
	prefix := "marketgate:test:" + t.Name() + ":"
	cache := NewRedisKeyCache(client, prefix)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, cacheName, "stale", time.Now().Add(-time.Minute)))
	_, _, err := cache.Get(ctx, cacheName)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisKeyCacheUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	_, _, err := NewRedisKeyCache(client, "marketgate:token:").Get(context.Background(), cacheName)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCacheMiss)
}
