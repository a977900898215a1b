package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrCacheMiss = errors.New("auth: cache miss")

// KeyCache persists issued keys across restarts so a process does not burn
// a fresh approval key on every boot.
type KeyCache interface {
	Get(ctx context.Context, name string) (value string, expiresAt time.Time, err error)
	Set(ctx context.Context, name, value string, expiresAt time.Time) error
}

// RedisKeyCache stores keys as plain Redis strings with a matching TTL.
type RedisKeyCache struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisKeyCache stores keys under prefix+name.
func NewRedisKeyCache(client redis.UniversalClient, prefix string) *RedisKeyCache {
	return &RedisKeyCache{client: client, prefix: prefix, now: time.Now}
}

func (c *RedisKeyCache) Get(ctx context.Context, name string) (string, time.Time, error) {
	key := c.prefix + name

	pipe := c.client.Pipeline()
	get := pipe.Get(ctx, key)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return "", time.Time{}, fmt.Errorf("auth: redis get %s: %w", key, err)
	}

	value, err := get.Result()
	if errors.Is(err, redis.Nil) {
		return "", time.Time{}, ErrCacheMiss
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: redis get %s: %w", key, err)
	}

	// A key without expiry is not trusted: the provider always expires it.
	d, err := ttl.Result()
	if err != nil || d <= 0 {
		return "", time.Time{}, ErrCacheMiss
	}
	return value, c.now().Add(d), nil
}

func (c *RedisKeyCache) Set(ctx context.Context, name, value string, expiresAt time.Time) error {
	key := c.prefix + name
	ttl := expiresAt.Sub(c.now())
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("auth: redis set %s: %w", key, err)
	}
	return nil
}
