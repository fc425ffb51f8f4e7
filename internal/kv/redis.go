package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"wayfarer/internal/services"
)

const redisScanCount = 200

// Redis is a Store backed by a Redis server. TTLs are enforced by Redis.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// OpenRedis parses a redis:// URL, connects, and verifies the server responds.
func OpenRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "kv", "parse redis url", "", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, services.Wrap(services.ErrPersistence, "kv", "ping redis", opts.Addr, err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, redisErr("get", err)
	}
	return value, nil
}

func (r *Redis) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return redisErr("set", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return redisErr("delete", err)
	}
	return nil
}

func (r *Redis) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	iter := r.client.Scan(ctx, 0, escapeGlob(prefix)+"*", redisScanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, redisErr("scan", err)
	}
	return keys, nil
}

func (r *Redis) SetAdd(ctx context.Context, set string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := r.client.SAdd(ctx, set, toAny(members)...).Err(); err != nil {
		return redisErr("sadd", err)
	}
	return nil
}

func (r *Redis) SetRemove(ctx context.Context, set string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := r.client.SRem(ctx, set, toAny(members)...).Err(); err != nil {
		return redisErr("srem", err)
	}
	return nil
}

func (r *Redis) SetMembers(ctx context.Context, set string) ([]string, error) {
	members, err := r.client.SMembers(ctx, set).Result()
	if err != nil {
		return nil, redisErr("smembers", err)
	}
	return members, nil
}

// Purge is a no-op: Redis expires keys itself.
func (r *Redis) Purge(context.Context) (int, error) { return 0, nil }

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return redisErr("ping", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func redisErr(operation string, err error) error {
	return services.Wrap(services.ErrPersistence, "kv", fmt.Sprintf("redis %s", operation), "", err)
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func escapeGlob(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
