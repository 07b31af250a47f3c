package envsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/d-kuro/episodepilot/pkg/constants"
)

// redisKV is the subset of redis.Cmdable the syncer uses.
type redisKV interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisSyncer stores variables as plain string keys.
type RedisSyncer struct {
	client redisKV
	prefix string
}

// NewRedisSyncer connects to the server at url (redis://...).
func NewRedisSyncer(url, prefix string) (*RedisSyncer, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	return NewRedisSyncerWithClient(client, prefix), client, nil
}

// NewRedisSyncerWithClient wraps an existing client.
func NewRedisSyncerWithClient(client redisKV, prefix string) *RedisSyncer {
	if prefix == "" {
		prefix = constants.DefaultRedisKeyPrefix
	}
	return &RedisSyncer{client: client, prefix: prefix}
}

// Name implements Syncer.
func (r *RedisSyncer) Name() string { return "redis" }

// Sync implements Syncer.
func (r *RedisSyncer) Sync(ctx context.Context, name, value string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.prefix+name, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", r.prefix+name, err)
	}
	return nil
}

// Lookup implements Lookuper.
func (r *RedisSyncer) Lookup(ctx context.Context, name string) (string, error) {
	v, err := r.client.Get(ctx, r.prefix+name).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %s: %w", r.prefix+name, err)
	}
	return v, nil
}
