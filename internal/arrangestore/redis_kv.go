package arrangestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOperationTimeout = 5 * time.Second

type RedisKVBackend struct {
	client *redis.Client
}

func NewRedisKVBackend(dsn string) (KVBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}
	return &RedisKVBackend{client: redis.NewClient(opts)}, nil
}

func (b *RedisKVBackend) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()
	value, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

func (b *RedisKVBackend) Put(ctx context.Context, key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	ctx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()
	return b.client.Set(ctx, key, string(value), 0).Err()
}

// PutBatch uses MSET so multi-scope updates are one round trip.
func (b *RedisKVBackend) PutBatch(ctx context.Context, items map[string][]byte) error {
	if len(items) == 0 {
		return nil
	}
	pairs := make([]any, 0, len(items)*2)
	for key, value := range items {
		if strings.TrimSpace(key) == "" {
			return ErrInvalidInput
		}
		pairs = append(pairs, key, string(value))
	}
	ctx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()
	return b.client.MSet(ctx, pairs...).Err()
}

func (b *RedisKVBackend) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()

	keys := make([]string, 0)
	iter := b.client.Scan(ctx, 0, escapeRedisMatch(prefix)+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	out := map[string][]byte{}
	if len(keys) == 0 {
		return out, nil
	}
	values, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, raw := range values {
		value, ok := raw.(string)
		if !ok {
			continue
		}
		out[keys[i]] = []byte(value)
	}
	return out, nil
}

func (b *RedisKVBackend) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

func escapeRedisMatch(prefix string) string {
	replacer := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`, `\`, `\\`)
	return replacer.Replace(prefix)
}
