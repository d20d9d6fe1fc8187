package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type redisKV struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisKV stores keys as plain Redis strings named "<prefix>:<key>".
func NewRedisKV(rdb *redis.Client, prefix string) KV {
	return &redisKV{rdb: rdb, prefix: prefix}
}

func (r *redisKV) key(key string) string {
	if r.prefix == "" {
		return key
	}
	return fmt.Sprintf("%s:%s", r.prefix, key)
}

func (r *redisKV) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return value, nil
}

func (r *redisKV) Set(ctx context.Context, key string, value []byte) error {
	return r.rdb.Set(ctx, r.key(key), value, 0).Err()
}

func (r *redisKV) Close() error {
	return r.rdb.Close()
}
