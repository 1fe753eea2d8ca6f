package status

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisKV publishes the status feed to Redis.
type RedisKV struct {
	rdb *redis.Client
}

func NewRedisKV(addr, password string, db int) (*RedisKV, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisKV{rdb: rdb}, nil
}

func (kv *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return kv.rdb.Set(ctx, key, value, ttl).Err()
}

func (kv *RedisKV) Close() error {
	return kv.rdb.Close()
}
