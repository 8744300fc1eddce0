package actors

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"satchel/engine/library"
)

// RedisStorage is a Storage backed by redis, for wallets that already run one.
type RedisStorage struct {
	client *redis.Client
}

func NewRedisStorage(addr string) *RedisStorage {
	return &RedisStorage{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func NewRedisStorageFromClient(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

func (r *RedisStorage) Get(key string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	val, err := r.client.Get(ctx, "satchel:"+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		library.LogCLI(err.Error(), 2)
		return "", false
	}
	return val, true
}

func (r *RedisStorage) Set(key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.client.Set(ctx, "satchel:"+key, value, 0).Err()
}
