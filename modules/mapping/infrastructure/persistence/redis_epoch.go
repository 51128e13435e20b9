package persistence

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

const defaultEpochKey = "finmap:cascade:epoch"

// RedisEpoch shares the cascade invalidation counter between processes.
type RedisEpoch struct {
	redis redis.Cmdable
	key   string
}

func NewRedisEpoch(client redis.Cmdable, key string) *RedisEpoch {
	if key == "" {
		key = defaultEpochKey
	}
	return &RedisEpoch{redis: client, key: key}
}

// Current returns the epoch, or "" when nobody has bumped it yet.
func (e *RedisEpoch) Current(ctx context.Context) (string, error) {
	v, err := e.redis.Get(ctx, e.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (e *RedisEpoch) Bump(ctx context.Context) error {
	return e.redis.Incr(ctx, e.key).Err()
}
