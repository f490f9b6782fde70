package redis_repository

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const catalogKeyPrefix = "dashforge:catalog:"

// redisCatalogRepository caches API catalog text in Redis string keys
type redisCatalogRepository struct {
	client redis.Cmdable
}

func (r redisCatalogRepository) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, catalogKeyPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return val, true, nil
}

func (r redisCatalogRepository) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, catalogKeyPrefix+key, value, ttl).Err()
}

func NewRedisCatalogRepository(client redis.Cmdable) *redisCatalogRepository {
	return &redisCatalogRepository{
		client: client,
	}
}
