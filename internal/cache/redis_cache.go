package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"ceylontea/backend/internal/domain"
)

const generationKey = "report:generation"

type RedisReportCache struct {
	client *redis.Client
}

func NewRedisReportCache(addr string, password string, db int) *RedisReportCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisReportCache{client: client}
}

func (c *RedisReportCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisReportCache) Close() error {
	return c.client.Close()
}

func (c *RedisReportCache) Get(ctx context.Context, key string) (*domain.Report, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var report domain.Report
	if err := json.Unmarshal(val, &report); err != nil {
		return nil, false, err
	}
	return &report, true, nil
}

func (c *RedisReportCache) Set(ctx context.Context, key string, value *domain.Report, ttl time.Duration) error {
	if value == nil || ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

func (c *RedisReportCache) Generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *RedisReportCache) Invalidate(ctx context.Context) error {
	return c.client.Incr(ctx, generationKey).Err()
}
