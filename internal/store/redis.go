package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/prepsense/demand/internal/api"
)

// RedisStore keeps the latest forecast and accuracy report per key in
// Redis with a TTL, so dashboard reads hit a hot cache instead of the
// engine.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed forecast store.
func NewRedisStore(addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func forecastKey(key api.SeriesKey) string {
	return fmt.Sprintf("forecast:%s", key)
}

func reportKey(key api.SeriesKey) string {
	return fmt.Sprintf("accuracy:%s", key)
}

func (r *RedisStore) SaveForecast(ctx context.Context, result *api.ForecastResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal forecast: %w", err)
	}
	if err := r.client.Set(ctx, forecastKey(result.Key), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}
	return nil
}

func (r *RedisStore) LatestForecast(ctx context.Context, key api.SeriesKey) (*api.ForecastResult, error) {
	data, err := r.client.Get(ctx, forecastKey(key)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}

	var result api.ForecastResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal forecast: %w", err)
	}
	return &result, nil
}

func (r *RedisStore) SaveReport(ctx context.Context, report *api.AccuracyReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := r.client.Set(ctx, reportKey(report.Key), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
