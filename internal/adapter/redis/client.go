package redis

import (
	"context"
	"fmt"

	"github.com/pscheid92/configserver/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
)

// NewClient connects to Redis from a URL (e.g., "redis://localhost:6379"),
// installs the metrics and circuit breaker hooks and verifies the connection.
// m may be nil.
func NewClient(ctx context.Context, redisURL string, m *metrics.StoreMetrics) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := goredis.NewClient(opts)
	rdb.AddHook(NewMetricsHook(m))
	rdb.AddHook(NewCircuitBreakerHook(m))

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}
