package selector

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// metricKeyPrefix is where the ingestion side publishes each endpoint's
// latest metric timestamp (epoch seconds).
const metricKeyPrefix = "eliot:lastmetric:"

// RedisMetrics reads per-UUID last-metric timestamps from Redis.
type RedisMetrics struct {
	rdb redis.UniversalClient
}

// NewRedisMetrics creates a metrics reader over an existing connection.
func NewRedisMetrics(rdb redis.UniversalClient) *RedisMetrics {
	return &RedisMetrics{rdb: rdb}
}

func (m *RedisMetrics) LastMetric(ctx context.Context, uuid string) (time.Time, bool, error) {
	val, err := m.rdb.Get(ctx, metricKeyPrefix+uuid).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("metrics: last metric %s: %w", uuid, err)
	}
	epoch, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("metrics: last metric %s: bad value %q", uuid, val)
	}
	return time.Unix(epoch, 0), true, nil
}

var _ MetricsReader = (*RedisMetrics)(nil)
