package httpapi

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"call-signaling/pkg/utils"
)

// RedisRateLimiter caps call placements per caller over a fixed window,
// shared across replicas through redis.
type RedisRateLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

func NewRedisRateLimiter(rdb *redis.Client, limit int, window time.Duration) *RedisRateLimiter {
	if limit <= 0 {
		limit = 15
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RedisRateLimiter{rdb: rdb, limit: limit, window: window}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	return utils.AllowRate(ctx, r.rdb, "callrate:"+userID, r.limit, r.window)
}
