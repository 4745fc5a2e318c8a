// Package ratelimit throttles the anonymous endpoints (login request,
// attendance self-sign) with a redis fixed window per caller key.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Limiter struct {
	rdb    *redis.Client
	max    int
	window time.Duration
}

// NewLimiter returns a limiter over the given client; a nil client
// disables limiting, mirroring how redis is optional elsewhere.
func NewLimiter(rdb *redis.Client, max int, window time.Duration) *Limiter {
	return &Limiter{rdb: rdb, max: max, window: window}
}

// Allow counts one hit for the key and reports whether it is within the
// window budget. Redis failures fail open: the anonymous endpoints must
// not go down with the cache.
func (l *Limiter) Allow(ctx context.Context, bucket, key string) bool {
	if l == nil || l.rdb == nil || l.max <= 0 {
		return true
	}
	redisKey := fmt.Sprintf("ratelimit:%s:%s", bucket, key)
	count, err := l.rdb.Incr(ctx, redisKey).Result()
	if err != nil {
		return true
	}
	if count == 1 {
		_ = l.rdb.Expire(ctx, redisKey, l.window).Err()
	}
	return count <= int64(l.max)
}
