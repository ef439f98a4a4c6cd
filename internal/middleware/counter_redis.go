package middleware

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisOpTimeout is 250ms: a slow limiter store must not add visible latency
// to admitted requests.
const redisOpTimeout = 250 * time.Millisecond

// RedisCounter implements CounterStore on a shared Redis instance so the
// per-client limit holds across worker processes, not per process.
type RedisCounter struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisCounter(rdb *redis.Client, prefix string) *RedisCounter {
	prefix = strings.Trim(prefix, ":")
	if prefix == "" {
		prefix = "prefork:ratelimit"
	}
	return &RedisCounter{rdb: rdb, prefix: prefix}
}

// Incr bumps the fixed-window counter for key and returns the new count.
// The window TTL is set when the counter is created.
func (c *RedisCounter) Incr(key string, window time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	bucket := time.Now().Unix() / int64(window.Seconds())
	redisKey := fmt.Sprintf("%s:%s:%d", c.prefix, key, bucket)

	pipe := c.rdb.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("bump rate counter: %w", err)
	}
	return incr.Val(), nil
}
