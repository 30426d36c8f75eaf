package limiter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a fixed-window limiter shared by every replica.
type Redis struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewRedis constructs a Redis-backed limiter allowing limit requests per window.
func NewRedis(client *redis.Client, prefix string, limit int, window time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, limit: int64(limit), window: window, now: time.Now}
}

// Allow increments the key's counter for the current window.
func (l *Redis) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := l.now()
	start := windowStart(now, l.window)
	k := l.prefix + key + ":" + strconv.FormatInt(start.Unix(), 10)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.PExpire(ctx, k, l.window)
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("limiter: redis: %w", err)
	}
	if incr.Val() > l.limit {
		return false, retryAfter(start, l.window, now), nil
	}
	return true, 0, nil
}
