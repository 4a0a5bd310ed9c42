package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a sliding-window limiter over a Redis sorted set per user,
// scored by request time.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	cfg    Config
	now    func() time.Time
}

// NewRedisLimiter creates a limiter on client. prefix is prepended to every
// key, matching the store's key prefix.
func NewRedisLimiter(client *redis.Client, prefix string, cfg Config) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, cfg: cfg.withDefaults(), now: time.Now}
}

func seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Allow implements Limiter. Expired entries are trimmed, the remainder
// counted, and the request recorded only when it is under the limit.
func (r *RedisLimiter) Allow(ctx context.Context, userID string) (Decision, error) {
	now := r.now()
	key := r.prefix + RequestsKey(userID)
	windowStart := strconv.FormatFloat(seconds(now.Add(-r.cfg.Window)), 'f', 6, 64)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", windowStart)
	count := pipe.ZCard(ctx, key)
	oldest := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limit check: %w", err)
	}

	if n := int(count.Val()); n >= r.cfg.Limit {
		retry := r.cfg.Window
		if z := oldest.Val(); len(z) > 0 {
			expires := time.Unix(0, int64(z[0].Score*float64(time.Second))).Add(r.cfg.Window)
			retry = expires.Sub(now)
		}
		return Decision{Allowed: false, RetryAfter: retry}, nil
	}

	pipe = r.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: seconds(now), Member: uuid.NewString()})
	pipe.Expire(ctx, key, r.cfg.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limit record: %w", err)
	}
	return Decision{Allowed: true, Remaining: r.cfg.Limit - int(count.Val()) - 1}, nil
}
