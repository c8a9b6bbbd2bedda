package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-task-scheduler/internal/ratelimit"
)

func rateLimitKey(actionID string) string { return "ratelimit:action:" + actionID }

// RateLimiter caps attempts per action across every scheduler instance
// sharing the same Redis, using a sliding-window count.
type RateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter returns a Redis-backed sliding-window rate limiter.
// limit is the maximum number of attempts allowed per window for an action.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, limit: limit, window: window, now: time.Now}
}

var _ ratelimit.Limiter = (*RateLimiter)(nil)

func (r *RateLimiter) Limit() int { return r.limit }

// Allow returns true when the attempt is within the allowed rate. A denied
// attempt is not counted against the window.
func (r *RateLimiter) Allow(ctx context.Context, actionID string) (bool, error) {
	now := r.now().UnixNano()
	windowStart := now - r.window.Nanoseconds()
	rkey := rateLimitKey(actionID)
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()

	pipe := r.client.TxPipeline()
	// Evict timestamps that fell outside the window.
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(windowStart, 10))
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(now), Member: member})
	countCmd := pipe.ZCard(ctx, rkey)
	// Keep the key alive for at least one more window.
	pipe.Expire(ctx, rkey, r.window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limiter pipeline for %q: %w", actionID, err)
	}

	if countCmd.Val() > int64(r.limit) {
		if err := r.client.ZRem(ctx, rkey, member).Err(); err != nil {
			return false, fmt.Errorf("rate limiter release for %q: %w", actionID, err)
		}
		return false, nil
	}
	return true, nil
}
