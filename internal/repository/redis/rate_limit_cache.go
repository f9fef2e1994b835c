package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"rada-service/internal/bucketing"
	"rada-service/internal/client"
	"rada-service/internal/util"
)

const (
	chatRateLimitPrefix = "rate_limit:chat:"
	// Counters spread over this many hash-tagged slot groups.
	chatRateLimitBuckets = 64
)

// RateLimitCache is a fixed-window per-user counter for inbound chat updates.
type RateLimitCache struct {
	client  *client.RedisClient
	buckets *bucketing.BucketingManager
	limit   int
	window  time.Duration
	now     func() time.Time
}

func NewRateLimitCache(c *client.RedisClient, limit int, window time.Duration, opts ...Option) *RateLimitCache {
	o := buildOptions(opts)
	return &RateLimitCache{
		client:  c,
		buckets: bucketing.NewBucketingManager(chatRateLimitBuckets),
		limit:   limit,
		window:  window,
		now:     o.now,
	}
}

// Allow counts one update and reports whether the user is within the limit.
func (c *RateLimitCache) Allow(ctx context.Context, userID int64) (bool, error) {
	if c.limit <= 0 {
		return true, nil
	}
	key := c.key(userID)
	count, err := c.client.IncrWithExpire(ctx, key, c.window)
	if err != nil {
		util.Error("Failed to increment rate limit counter", util.UserID(userID), zap.Error(err))
		return false, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}
	if count > int64(c.limit) {
		util.Debug("Chat rate limit exceeded", util.UserID(userID), zap.Int64("count", count))
		return false, nil
	}
	return true, nil
}

// key is rate_limit:chat:{bucket}:user:window. The braces keep one user's
// counters in a single cluster slot.
func (c *RateLimitCache) key(userID int64) string {
	window := c.buckets.GetTimeBucket(c.now(), c.window)
	return chatRateLimitPrefix +
		"{" + strconv.Itoa(c.buckets.GetUserBucket(userID)) + "}:" +
		strconv.FormatInt(userID, 10) + ":" +
		strconv.FormatInt(window, 10)
}
