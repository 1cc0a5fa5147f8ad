package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/kabar/internal/metrics"
)

type RateLimitConfig struct {
	Limit  int           // Maximum requests allowed
	Window time.Duration // Time window for the limit
}

type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter implements a sliding window over a Redis sorted set.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// Limit is the configured number of requests per window.
func (r *RateLimiter) Limit() int {
	return r.config.Limit
}

func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN checks whether n more requests fit in the window and records them if so.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := r.now()
	windowStart := now.Add(-r.config.Window)
	resetAt := now.Add(r.config.Window)

	redisKey := fmt.Sprintf("ratelimit:%s", key)

	pipe := r.client.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, redisKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	currentCount := int(countCmd.Val())
	remaining := r.config.Limit - currentCount

	if currentCount+n > r.config.Limit {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("current", currentCount),
			zap.Int("limit", r.config.Limit),
		)
		return &RateLimitResult{
			Allowed:   false,
			Remaining: max(0, remaining),
			ResetAt:   resetAt,
		}, nil
	}

	pipe2 := r.client.rdb.Pipeline()
	for i := 0; i < n; i++ {
		score := float64(now.UnixNano()) + float64(i)
		member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())
		pipe2.ZAdd(ctx, redisKey, redis.Z{Score: score, Member: member})
	}
	pipe2.Expire(ctx, redisKey, r.config.Window+time.Second)

	if _, err := pipe2.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis zadd failed: %w", err)
	}

	return &RateLimitResult{
		Allowed:   true,
		Remaining: remaining - n,
		ResetAt:   resetAt,
	}, nil
}

const (
	FloodLimit  = 20
	FloodWindow = time.Minute
)

// FloodGuard caps inbound chat messages per sender.
type FloodGuard struct {
	limiter *RateLimiter
	logger  *zap.Logger
}

// NewFloodGuard allows FloodLimit messages per FloodWindow per sender.
func NewFloodGuard(client *Client, logger *zap.Logger) *FloodGuard {
	return &FloodGuard{
		limiter: NewRateLimiter(client, logger, RateLimitConfig{Limit: FloodLimit, Window: FloodWindow}),
		logger:  logger,
	}
}

// Allow reports whether sender may be processed. Redis errors let the
// message through; a flood guard outage must not silence the bot.
func (g *FloodGuard) Allow(ctx context.Context, sender string) bool {
	res, err := g.limiter.Allow(ctx, "flood:"+sender)
	if err != nil {
		g.logger.Warn("flood guard unavailable", zap.Error(err))
		return true
	}
	if !res.Allowed {
		metrics.RecordRateLimitRejection("inbound")
	}
	return res.Allowed
}
