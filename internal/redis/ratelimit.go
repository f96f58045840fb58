package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/ratelimit"
)

// slidingWindowScript prunes history outside the policy horizon and evaluates
// the spacing and window constraints. When both pass and reserve is 1 it
// records a send at now. Scores are unix milliseconds. Returns the wait in
// milliseconds.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local spacing = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local window = tonumber(ARGV[4])
local member = ARGV[5]
local ttl = tonumber(ARGV[6])
local reserve = tonumber(ARGV[7])

local horizon = spacing
if limit > 0 and window > horizon then
    horizon = window
end
redis.call("ZREMRANGEBYSCORE", key, "-inf", now - horizon)

local wait = 0
if spacing > 0 then
    local last = redis.call("ZREVRANGE", key, 0, 0, "WITHSCORES")
    if #last > 0 then
        local d = tonumber(last[2]) + spacing - now
        if d > wait then
            wait = d
        end
    end
end

if limit > 0 and window > 0 then
    local inWindow = redis.call("ZCOUNT", key, "(" .. (now - window), "+inf")
    if inWindow >= limit then
        local nth = redis.call("ZREVRANGE", key, limit - 1, limit - 1, "WITHSCORES")
        local d = tonumber(nth[2]) + window - now
        if d > wait then
            wait = d
        end
    end
end

if wait > 0 or reserve == 0 then
    return wait
end

redis.call("ZADD", key, now, member)
redis.call("PEXPIRE", key, ttl)
return 0
`

// RateLimiter implements ratelimit.Limiter on Redis sorted sets so that the
// send history of a campaign survives worker restarts and is shared by every
// replica. It is also used for per-tenant API request limits.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	script *redis.Script
	prefix string
	now    func() time.Time
}

// NewRateLimiter creates a limiter whose keys live under prefix. now may be nil.
func NewRateLimiter(client *Client, logger *zap.Logger, prefix string, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		client: client,
		logger: logger,
		script: redis.NewScript(slidingWindowScript),
		prefix: prefix,
		now:    now,
	}
}

func (r *RateLimiter) key(key string) string {
	return r.client.Key("ratelimit", r.prefix, key)
}

// Acquire implements ratelimit.Limiter.
func (r *RateLimiter) Acquire(ctx context.Context, key string, p ratelimit.Policy) (time.Duration, error) {
	return r.run(ctx, key, p, true)
}

// Check implements ratelimit.Limiter.
func (r *RateLimiter) Check(ctx context.Context, key string, p ratelimit.Policy) (time.Duration, error) {
	return r.run(ctx, key, p, false)
}

func (r *RateLimiter) run(ctx context.Context, key string, p ratelimit.Policy, reserve bool) (time.Duration, error) {
	if p.Unlimited() {
		return 0, nil
	}

	now := r.now().UnixMilli()
	ttl := p.Horizon() + time.Second

	waitMs, err := r.script.Run(ctx, r.client.rdb,
		[]string{r.key(key)},
		now,
		p.MinSpacing.Milliseconds(),
		p.Limit,
		p.Window.Milliseconds(),
		fmt.Sprintf("%d-%s", now, uuid.NewString()),
		ttl.Milliseconds(),
		reserveFlag(reserve),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis rate limit script failed: %w", err)
	}

	if waitMs > 0 {
		r.logger.Debug("rate limit wait",
			zap.String("key", key),
			zap.Int64("wait_ms", waitMs),
		)
	}

	return time.Duration(waitMs) * time.Millisecond, nil
}

// Record implements ratelimit.Limiter.
func (r *RateLimiter) Record(ctx context.Context, key string, p ratelimit.Policy, at time.Time) error {
	if p.Unlimited() {
		return nil
	}

	redisKey := r.key(key)
	pipe := r.client.rdb.Pipeline()
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: fmt.Sprintf("%d-%s", at.UnixMilli(), uuid.NewString()),
	})
	pipe.PExpire(ctx, redisKey, p.Horizon()+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis record failed: %w", err)
	}
	return nil
}

func reserveFlag(reserve bool) int {
	if reserve {
		return 1
	}
	return 0
}

// Seed implements ratelimit.Limiter. History is only loaded into an empty key;
// an existing window already reflects those sends.
func (r *RateLimiter) Seed(ctx context.Context, key string, p ratelimit.Policy, sends []time.Time) error {
	if len(sends) == 0 || p.Unlimited() {
		return nil
	}

	redisKey := r.key(key)
	exists, err := r.client.rdb.Exists(ctx, redisKey).Result()
	if err != nil {
		return fmt.Errorf("redis exists failed: %w", err)
	}
	if exists > 0 {
		return nil
	}

	members := make([]redis.Z, 0, len(sends))
	for i, at := range sends {
		members = append(members, redis.Z{
			Score:  float64(at.UnixMilli()),
			Member: fmt.Sprintf("seed-%d-%d", at.UnixMilli(), i),
		})
	}

	pipe := r.client.rdb.Pipeline()
	pipe.ZAdd(ctx, redisKey, members...)
	pipe.PExpire(ctx, redisKey, p.Horizon()+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis seed failed: %w", err)
	}
	return nil
}

// Reset implements ratelimit.Limiter.
func (r *RateLimiter) Reset(ctx context.Context, key string) error {
	if err := r.client.rdb.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
