package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Hits are stored in a sorted set scored by unix millis. The script returns
// {allowed, remaining, oldest_hit_ms}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window_ms)

local count = redis.call("ZCARD", key)
local allowed = 0
if count < limit then
	redis.call("ZADD", key, now, member)
	redis.call("PEXPIRE", key, window_ms)
	count = count + 1
	allowed = 1
end

local oldest = now
local first = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
if first[2] then
	oldest = tonumber(first[2])
end

return {allowed, limit - count, oldest}
`)

type RateLimitResult struct {
	Allowed   bool
	Remaining int64
	// ResetAt is when the oldest hit leaves the window and a slot frees up.
	ResetAt time.Time
}

// CheckRateLimit counts one hit against key in a sliding window of the given
// length. Rejected hits are not recorded.
func (c *Client) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (*RateLimitResult, error) {
	now := time.Now()

	res, err := slidingWindowScript.Run(ctx, c.rdb, []string{c.key("ratelimit", key)},
		now.UnixMilli(),
		window.Milliseconds(),
		limit,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return nil, err
	}

	remaining := res[1]
	if remaining < 0 {
		remaining = 0
	}

	return &RateLimitResult{
		Allowed:   res[0] == 1,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(res[2]).Add(window),
	}, nil
}
