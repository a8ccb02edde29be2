package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisFixedWindowScript implements the fixed-window counter atomically:
// KEYS[1] = bucket key, ARGV[1] = limit, ARGV[2] = window seconds,
// ARGV[3] = cost. Grounded on the retrieval pack's Redis Lua token
// bucket pattern (atomic HMGET/compute/HMSET/EXPIRE under one script),
// applied here to a fixed-window counter.
var redisFixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])

local count = tonumber(redis.call("GET", key)) or 0
if count + cost > limit then
	local ttl = redis.call("PTTL", key)
	if ttl < 0 then ttl = window * 1000 end
	return {0, count, ttl}
end

count = count + cost
if count == cost then
	redis.call("SET", key, count, "PX", window * 1000)
else
	redis.call("SET", key, count, "KEEPTTL")
end
local ttl = redis.call("PTTL", key)
return {1, count, ttl}
`)

// redisTokenBucketScript mirrors the retrieval pack's token bucket
// script: continuous refill at limit/window tokens per second, capped at
// burst, consuming cost tokens per call.
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
	tokens = capacity
	last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
	tokens = math.min(capacity, tokens + elapsed * rate)
	last_refill = now
end

local allowed = 0
if tokens >= cost then
	tokens = tokens - cost
	allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 3600)

return {allowed, tokens}
`)

// RedisStore implements Store for fixed-window and token-bucket
// algorithms using atomic Lua scripts, so concurrent proxy instances
// sharing one Redis see a single consistent counter. Sliding-window and
// leaky-bucket callers fall back to the token-bucket script's smoothing
// behavior, since Redis cannot cheaply hold an unbounded timestamp list
// per key at proxy scale.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore builds a Store backed by the given Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Check(ctx context.Context, key string, policy Policy, cost int) (Decision, error) {
	switch policy.Algorithm {
	case AlgorithmTokenBucket, AlgorithmLeakyBucket, AlgorithmSlidingWindow:
		return s.tokenBucket(ctx, key, policy, cost)
	default:
		return s.fixedWindow(ctx, key, policy, cost)
	}
}

func (s *RedisStore) fixedWindow(ctx context.Context, key string, policy Policy, cost int) (Decision, error) {
	res, err := redisFixedWindowScript.Run(ctx, s.client, []string{"ratelimit:" + key},
		policy.Limit, int(policy.Window.Seconds()), cost).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis fixed window: %w", err)
	}

	vals, ok := res.([]any)
	if !ok || len(vals) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected redis script response")
	}
	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	ttlMs, _ := vals[2].(int64)
	resetAfter := time.Duration(ttlMs) * time.Millisecond

	d := Decision{
		Allowed:    allowed == 1,
		Limit:      policy.Limit,
		Remaining:  max0(policy.Limit - int(count)),
		ResetAfter: resetAfter,
	}
	if !d.Allowed {
		d.RetryAfter = resetAfter
	}
	return d, nil
}

func (s *RedisStore) tokenBucket(ctx context.Context, key string, policy Policy, cost int) (Decision, error) {
	capacity := policy.Burst
	if capacity <= 0 {
		capacity = policy.Limit
	}
	rate := float64(policy.Limit) / policy.Window.Seconds()
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, s.client, []string{"ratelimit:" + key},
		rate, capacity, cost, now).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis token bucket: %w", err)
	}

	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected redis script response")
	}
	allowed, _ := vals[0].(int64)
	remaining, _ := toFloat(vals[1])

	d := Decision{
		Allowed:    allowed == 1,
		Limit:      policy.Limit,
		Remaining:  int(remaining),
		ResetAfter: policy.Window,
	}
	if !d.Allowed {
		deficit := float64(cost) - remaining
		d.RetryAfter = time.Duration(deficit/rate*1000) * time.Millisecond
	}
	return d, nil
}

// GC is a no-op for Redis: every key carries its own TTL/EXPIRE set by
// the Lua scripts, so Redis itself reclaims idle state.
func (s *RedisStore) GC(ctx context.Context, olderThan time.Duration) (int, error) {
	return 0, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case string:
		var f float64
		_, err := fmt.Sscanf(n, "%f", &f)
		return f, err == nil
	default:
		return 0, false
	}
}
