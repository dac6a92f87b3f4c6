// Package ratelimit throttles proxied requests at the gateway edge,
// per agent. This protects the gateway itself from a runaway or
// compromised agent; it is a distinct concern from any rate limiting a
// downstream target enforces on its own API.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// redisTokenBucketScript atomically refills and consumes from a
// per-agent token bucket stored in a Redis hash.
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
redis.call("EXPIRE", key, 60)

return {allowed}
`)

// Limiter decides whether an agent's request may proceed.
type Limiter interface {
	Allow(ctx context.Context, agentID string) (bool, error)
}

// RedisLimiter is a distributed per-agent token bucket, shared across
// every gateway instance.
type RedisLimiter struct {
	client   *redis.Client
	rps      float64
	capacity float64
}

// NewRedisLimiter constructs a RedisLimiter against an already-configured client.
func NewRedisLimiter(client *redis.Client, requestsPerSecond float64, burst int) *RedisLimiter {
	return &RedisLimiter{client: client, rps: requestsPerSecond, capacity: float64(burst)}
}

// Allow consumes one token from agentID's bucket.
func (l *RedisLimiter) Allow(ctx context.Context, agentID string) (bool, error) {
	key := fmt.Sprintf("gaiterguard:ratelimit:%s", agentID)
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, l.client, []string{key}, l.rps, l.capacity, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis script: %w", err)
	}
	results, ok := res.([]any)
	if !ok || len(results) != 1 {
		return false, fmt.Errorf("ratelimit: unexpected script response")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

// LocalLimiter is an in-process per-agent limiter used when Redis is
// not configured, acceptable for a single-instance deployment, but it
// does not coordinate across replicas.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewLocalLimiter constructs a LocalLimiter.
func NewLocalLimiter(requestsPerSecond float64, burst int) *LocalLimiter {
	return &LocalLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

// Allow consumes one token from agentID's in-process bucket, creating
// it on first use.
func (l *LocalLimiter) Allow(ctx context.Context, agentID string) (bool, error) {
	l.mu.Lock()
	lim, ok := l.limiters[agentID]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[agentID] = lim
	}
	l.mu.Unlock()
	return lim.Allow(), nil
}
