// Package ratelimit protects the submission API with a Redis-backed token
// bucket keyed per user. State lives in Redis so multiple service replicas
// share one budget.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Bucket is a per-key token bucket. Capacity is the burst size; Refill is
// tokens added per second.
type Bucket struct {
	client   *redis.Client
	capacity int
	refill   float64
	ttl      time.Duration
}

// NewBucket constructs a bucket. The TTL bounds how long idle per-key state
// survives in Redis.
func NewBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *Bucket {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// AllowUser consumes one token for the user, if available.
func (b *Bucket) AllowUser(ctx context.Context, userID string) (bool, error) {
	return b.allow(ctx, "ratelimit:submit:"+userID)
}

func (b *Bucket) allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{key},
		b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("run bucket script: %w", err)
	}
	allowed, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected type from bucket script: %T", res)
	}
	return allowed == 1, nil
}

// The script refills lazily from the elapsed time since the last call, so
// no background ticker is needed.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

tokens = math.min(capacity, tokens + math.max(0, now - last) / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return allowed
`)
