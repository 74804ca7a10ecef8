// Package ratelimit throttles proposals per user with a Redis token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket is a distributed token bucket shared by every API replica.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// Decision is the result of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// NewTokenBucket builds a bucket. Keys idle for ttl are dropped by Redis.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   "rl:proposals:",
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// WithClock replaces the time source. The script takes time as an argument,
// so a fake clock also drives refill.
func (b *TokenBucket) WithClock(now func() time.Time) *TokenBucket {
	b.now = now
	return b
}

// Allow consumes one token from userID's bucket if one is available.
func (b *TokenBucket) Allow(ctx context.Context, userID string) (Decision, error) {
	vals, err := bucketScript.Run(ctx, b.client, []string{b.prefix + userID},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", userID, err)
	}
	if len(vals) < 3 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected reply %v", userID, vals)
	}
	return Decision{
		Allowed:    vals[0] == 1,
		Remaining:  int(vals[1]),
		RetryAfter: time.Duration(vals[2]) * time.Millisecond,
	}, nil
}

// Lua numbers are truncated to integers on return, so the script floors the
// token count itself and reports the wait for the next whole token.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
local wait = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
elseif refill > 0 then
  wait = math.ceil((1 - tokens) / refill * 1000)
else
  wait = -1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', tostring(now))
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens), wait}
`)
