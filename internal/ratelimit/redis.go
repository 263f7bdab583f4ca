package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript evicts, counts and conditionally inserts in one step.
// KEYS[1] window key; ARGV: now(ms), window(ms), max requests, member.
// Returns {allowed, remaining, resetInMs}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  count = count + 1
  allowed = 1
end

local reset_in = 0
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
  reset_in = tonumber(oldest[2]) + window - now
  redis.call('PEXPIRE', key, window)
end

return {allowed, limit - count, reset_in}
`)

// Redis is the shared-store backend. When the store cannot be reached the
// check is answered by the in-process fallback instead of failing the turn.
type Redis struct {
	rdb      redis.Scripter
	config   Config
	prefix   string
	now      Clock
	fallback *Memory

	// OnFallback is called each time a check degrades to the fallback.
	OnFallback func(err error)
}

// NewRedis creates a limiter whose windows live under prefix in rdb.
func NewRedis(rdb redis.Scripter, prefix string, config Config, clock Clock) *Redis {
	config = config.normalized()
	if clock == nil {
		clock = time.Now
	}
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &Redis{
		rdb:      rdb,
		config:   config,
		prefix:   prefix,
		now:      clock,
		fallback: NewMemory(config, clock),
	}
}

func (r *Redis) Check(ctx context.Context, key string) (Result, error) {
	res, err := r.check(ctx, key)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	slog.Warn("rate limiter store unavailable, using in-process fallback", "key", key, "err", err)
	if r.OnFallback != nil {
		r.OnFallback(err)
	}
	return r.fallback.Check(ctx, key)
}

func (r *Redis) check(ctx context.Context, key string) (Result, error) {
	now := r.now()
	nowMs := now.UnixMilli()
	member := fmt.Sprintf("%d-%s", nowMs, ulid.Make().String())

	raw, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{CompositeKey(r.prefix, key)},
		nowMs, r.config.Window.Milliseconds(), r.config.MaxRequests, member,
	).Int64Slice()
	if err != nil {
		return Result{}, err
	}
	if len(raw) != 3 {
		return Result{}, fmt.Errorf("ratelimit: unexpected script reply %v", raw)
	}

	return Result{
		Allowed:   raw[0] == 1,
		Remaining: int(raw[1]),
		ResetIn:   time.Duration(raw[2]) * time.Millisecond,
	}, nil
}
