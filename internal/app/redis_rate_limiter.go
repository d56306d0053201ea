package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Fixed window counter: the first hit in a window sets its expiry. Returns {count, ttl_ms}.
var operationRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RateLimitDecision is the outcome of counting one operation against its window.
type RateLimitDecision struct {
	Allowed           bool
	Count             int
	Limit             int
	RetryAfterSeconds int
}

// RateLimiter counts operations per (scope, subject) within a window.
type RateLimiter interface {
	Consume(ctx context.Context, scope, subject string, limit int, window time.Duration) (RateLimitDecision, error)
}

// RedisOperationRateLimiter shares its counters between every replica through Redis.
type RedisOperationRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisOperationRateLimiter(client redis.UniversalClient, prefix string) *RedisOperationRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "ajo:rate_limit"
	}
	return &RedisOperationRateLimiter{client: client, prefix: prefix}
}

func (r *RedisOperationRateLimiter) key(scope, subject string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)
}

// Consume records one hit. A disabled limiter, a non-positive limit or an empty subject
// always allows.
func (r *RedisOperationRateLimiter) Consume(ctx context.Context, scope, subject string, limit int, window time.Duration) (RateLimitDecision, error) {
	allow := RateLimitDecision{Allowed: true, Limit: limit}
	scope, subject = strings.TrimSpace(scope), strings.TrimSpace(subject)
	if r == nil || r.client == nil || limit <= 0 || window <= 0 || scope == "" || subject == "" {
		return allow, nil
	}

	windowMs := max(window.Milliseconds(), 1000)
	raw, err := operationRateLimitScript.Run(ctx, r.client, []string{r.key(scope, subject)}, windowMs).Result()
	if err != nil {
		return allow, err
	}

	count, ttlMs, err := parseLimiterReply(raw)
	if err != nil {
		return allow, err
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	return RateLimitDecision{
		Allowed:           count <= int64(limit),
		Count:             int(count),
		Limit:             limit,
		RetryAfterSeconds: max(int(math.Ceil(float64(ttlMs)/1000.0)), 1),
	}, nil
}

func parseLimiterReply(raw interface{}) (count, ttlMs int64, err error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	if count, ok = values[0].(int64); !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	if ttlMs, ok = values[1].(int64); !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	return count, ttlMs, nil
}
