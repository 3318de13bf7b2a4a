package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter shares counters across orchestrator replicas. When Redis
// errors it answers from Fallback, or returns ErrUnavailable when Fallback
// is nil.
type RedisLimiter struct {
	Client   redis.Scripter
	Prefix   string
	Timeout  time.Duration
	Fallback Limiter
	Logf     func(format string, args ...any)
	now      func() time.Time
}

func NewRedis(client redis.Scripter) *RedisLimiter {
	return &RedisLimiter{
		Client:   client,
		Prefix:   "rl:",
		Timeout:  2 * time.Second,
		Fallback: NewInMemory(),
		now:      time.Now,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, rule Rule) (Decision, error) {
	rule = rule.normalized()
	if l.Client == nil {
		return l.fallback(ctx, key, rule, fmt.Errorf("no redis client"))
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	vals, err := rateLimitScript.Run(runCtx, l.Client, []string{l.Prefix + key}, rule.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return l.fallback(ctx, key, rule, err)
	}
	if len(vals) < 2 {
		return l.fallback(ctx, key, rule, fmt.Errorf("unexpected script reply %v", vals))
	}
	ttl := time.Duration(vals[1]) * time.Millisecond
	if ttl < 0 {
		ttl = rule.Window
	}
	now := time.Now
	if l.now != nil {
		now = l.now
	}
	return decide(rule, int(vals[0]), now().UTC().Add(ttl)), nil
}

func (l *RedisLimiter) fallback(ctx context.Context, key string, rule Rule, cause error) (Decision, error) {
	if l.Logf != nil {
		l.Logf("ratelimit redis unavailable rule=%s err=%v", rule.Name, cause)
	}
	if l.Fallback == nil {
		return Decision{Rule: rule.Name}, fmt.Errorf("%w: %v", ErrUnavailable, cause)
	}
	return l.Fallback.Allow(ctx, key, rule)
}
