// Package ratelimit implements the Rate Limiter (C12): a fixed-window
// counter keyed by (principal, category), atomic via a server-side Lua
// script over Redis. The window starts at a key's first hit and resets
// when it expires; it does not slide, so up to twice the limit can pass
// across a window boundary. It generalizes the teacher's in-memory
// http/middlewares.RateLimiter fixed-window bucket into a
// process-shared, provider-tiered limiter usable both at the API edge
// and by outbound executors.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementIfWithinLimit returns {allowed, remaining, ttl_seconds} for
// the bucket KEYS[1], resetting its TTL only on the first hit of a fresh
// window so the window length stays fixed once started.
const incrementIfWithinLimitScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("EXPIRE", KEYS[1], ARGV[2])
end
local ttl = redis.call("TTL", KEYS[1])
if ttl < 0 then
	redis.call("EXPIRE", KEYS[1], ARGV[2])
	ttl = tonumber(ARGV[2])
end
if count > tonumber(ARGV[1]) then
	return {0, 0, ttl}
end
return {1, tonumber(ARGV[1]) - count, ttl}
`

// Tier is a (limit, window) pair. Principal classes get their own
// default Tier; triggers may override the tier used for their outbound
// executor calls.
type Tier struct {
	Limit  int
	Window time.Duration
}

// PrincipalClass distinguishes the control-plane caller classes from
// spec.md §4.12.
type PrincipalClass string

const (
	ClassAnonymous PrincipalClass = "anonymous"
	ClassAPIKey    PrincipalClass = "api_key"
	ClassSession   PrincipalClass = "session"
)

// DefaultTiers mirrors the documented per-class defaults; callers may
// supply an explicit Tier (e.g. a per-trigger override for an outbound
// provider) to bypass these.
var DefaultTiers = map[PrincipalClass]Tier{
	ClassAnonymous: {Limit: 60, Window: time.Minute},
	ClassAPIKey:    {Limit: 600, Window: time.Minute},
	ClassSession:   {Limit: 300, Window: time.Minute},
}

type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

type Limiter struct {
	client *redis.Client
	script *redis.Script
}

func New(client *redis.Client) *Limiter {
	return &Limiter{client: client, script: redis.NewScript(incrementIfWithinLimitScript)}
}

// Allow increments (principal, category)'s counter and reports whether
// the request is within tier's limit.
func (l *Limiter) Allow(ctx context.Context, principal, category string, tier Tier) (Result, error) {
	if tier.Limit <= 0 {
		tier.Limit = DefaultTiers[ClassAnonymous].Limit
	}
	if tier.Window <= 0 {
		tier.Window = DefaultTiers[ClassAnonymous].Window
	}

	key := fmt.Sprintf("ratelimit:{%s}:%s", category, principal)
	windowSeconds := int(tier.Window.Seconds())
	if windowSeconds <= 0 {
		windowSeconds = 1
	}

	raw, err := l.script.Run(ctx, l.client, []string{key}, tier.Limit, windowSeconds).Result()
	if err != nil {
		return Result{}, err
	}

	vals, ok := raw.([]any)
	if !ok || len(vals) != 3 {
		return Result{}, fmt.Errorf("ratelimit: unexpected script result shape")
	}

	allowed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)
	ttl, _ := vals[2].(int64)

	return Result{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
		ResetAt:   time.Now().Add(time.Duration(ttl) * time.Second),
	}, nil
}

// AllowClass is a convenience wrapper over Allow using a principal
// class's documented default tier.
func (l *Limiter) AllowClass(ctx context.Context, principal, category string, class PrincipalClass) (Result, error) {
	return l.Allow(ctx, principal, category, DefaultTiers[class])
}
