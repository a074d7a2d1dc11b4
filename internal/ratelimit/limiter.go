// Package ratelimit provides Redis-backed fixed-window rate limiting. Each
// check is a single atomic INCR that starts the window expiry on the first
// hit, so concurrent servers share one budget per identifier.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/lobby/internal/logging"
	"github.com/whisper/lobby/internal/settings"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:post:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// PostKey prefixes per-IP post counters.
const PostKey = "rl:post:"

// PostRule returns the posting budget from a settings snapshot.
func PostRule(s settings.Snapshot) Rule {
	return Rule{Key: PostKey, Limit: s.RateLimitCount, Window: s.RateLimitWindow}
}

// incrLua increments the counter and sets the window expiry on the first
// hit in one round trip, so a crash between the two cannot leave a counter
// without a TTL.
var incrLua = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow counts one request for identifier and reports whether it is within
// rule. On Redis errors it fails open: the request is allowed and the error
// is returned for logging.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := incrLua.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int64()
	if err != nil {
		log := logging.Component("ratelimit")
		log.Warn().Err(err).Str("key", key).Msg("redis error, failing open")
		return true, err
	}

	return count <= int64(rule.Limit), nil
}

// RetryAfter returns how long until identifier's current window closes.
// It returns zero when no window is open or Redis cannot be reached.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) (time.Duration, error) {
	key := rule.Key + identifier

	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil {
		log := logging.Component("ratelimit")
		log.Warn().Err(err).Str("key", key).Msg("redis error reading window")
		return 0, err
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
