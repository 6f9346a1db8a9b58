// Package ratelimit throttles per-connection actions (chat messages, skips).
// RedisLimiter uses the INCR + EXPIRE fixed window shared by every relay
// instance pointed at the same Redis; LocalLimiter keeps token buckets in
// process memory for single-instance deployments.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Rule defines a rate limiting policy: the key prefix, the maximum number of
// actions allowed in the window and the window duration.
type Rule struct {
	Key    string        // key prefix (e.g., "rl:msg:", "rl:skip:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// RetryAfter returns the client-facing back-off hint in whole seconds.
func (r Rule) RetryAfter() int {
	return ceilSeconds(r.Window)
}

// ceilSeconds rounds d up to whole seconds, never below one.
func ceilSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Default rules.
var (
	// RuleMessage allows 20 messages per 10 seconds per connection.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 20, Window: 10 * time.Second}

	// RuleSkip allows 10 skips per minute per connection.
	RuleSkip = Rule{Key: "rl:skip:", Limit: 10, Window: time.Minute}
)

// RedisLimiter performs rate limiting checks against Redis.
type RedisLimiter struct {
	client *redis.Client
	log    *zap.Logger
}

// NewRedisLimiter creates a RedisLimiter backed by the given Redis client.
func NewRedisLimiter(client *redis.Client, log *zap.Logger) *RedisLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisLimiter{client: client, log: log.With(zap.String("component", "ratelimit"))}
}

// Allow checks whether identifier is within the limit defined by rule. It
// increments the counter and sets the expiry on first access.
//
// On Redis errors the method fails open (returns true) so that a Redis outage
// does not block chatting.
func (l *RedisLimiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn("redis INCR failed, failing open", zap.String("key", key), zap.Error(err))
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warn("redis EXPIRE failed, failing open", zap.String("key", key), zap.Error(err))
			// A key without a TTL would throttle the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// RetryAfter reports how long identifier must wait, in whole seconds, for
// the current window to close. Without a live window it falls back to
// rule.RetryAfter().
func (l *RedisLimiter) RetryAfter(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil {
		l.log.Warn("redis PTTL failed", zap.String("key", key), zap.Error(err))
		return rule.RetryAfter(), err
	}
	if ttl <= 0 {
		return rule.RetryAfter(), nil
	}
	return ceilSeconds(ttl), nil
}

// Forget is a no-op; window keys expire on their own.
func (l *RedisLimiter) Forget(string) {}
