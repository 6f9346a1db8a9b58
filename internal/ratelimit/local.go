package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter keeps one token bucket per identifier and rule in memory. A
// bucket refills Limit tokens per Window and holds at most Limit tokens.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]map[string]*rate.Limiter // identifier -> rule key -> bucket
}

// NewLocalLimiter creates an empty LocalLimiter.
func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{buckets: make(map[string]map[string]*rate.Limiter)}
}

// Allow consumes one token from the identifier's bucket for rule. It never
// returns an error; the signature matches RedisLimiter.
func (l *LocalLimiter) Allow(_ context.Context, identifier string, rule Rule) (bool, error) {
	if rule.Limit <= 0 || rule.Window <= 0 {
		return true, nil
	}
	return l.bucket(identifier, rule).Allow(), nil
}

// RetryAfter reports, in whole seconds, when the identifier's bucket for rule
// next holds a token. The reservation is cancelled, so no token is
// spent.
func (l *LocalLimiter) RetryAfter(_ context.Context, identifier string, rule Rule) (int, error) {
	if rule.Limit <= 0 || rule.Window <= 0 {
		return 0, nil
	}
	now := time.Now()
	res := l.bucket(identifier, rule).ReserveN(now, 1)
	defer res.CancelAt(now)
	return ceilSeconds(res.DelayFrom(now)), nil
}

func (l *LocalLimiter) bucket(identifier string, rule Rule) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	byRule, ok := l.buckets[identifier]
	if !ok {
		byRule = make(map[string]*rate.Limiter, 2)
		l.buckets[identifier] = byRule
	}

	b, ok := byRule[rule.Key]
	if !ok {
		b = rate.NewLimiter(rate.Every(rule.Window/time.Duration(rule.Limit)), rule.Limit)
		byRule[rule.Key] = b
	}
	return b
}

// Forget drops every bucket held for identifier.
func (l *LocalLimiter) Forget(identifier string) {
	l.mu.Lock()
	delete(l.buckets, identifier)
	l.mu.Unlock()
}

// Len returns the number of identifiers with live buckets.
func (l *LocalLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
