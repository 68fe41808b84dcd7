// Package ratelimit provides Redis-backed fixed-window rate limiting. Each
// rule counts actions per identifier (user id, client IP) with INCR and lets
// the key expire at the end of the window.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chattroom/chat-app/internal/logging"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:msg:", "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleMessage allows 5 posted messages per 10 seconds per user.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 5, Window: 10 * time.Second}

	// RuleConnect allows 5 WebSocket connections per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 5, Window: time.Minute}

	// RuleProfile allows 10 profile updates per minute per user.
	RuleProfile = Rule{Key: "rl:profile:", Limit: 10, Window: time.Minute}
)

// Decision is the result of counting one action against a rule.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // zero when Allowed
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	logger *slog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, logger *slog.Logger) *Limiter {
	return &Limiter{client: client, logger: logging.Component(logger, "ratelimit")}
}

// Allow counts one action for identifier under rule.
//
// On Redis errors the action is allowed and the error is returned, so an
// outage does not block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (Decision, error) {
	key := rule.Key + identifier

	var (
		incr *redis.IntCmd
		ttl  *redis.DurationCmd
	)
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, rule.Window)
		ttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		l.logger.Warn("redis error, failing open", "key", key, "error", err)
		return Decision{Allowed: true, Remaining: rule.Limit}, fmt.Errorf("ratelimit: allow %s: %w", key, err)
	}

	return decide(incr.Val(), ttl.Val(), rule), nil
}

// Allowed reports whether identifier may act under rule, failing open. It
// satisfies the narrow limiter interfaces of the room and api packages.
func (l *Limiter) Allowed(ctx context.Context, identifier string, rule Rule) (bool, time.Duration) {
	d, _ := l.Allow(ctx, identifier, rule)
	return d.Allowed, d.RetryAfter
}

// Remaining returns the number of requests the identifier has left in the
// current window for the given rule. Returns the full limit if the key does not
// exist yet. On Redis errors it returns the full limit (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		l.logger.Warn("redis error, failing open", "key", key, "error", err)
		return rule.Limit, fmt.Errorf("ratelimit: remaining %s: %w", key, err)
	}
	return max(rule.Limit-int(count), 0), nil
}

// decide turns the post-increment count and key TTL into a Decision. A
// missing TTL (negative) falls back to the full window.
func decide(count int64, ttl time.Duration, rule Rule) Decision {
	if count <= int64(rule.Limit) {
		return Decision{Allowed: true, Remaining: rule.Limit - int(count)}
	}
	if ttl <= 0 {
		ttl = rule.Window
	}
	return Decision{Allowed: false, RetryAfter: ttl}
}
