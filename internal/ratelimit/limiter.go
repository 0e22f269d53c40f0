// Package ratelimit provides Redis-backed rate limiting using the INCR + EXPIRE
// fixed window algorithm. Each client event type gets its own per-user rule.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/presence-relay/internal/protocol"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:send:", "rl:typing:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleSendMessage allows 20 direct messages per 10 seconds per user.
	RuleSendMessage = Rule{Key: "rl:send:", Limit: 20, Window: 10 * time.Second}

	// RuleTyping allows 60 typing starts per 10 seconds per user.
	RuleTyping = Rule{Key: "rl:typing:", Limit: 60, Window: 10 * time.Second}
)

// DefaultRules maps client event types to their rule.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		protocol.TypeSendMessage: RuleSendMessage,
		protocol.TypeTyping:      RuleTyping,
	}
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	rules  map[string]Rule
}

// NewLimiter creates a Limiter backed by the given Redis client using
// DefaultRules.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client, rules: DefaultRules()}
}

// SetRule overrides the rule for an event type.
func (l *Limiter) SetRule(event string, rule Rule) {
	l.rules[event] = rule
}

// Check tests identifier against rule. It increments the counter in Redis and
// sets the expiry on first access. When the request is over the limit the
// remaining window is returned as retryAfter.
//
// On Redis errors the method fails open (returns true) so that a Redis outage
// does not block legitimate traffic.
func (l *Limiter) Check(ctx context.Context, identifier string, rule Rule) (bool, time.Duration, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, 0, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// The key exists but has no TTL and would persist. Best effort: try
			// to delete it so it doesn't block the identifier forever.
			l.client.Del(ctx, key)
			return true, 0, err
		}
	}

	if int(count) <= rule.Limit {
		return true, 0, nil
	}

	ttl, err := l.client.TTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		ttl = rule.Window
	}
	return false, ttl, nil
}

// Allow checks the rule for event. Events without a rule are always allowed.
func (l *Limiter) Allow(ctx context.Context, event, userID string) (bool, time.Duration) {
	rule, ok := l.rules[event]
	if !ok {
		return true, 0
	}
	allowed, retryAfter, _ := l.Check(ctx, userID, rule)
	return allowed, retryAfter
}
