package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// intakeWindowScript opens the window on first use and counts the attempt in
// one round trip. PTTL is returned so callers can tell the user when to retry.
var intakeWindowScript = redis.NewScript(`
redis.call("SET", KEYS[1], 0, "PX", ARGV[1], "NX")
local attempts = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
return {attempts, ttl}
`)

// RedisRateLimiter limits how often one user may submit settlement jobs for one
// auction or raffle, using a fixed window per (user, item) in Redis.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	return &RedisRateLimiter{
		client: client,
		prefix: redisPrefix(prefix) + ":intake",
	}
}

func redisPrefix(prefix string) string {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		return "settlement"
	}
	return trimmed
}

func (r *RedisRateLimiter) windowKey(key IntakeKey) string {
	return fmt.Sprintf("%s:%s:%d:user:%d", r.prefix, key.Kind, key.ItemID, key.UserID)
}

// Take counts one attempt for key. Windows shorter than a second are widened to
// one second.
func (r *RedisRateLimiter) Take(ctx context.Context, key IntakeKey, limit int, window time.Duration) (RateDecision, error) {
	if r == nil || r.client == nil || limit <= 0 {
		return RateDecision{Allowed: true}, nil
	}
	if window < time.Second {
		window = time.Second
	}

	raw, err := intakeWindowScript.Run(ctx, r.client, []string{r.windowKey(key)}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return RateDecision{}, fmt.Errorf("intake rate limit %s/%d: %w", key.Kind, key.ItemID, err)
	}
	if len(raw) != 2 {
		return RateDecision{}, fmt.Errorf("unexpected intake limiter reply of %d values", len(raw))
	}

	ttl := time.Duration(raw[1]) * time.Millisecond
	if ttl <= 0 {
		ttl = window
	}
	return RateDecision{
		Allowed:    int(raw[0]) <= limit,
		Attempts:   int(raw[0]),
		RetryAfter: ttl,
	}, nil
}
