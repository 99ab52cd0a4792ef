package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// paceWindow is the interval a subscription's rate limit applies to.
const paceWindow = time.Second

// RateLimiter enforces each subscription's deliveries-per-second cap
// with a sliding window kept in Redis, so the cap holds across every
// worker in every instance. Deliveries inside the window live in a
// sorted set scored by their timestamp.
type RateLimiter struct {
	client *redis.Client
	logger *slog.Logger
	script *redis.Script
}

// paceScript prunes deliveries that fell out of the window, then admits
// the new one only if the remaining count is under the cap. Running it
// as a single script keeps check-and-record atomic under concurrent
// workers.
var paceScript = redis.NewScript(`
local cutoff = tonumber(ARGV[1]) - tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', cutoff)
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[3]) then
    return 0
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]) * 2)
return 1
`)

func NewRateLimiter(client *redis.Client, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		script: paceScript,
	}
}

// Allow reports whether a delivery to the subscription fits inside its
// per-second cap right now, recording it if so. A cap of zero or less
// means the subscription is unpaced. Redis errors fail open: a broken
// limiter must not stall the delivery pipeline.
func (rl *RateLimiter) Allow(ctx context.Context, subscriptionID string, limit int) bool {
	if limit <= 0 {
		return true
	}

	key := "pace:" + subscriptionID
	now := time.Now().UnixMilli()

	admitted, err := rl.script.Run(ctx, rl.client, []string{key},
		now, paceWindow.Milliseconds(), limit, uuid.NewString(),
	).Int64()
	if err != nil {
		rl.logger.Error("rate limiter script failed", "error", err, "subscription_id", subscriptionID)
		return true
	}

	if admitted == 0 {
		rl.logger.Debug("delivery paced", "subscription_id", subscriptionID, "limit", limit)
		return false
	}
	return true
}
