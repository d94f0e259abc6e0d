package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// acquireScript trims the window, compares the count with the limit and adds
// the new member in one server-side step.
// KEYS[1] set, ARGV: cutoff, limit, now, member, window ms.
var acquireScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local limit = tonumber(ARGV[2])
if limit > 0 and redis.call('ZCARD', KEYS[1]) >= limit then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

// Redis shares the sliding window between instances through one sorted set
// per provider, scored by use time in milliseconds.
type Redis struct {
	client redis.Cmdable
	clock  Clock
	prefix string
	window time.Duration
}

// NewRedis returns a limiter backed by client. Keys are "<prefix>:<providerID>".
func NewRedis(client redis.Cmdable, prefix string, clock Clock) *Redis {
	if clock == nil {
		clock = SystemClock{}
	}
	if prefix == "" {
		prefix = "ratelimit:provider"
	}
	return &Redis{
		client: client,
		clock:  clock,
		prefix: prefix,
		window: Window,
	}
}

func (r *Redis) key(providerID string) string {
	return r.prefix + ":" + providerID
}

// IsRateLimited trims the set to the window and counts what is left.
func (r *Redis) IsRateLimited(ctx context.Context, providerID string, limitPerMinute int) (bool, error) {
	if limitPerMinute <= 0 {
		return false, nil
	}
	key := r.key(providerID)
	cutoff := r.clock.Now().Add(-r.window).UnixMilli()

	var card *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
		card = pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit check %s: %w", providerID, err)
	}
	return card.Val() >= int64(limitPerMinute), nil
}

// RecordUse adds one member for now and refreshes the key expiry.
func (r *Redis) RecordUse(ctx context.Context, providerID string) error {
	key := r.key(providerID)
	now := r.clock.Now()

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(now.UnixMilli()),
			Member: uuid.NewString(),
		})
		pipe.PExpire(ctx, key, r.window)
		return nil
	})
	if err != nil {
		return fmt.Errorf("rate limit record %s: %w", providerID, err)
	}
	return nil
}

// TryAcquire runs acquireScript so instances sharing the set cannot overshoot
// the limit between the count and the add.
func (r *Redis) TryAcquire(ctx context.Context, providerID string, limitPerMinute int) (bool, error) {
	now := r.clock.Now()
	cutoff := now.Add(-r.window).UnixMilli()

	got, err := acquireScript.Run(ctx, r.client, []string{r.key(providerID)},
		cutoff, limitPerMinute, now.UnixMilli(), uuid.NewString(), r.window.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit acquire %s: %w", providerID, err)
	}
	return got == 1, nil
}
