package governance

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// incrScript increments the window key and sets its expiry on first use, in one
// server-side step.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisWindowCounter shares admission counters between gateway replicas. Keys are
// derived from the window start, so every replica agrees on window boundaries as
// long as clocks are roughly in sync.
type RedisWindowCounter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisWindowCounter creates a counter storing keys under prefix.
func NewRedisWindowCounter(client redis.UniversalClient, prefix string) *RedisWindowCounter {
	if prefix == "" {
		prefix = "assetgate:admission"
	}
	return &RedisWindowCounter{client: client, prefix: prefix}
}

// Incr counts one request for key.
func (c *RedisWindowCounter) Incr(ctx context.Context, key string, window time.Duration, now time.Time) (RateState, error) {
	start := now.Truncate(window)
	redisKey := fmt.Sprintf("%s:%s:%d", c.prefix, key, start.UnixMilli())
	// Keep the key a little past the window so late replicas still see it.
	ttl := (window + time.Second).Milliseconds()

	n, err := incrScript.Run(ctx, c.client, []string{redisKey}, ttl).Int64()
	if err != nil {
		return RateState{}, fmt.Errorf("redis admission counter: %w", err)
	}
	return RateState{WindowStart: start, Count: int(n)}, nil
}
