package server

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// fixedWindowScript counts one hit in a fixed window atomically: the first
// hit arms the expiry, later hits only increment. Returns {count, pttl}.
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {count, ttl}
`)

type redisThrottleBackend struct {
	client *redis.Client
}

func newRedisThrottleBackend(client *redis.Client) *redisThrottleBackend {
	return &redisThrottleBackend{client: client}
}

func (b *redisThrottleBackend) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	result, err := fixedWindowScript.Run(ctx, b.client, []string{key}, window.Milliseconds()).Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("throttle incr: %w", err)
	}
	if len(result) != 2 {
		return 0, 0, fmt.Errorf("throttle incr: unexpected result length %d", len(result))
	}
	count, _ := result[0].(int64)
	pttl, _ := result[1].(int64)
	if pttl < 0 {
		pttl = window.Milliseconds()
	}
	return count, time.Duration(pttl) * time.Millisecond, nil
}

func (b *redisThrottleBackend) Block(ctx context.Context, key string, d time.Duration) error {
	return b.client.Set(ctx, key, "1", d).Err()
}

func (b *redisThrottleBackend) Unblock(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

func (b *redisThrottleBackend) Blocked(ctx context.Context, key string) (bool, error) {
	_, err := b.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// throttleBackendFromEnv picks the counter store: Redis when REDIS_ADDR is
// set (required for multi-instance deployments, where counters must be
// shared), in-process memory otherwise.
func throttleBackendFromEnv() throttleBackend {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return newMemoryThrottleBackend()
	}
	db := 0
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			db = n
		}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
	})
	return newRedisThrottleBackend(client)
}
