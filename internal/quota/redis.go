package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultRedisPrefix namespaces usage counters in Redis.
const DefaultRedisPrefix = "libria:quota:"

// incrementScript bumps the counter unless it is already at the limit and
// starts the session TTL on first use. It returns -1 when refused.
// KEYS[1] = counter key
// ARGV[1] = ttl in milliseconds
// ARGV[2] = limit
var incrementScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= tonumber(ARGV[2]) then
    return -1
end
local n = redis.call("INCR", KEYS[1])
if n == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RedisStore shares usage counters between server instances. The key expires
// ttl after the device's first committed action.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps a connected client.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: DefaultRedisPrefix, ttl: ttl}
}

// OpenRedisStore parses a redis:// URL, connects and verifies the connection.
func OpenRedisStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStore(client, ttl), nil
}

func (s *RedisStore) key(device string) string {
	return s.prefix + device
}

// Load reads the device's counter; a missing key is a fresh session.
func (s *RedisStore) Load(ctx context.Context, device string) (State, error) {
	raw, err := s.client.Get(ctx, s.key(device)).Result()
	if errors.Is(err, redis.Nil) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("redis get: %w", err)
	}

	count, err := strconv.Atoi(raw)
	if err != nil {
		return State{}, fmt.Errorf("redis counter %q is not an integer: %w", raw, err)
	}
	return State{UsageCount: count}, nil
}

// Increment atomically commits one action while the counter is below limit.
func (s *RedisStore) Increment(ctx context.Context, device string, limit int) (State, error) {
	n, err := incrementScript.Run(ctx, s.client, []string{s.key(device)}, s.ttl.Milliseconds(), limit).Int64()
	if err != nil {
		return State{}, fmt.Errorf("redis increment: %w", err)
	}
	if n < 0 {
		return State{UsageCount: limit}, ErrLimitReached
	}
	return State{UsageCount: int(n)}, nil
}

// Close closes the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
