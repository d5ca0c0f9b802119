package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	redisstore "Orchestrator-Core/internal/storage/redis"
)

// The bucket state lives in a hash {tokens, ts}; refill is proportional to
// the milliseconds elapsed since ts and capped at burst.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local per_ms = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1]) or burst
local ts = tonumber(state[2]) or now
local elapsed = math.max(0, now - ts)
tokens = math.min(burst, tokens + elapsed * per_ms)

local allowed = 0
if tokens >= 1.0 then
  tokens = tokens - 1.0
  allowed = 1
end
redis.call('HSET', key, 'tokens', tokens, 'ts', now)
redis.call('PEXPIRE', key, ttl)
return allowed
`)

// RedisLimiter shares token buckets between orchestrator replicas.
type RedisLimiter struct {
	client   *redis.Client
	prefix   string
	settings SettingsFunc
	now      func() time.Time
}

// RedisConfig describes the Redis connection.
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisLimiter connects to Redis and verifies the connection.
func NewRedisLimiter(ctx context.Context, cfg RedisConfig, settings SettingsFunc) (*RedisLimiter, error) {
	client, err := redisstore.Open(ctx, redisstore.Config{
		Address:  cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("redis rate limiter: %w", err)
	}
	return NewRedisLimiterWithClient(client, cfg.KeyPrefix, settings), nil
}

// NewRedisLimiterWithClient wraps an existing client.
func NewRedisLimiterWithClient(client *redis.Client, prefix string, settings SettingsFunc) *RedisLimiter {
	if prefix == "" {
		prefix = "orchestrator:rl:"
	}
	if settings == nil {
		settings = func(string) Settings { return Settings{} }
	}
	return &RedisLimiter{client: client, prefix: prefix, settings: settings, now: time.Now}
}

// Acquire implements Limiter.
func (l *RedisLimiter) Acquire(ctx context.Context, target string) (bool, error) {
	s := normalize(l.settings(target))
	perMs := s.RefillPerMinute / 60000.0
	// keep idle buckets around long enough to refill completely
	ttl := int64(float64(s.Burst)/perMs) + 1000
	res, err := acquireScript.Run(ctx, l.client, []string{l.prefix + target},
		l.now().UnixMilli(), s.Burst, perMs, ttl).Int64()
	if err != nil {
		return false, fmt.Errorf("redis acquire %s: %w", target, err)
	}
	return res == 1, nil
}

// Close releases the Redis connection.
func (l *RedisLimiter) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}

var _ Limiter = (*RedisLimiter)(nil)
