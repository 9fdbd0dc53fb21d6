package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"TechThermometer/internal/ports"
)

const (
	// DefaultTTL bounds how long a crashed holder can block a key.
	DefaultTTL = 30 * time.Second
	// DefaultRetryDelay is the pause between acquisition attempts.
	DefaultRetryDelay = 50 * time.Millisecond
	// DefaultMaxRetries caps acquisition attempts.
	DefaultMaxRetries = 200

	keyPrefix = "techthermometer:lock:"
)

// ErrNotAcquired is returned when a key stays locked for every retry.
var ErrNotAcquired = errors.New("lock not acquired")

var unlockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisConfig tunes the distributed locker.
type RedisConfig struct {
	TTL        time.Duration
	RetryDelay time.Duration
	MaxRetries int
}

// RedisLocker serializes resolvers running in separate processes with
// SET NX locks owned by a random token.
type RedisLocker struct {
	client     redis.UniversalClient
	ttl        time.Duration
	retryDelay time.Duration
	maxRetries int
	logger     *slog.Logger
}

var _ ports.KeyLocker = (*RedisLocker)(nil)

// NewRedisLocker wraps a go-redis client.
func NewRedisLocker(client redis.UniversalClient, cfg RedisConfig, logger *slog.Logger) *RedisLocker {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{
		client:     client,
		ttl:        cfg.TTL,
		retryDelay: cfg.RetryDelay,
		maxRetries: cfg.MaxRetries,
		logger:     logger.With("component", "redis_lock"),
	}
}

// Lock retries SET NX until the key is free, ctx ends or retries run out.
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := keyPrefix + key
	token := uuid.NewString()

	for i := 0; i < r.maxRetries; i++ {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return func() { r.unlock(redisKey, token) }, nil
		}
		if i == r.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.retryDelay):
		}
	}
	return nil, fmt.Errorf("%s: %w", key, ErrNotAcquired)
}

func (r *RedisLocker) unlock(redisKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	released, err := unlockScript.Run(ctx, r.client, []string{redisKey}, token).Int()
	if err != nil {
		r.logger.Warn("release failed", "key", redisKey, "error", err)
		return
	}
	if released == 0 {
		r.logger.Warn("lock expired before release", "key", redisKey)
	}
}
