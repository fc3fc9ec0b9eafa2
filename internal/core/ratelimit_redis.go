package core

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCounter is the subset of *redis.Client used here.
type redisCounter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisRateLimitStore is a fixed-window counter shared across instances.
type RedisRateLimitStore struct {
	client redisCounter
	now    func() time.Time
}

// NewRedisRateLimitStore wraps a connected go-redis client.
func NewRedisRateLimitStore(client redisCounter) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client, now: time.Now}
}

// IncrementAndCheck counts a hit and sets the window TTL on the first hit.
// A key that lost its TTL is given a fresh one.
func (s *RedisRateLimitStore) IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("redis incr %s: %w", key, err)
	}

	ttl := window
	if count == 1 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return RateLimitResult{}, fmt.Errorf("redis expire %s: %w", key, err)
		}
	} else {
		remaining, err := s.client.PTTL(ctx, key).Result()
		if err != nil {
			return RateLimitResult{}, fmt.Errorf("redis pttl %s: %w", key, err)
		}
		if remaining < 0 {
			_ = s.client.Expire(ctx, key, window).Err()
		} else {
			ttl = remaining
		}
	}

	return RateLimitResult{
		Allowed:   count <= int64(limit),
		Remaining: max(limit-int(count), 0),
		ResetAt:   s.now().Add(ttl),
	}, nil
}

// RedisProbe reports Redis reachability on /health.
type RedisProbe struct {
	client redisCounter
}

func NewRedisProbe(client redisCounter) *RedisProbe {
	return &RedisProbe{client: client}
}

func (p *RedisProbe) Name() string { return "redis" }

func (p *RedisProbe) Check(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
