package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares windows between relay instances. Each key holds a counter
// whose TTL is set once when the window opens. SET NX PX keeps it working on
// Redis 2.6.12 and later.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// DialRedis connects and pings, the way the store is configured from env.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string, d time.Duration) (int, time.Time, error) {
	pipe := s.client.TxPipeline()
	pipe.SetNX(ctx, key, 0, d)
	incr := pipe.Incr(ctx, key)
	pttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, fmt.Errorf("incrementing %s: %w", key, err)
	}

	ttl := pttl.Val()
	if ttl <= 0 {
		ttl = d
	}
	return int(incr.Val()), s.now().Add(ttl), nil
}
