//go:build integration

package ratelimit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testcontainersredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupRedis(t *testing.T, ctx context.Context) string {
	t.Helper()
	return setupRedisImage(t, ctx, "redis:7-alpine")
}

func setupRedisImage(t *testing.T, ctx context.Context, image string) string {
	t.Helper()

	container, err := testcontainersredis.Run(ctx, image)
	require.NoError(t, err, "failed to start Redis container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate Redis container: %v", err)
		}
	})

	addr, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	return strings.TrimPrefix(addr, "redis://")
}

func TestRedisStore_Integration(t *testing.T) {
	ctx := context.Background()
	addr := setupRedis(t, ctx)

	client, err := DialRedis(ctx, addr, "", 0)
	require.NoError(t, err)
	defer client.Close()

	t.Run("shared window across limiters", func(t *testing.T) {
		a := New(NewRedisStore(client), 3, time.Minute)
		b := New(NewRedisStore(client), 3, time.Minute)

		for i := 0; i < 2; i++ {
			d, err := a.Allow(ctx, "203.0.113.1")
			require.NoError(t, err)
			assert.True(t, d.Allowed)
		}
		d, err := b.Allow(ctx, "203.0.113.1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 0, d.Remaining)

		d, err = a.Allow(ctx, "203.0.113.1")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Greater(t, d.RetryAfter, time.Duration(0))
	})

	t.Run("ttl set once per window", func(t *testing.T) {
		store := NewRedisStore(client)
		_, first, err := store.Incr(ctx, "ratelimit:ttl", time.Minute)
		require.NoError(t, err)
		time.Sleep(1100 * time.Millisecond)
		_, second, err := store.Incr(ctx, "ratelimit:ttl", time.Minute)
		require.NoError(t, err)

		assert.WithinDuration(t, first, second, 500*time.Millisecond)
	})

	t.Run("window expires", func(t *testing.T) {
		l := New(NewRedisStore(client), 1, time.Second)
		d, err := l.Allow(ctx, "203.0.113.9")
		require.NoError(t, err)
		assert.True(t, d.Allowed)

		d, err = l.Allow(ctx, "203.0.113.9")
		require.NoError(t, err)
		assert.False(t, d.Allowed)

		time.Sleep(1500 * time.Millisecond)
		d, err = l.Allow(ctx, "203.0.113.9")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})
}

func TestRedisStore_OlderServer(t *testing.T) {
	ctx := context.Background()
	addr := setupRedisImage(t, ctx, "redis:6-alpine")

	client, err := DialRedis(ctx, addr, "", 0)
	require.NoError(t, err)
	defer client.Close()

	l := New(NewRedisStore(client), 2, time.Minute)
	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, "203.0.113.20")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := l.Allow(ctx, "203.0.113.20")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	_, resetAt, err := NewRedisStore(client).Incr(ctx, "ratelimit:v6", time.Minute)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), resetAt, 2*time.Second)
}
