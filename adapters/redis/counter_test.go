package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/flashbots/go-utils/cli"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

var testRedisEndpoint = cli.GetEnv("TEST_REDIS_ENDPOINT", "redis://localhost:6379")

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	opts, err := redis.ParseURL(testRedisEndpoint)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis is not available at %s: %s", testRedisEndpoint, err)
	}
	return client
}

func TestWindowCounter(t *testing.T) {
	client := newTestClient(t)
	prefix := fmt.Sprintf("test-window-%d:", time.Now().UnixNano())
	counter := NewWindowCounter(client, time.Minute, prefix)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		count, err := counter.Incr(ctx, "user-a")
		require.NoError(t, err)
		require.Equal(t, want, count)
	}

	// keys are independent
	count, err := counter.Incr(ctx, "user-b")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	ttl, err := client.TTL(ctx, prefix+"user-a").Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
}

func TestWindowCounterExpiry(t *testing.T) {
	client := newTestClient(t)
	prefix := fmt.Sprintf("test-window-exp-%d:", time.Now().UnixNano())
	counter := NewWindowCounter(client, 100*time.Millisecond, prefix)
	ctx := context.Background()

	_, err := counter.Incr(ctx, "user-a")
	require.NoError(t, err)
	_, err = counter.Incr(ctx, "user-a")
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)

	count, err := counter.Incr(ctx, "user-a")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestConsumeOnceSet(t *testing.T) {
	client := newTestClient(t)
	prefix := fmt.Sprintf("test-once-%d:", time.Now().UnixNano())
	set := NewConsumeOnceSet(client, time.Minute, prefix)
	ctx := context.Background()

	first, err := set.Consume(ctx, "nonce-1")
	require.NoError(t, err)
	require.True(t, first)

	second, err := set.Consume(ctx, "nonce-1")
	require.NoError(t, err)
	require.False(t, second)

	other, err := set.Consume(ctx, "nonce-2")
	require.NoError(t, err)
	require.True(t, other)

	require.NoError(t, set.DeleteAll(ctx))
	again, err := set.Consume(ctx, "nonce-1")
	require.NoError(t, err)
	require.True(t, again)
}
