package counters

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedisStore skips the test unless TEST_REDIS_ADDR points at a server
func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Could not ping test redis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStore(client, "gatekeeper:test:"+uuid.NewString()+":")
}

func TestRedisStore_AdmitAndDeny(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		d, err := s.Admit(ctx, "k", 3, time.Minute, now.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	d, err := s.Admit(ctx, "k", 3, time.Minute, now.Add(10*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.InDelta(t, float64(time.Minute-10*time.Millisecond), float64(d.RetryAfter), float64(5*time.Millisecond))
}

func TestRedisStore_Undo(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	d, err := s.Admit(ctx, "k", 1, time.Minute, now)
	require.NoError(t, err)
	require.NoError(t, s.Undo(ctx, "k", d.Token))

	d, err = s.Admit(ctx, "k", 1, time.Minute, now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
