//go:build integration

package quota

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisCounter_IncrCountAndExpiry(t *testing.T) {
	client := newTestRedis(t)
	prefix := "test:" + t.Name() + ":"
	c := NewRedisCounter(client, WithKeyPrefix(prefix))
	ctx := context.Background()
	id := uuid.New()
	day := time.Now().UTC()
	t.Cleanup(func() { client.Del(ctx, c.key(id, day)) })

	n, err := c.Count(ctx, id, day)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for i := 1; i <= 3; i++ {
		n, err = c.Incr(ctx, id, day)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	n, err = c.Count(ctx, id, day)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ttl, err := client.TTL(ctx, c.key(id, day)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 24*time.Hour-time.Minute)
}
