package counters

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/archessay/wildduck/config"
	"github.com/archessay/wildduck/server/idgen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupRedis connects to REDIS_ADDR or skips the test.
func setupRedis(t *testing.T) *Redis {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis test in short mode")
	}
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client, err := Connect(context.Background(), config.RedisConfig{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return NewRedis(client)
}

func TestRedisTTLCounterCeiling(t *testing.T) {
	r := setupRedis(t)
	ctx := context.Background()
	key := "test:wdf:" + idgen.New()

	res, err := r.TTLCounter(ctx, key, 2, 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(2), res.Value)
	assert.Equal(t, time.Minute, res.TTL)

	res, err = r.TTLCounter(ctx, key, 2, 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, int64(2), res.Value)
}

func TestRedisLimitedCounter(t *testing.T) {
	r := setupRedis(t)
	ctx := context.Background()
	key := "test:limited:" + idgen.New()

	res, err := r.LimitedCounter(ctx, key, "a", 1, 1)
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = r.LimitedCounter(ctx, key, "b", 1, 1)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, int64(1), res.Value)
}

func TestRedisCachedCounter(t *testing.T) {
	r := setupRedis(t)
	ctx := context.Background()
	key := "test:cached:" + idgen.New()

	v, err := r.CachedCounter(ctx, key, 4, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)
}
