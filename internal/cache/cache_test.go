package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/relaize/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis spins up a Redis container and returns a connected RedisCache + cleanup.
func setupRedis(t *testing.T) cache.Cache {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	redisURL := "redis://" + host + ":" + port.Port()
	rc, err := cache.NewRedisCache(redisURL)
	require.NoError(t, err)

	return rc
}

func runCacheSuite(t *testing.T, setup func(t *testing.T) cache.Cache) {
	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, setup(t).Ping(context.Background()))
	})

	t.Run("set get roundtrip", func(t *testing.T) {
		c := setup(t)
		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "test:key", []byte("hello"), 10*time.Second))

		val, found, err := c.Get(ctx, "test:key")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte("hello"), val)
	})

	t.Run("get not found", func(t *testing.T) {
		val, found, err := setup(t).Get(context.Background(), "nonexistent:key")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, val)
	})

	t.Run("ttl expiry", func(t *testing.T) {
		c := setup(t)
		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "expiry:key", []byte("temp"), time.Second))

		_, found, err := c.Get(ctx, "expiry:key")
		require.NoError(t, err)
		assert.True(t, found)

		time.Sleep(1500 * time.Millisecond)

		_, found, err = c.Get(ctx, "expiry:key")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("delete", func(t *testing.T) {
		c := setup(t)
		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "del:key", []byte("bye"), 10*time.Second))
		require.NoError(t, c.Delete(ctx, "del:key"))

		_, found, err := c.Get(ctx, "del:key")
		require.NoError(t, err)
		assert.False(t, found)

		assert.NoError(t, c.Delete(ctx, "does:not:exist"))
	})

	t.Run("incr with expiry", func(t *testing.T) {
		c := setup(t)
		ctx := context.Background()
		key := "ratelimit:test:" + uuid.NewString()[:8]

		for want := int64(1); want <= 3; want++ {
			val, err := c.IncrWithExpiry(ctx, key, 10*time.Second)
			require.NoError(t, err)
			assert.Equal(t, want, val)
		}
	})

	t.Run("incr expires", func(t *testing.T) {
		c := setup(t)
		ctx := context.Background()
		key := "ratelimit:expiry:" + uuid.NewString()[:8]

		_, err := c.IncrWithExpiry(ctx, key, time.Second)
		require.NoError(t, err)

		time.Sleep(1500 * time.Millisecond)

		// After expiry, should start from 1 again
		val, err := c.IncrWithExpiry(ctx, key, 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(1), val)
	})
}

func TestMemoryCache(t *testing.T) {
	runCacheSuite(t, func(*testing.T) cache.Cache { return cache.NewMemoryCache() })
}

func TestRedisCache(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	runCacheSuite(t, setupRedis)
}

func TestMemoryCache_CopiesValues(t *testing.T) {
	c := cache.NewMemoryCache()
	ctx := context.Background()
	buf := []byte("abc")
	require.NoError(t, c.Set(ctx, "k", buf, 0))
	buf[0] = 'x'

	got, _, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

// --- Cache Key Builders ---

func TestReportKey(t *testing.T) {
	at := time.Unix(0, 1700000000123456789)
	assert.Equal(t, "report:task-1:1700000000123456789", cache.ReportKey("task-1", at))
	assert.NotEqual(t, cache.ReportKey("task-1", at), cache.ReportKey("task-1", at.Add(time.Nanosecond)))
}

func TestRateLimitKey(t *testing.T) {
	key := cache.RateLimitKey("203.0.113.9")
	assert.Equal(t, "ratelimit:203.0.113.9", key)
}
