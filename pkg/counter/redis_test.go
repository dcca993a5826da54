package counter

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping Redis container test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestRedisStore(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	store := NewRedisStore(client)

	written, err := store.SetNX(ctx, map[string]int64{"batch:1:total": 3, "batch:1:completed": 0}, time.Hour)
	require.NoError(t, err)
	assert.True(t, written)

	_, err = store.Incr(ctx, "batch:1:completed")
	require.NoError(t, err)

	value, err := store.Decr(ctx, "batch:1:total")
	require.NoError(t, err)
	assert.Equal(t, int64(2), value)

	written, err = store.SetNX(ctx, map[string]int64{"batch:1:total": 3, "batch:1:completed": 0}, time.Hour)
	require.NoError(t, err)
	assert.False(t, written)

	values, err := store.Get(ctx, "batch:1:total", "batch:1:completed", "batch:1:missing")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"batch:1:total": 2, "batch:1:completed": 1}, values)

	ttl, err := client.TTL(ctx, "batch:1:completed").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestRedisStore_ExpiredKeysAreNotRecreated(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	store := NewRedisStore(client)

	_, err := store.Incr(ctx, "batch:late:completed")
	require.ErrorIs(t, err, ErrMissing)

	exists, err := client.Exists(ctx, "batch:late:completed").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}
