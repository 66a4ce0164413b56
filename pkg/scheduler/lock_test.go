package scheduler

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

	locker := NewLocalLocker()
	locker.now = func() time.Time { return now }

	ok, err := locker.Acquire(ctx, "wf:node", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = locker.Acquire(ctx, "wf:node", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = locker.Acquire(ctx, "wf:other", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(time.Minute)

	ok, err = locker.Acquire(ctx, "wf:node", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock is free again")

	require.NoError(t, locker.Release(ctx, "wf:node"))

	ok, err = locker.Acquire(ctx, "wf:node", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLocker(t *testing.T) {
	if os.Getenv("FLOWGRAPH_REDIS_INTEGRATION") != "1" {
		t.Skip("set FLOWGRAPH_REDIS_INTEGRATION=1 to run Redis container tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
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
	testcontainers.CleanupContainer(t, container)

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })

	first := NewRedisLocker(client, "flowgraph:lock:")
	second := NewRedisLocker(client, "flowgraph:lock:")

	ok, err := first.Acquire(ctx, "wf:node:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.Acquire(ctx, "wf:node:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Only the holder can release.
	require.NoError(t, second.Release(ctx, "wf:node:1"))

	ok, err = second.Acquire(ctx, "wf:node:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, first.Release(ctx, "wf:node:1"))

	ok, err = second.Acquire(ctx, "wf:node:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ttl, err := client.PTTL(ctx, "flowgraph:lock:wf:node:1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
