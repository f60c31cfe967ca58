package redis

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/matvik19/duplicate-contacts/pkg/logger"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)
	portNum, err := strconv.Atoi(port.Port())
	require.NoError(t, err)

	client, err := NewClient(ctx, Config{Host: host, Port: portNum}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClient_GetSet(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, found, err := client.Get(ctx, "auth:token:acme")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, client.Set(ctx, "auth:token:acme", "secret", time.Minute))
	value, found, err := client.Get(ctx, "auth:token:acme")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "secret", value)

	require.NoError(t, client.Del(ctx, "auth:token:acme"))
	_, found, err = client.Get(ctx, "auth:token:acme")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLocker(t *testing.T) {
	client := newTestClient(t)
	locker := NewLocker(client, "lock:merge:", 0, logger.Nop())
	ctx := context.Background()

	lock, err := locker.Acquire(ctx, "acme", time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "acme", time.Minute)
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	err = locker.WithLock(ctx, "acme", time.Minute, func() error { return nil })
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	require.NoError(t, lock.Release(ctx))
	assert.ErrorIs(t, lock.Release(ctx), ErrLockNotHeld)

	sentinel := errors.New("boom")
	err = locker.WithLock(ctx, "acme", time.Minute, func() error { return sentinel })
	assert.ErrorIs(t, err, sentinel)

	_, err = locker.Acquire(ctx, "acme", time.Minute)
	assert.NoError(t, err, "WithLock releases after fn")
}
