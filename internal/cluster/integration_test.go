//go:build integration

package cluster

import (
	"context"
	"fmt"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"marketplace-chat/internal/models"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	t.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client, err := NewRedisClient(ctx, fmt.Sprintf("redis://%s:%s/0", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestBusFansOutAcrossNodes(t *testing.T) {
	client := startRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	localHub, remoteHub := &recordingHub{}, &recordingHub{}
	local := NewRedisBus(client, "chat:test", localHub, nil)
	remote := NewRedisBus(client, "chat:test", remoteHub, nil)
	require.NoError(t, local.Start(ctx))
	require.NoError(t, remote.Start(ctx))

	local.ToRoom("conv-1", models.Event{Event: models.EventTyping}, "a1")

	require.Len(t, localHub.deliveries(), 1)
	require.Eventually(t, func() bool { return len(remoteHub.deliveries()) == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "a1", remoteHub.deliveries()[0].exclude)

	// the echo of its own envelope must not reach the local hub a second time
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, localHub.deliveries(), 1)
}
