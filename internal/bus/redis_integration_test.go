//go:build integration
// +build integration

package bus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/dyluth/tailor/pkg/blackboard"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const redisPort = nat.Port("6379/tcp")

// setupRedis starts a Redis container for testing.
func setupRedis(t *testing.T) *redis.Client {
	ctx := context.Background()

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{string(redisPort)},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	require.NoError(t, err)
	port, err := redisC.MappedPort(ctx, redisPort)
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

// Two buses in one consumer group stand in for two processes: a message the
// first consumer fails on is reclaimed and handled by the second.
func TestRedisBusReclaimAcrossConsumers(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()

	opts := RedisOptions{IdleThreshold: 200 * time.Millisecond, ReclaimEvery: 50 * time.Millisecond}

	opts.Consumer = "first"
	first, err := NewRedisBus(rdb, "it", opts)
	require.NoError(t, err)
	defer first.Close()

	var firstCalls atomic.Int32
	require.NoError(t, first.Subscribe("writer", func(context.Context, blackboard.AgentMessage) error {
		firstCalls.Add(1)
		return errors.New("crashed mid-handler")
	}))

	_, err = first.Send(ctx, handoff("writer", `{"n":1}`))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return firstCalls.Load() >= 1 }, 5*time.Second, 20*time.Millisecond)
	first.Unsubscribe("writer")

	opts.Consumer = "second"
	second, err := NewRedisBus(rdb, "it", opts)
	require.NoError(t, err)
	defer second.Close()

	var secondCalls atomic.Int32
	require.NoError(t, second.Subscribe("writer", func(context.Context, blackboard.AgentMessage) error {
		secondCalls.Add(1)
		return nil
	}))

	assert.Eventually(t, func() bool { return secondCalls.Load() == 1 }, 5*time.Second, 20*time.Millisecond)

	stream := blackboard.AgentStreamKey("it", "writer")
	assert.Eventually(t, func() bool {
		p, err := rdb.XPending(ctx, stream, "tailor").Result()
		return err == nil && p.Count == 0
	}, 5*time.Second, 20*time.Millisecond)
}
