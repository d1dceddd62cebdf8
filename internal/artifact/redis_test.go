package artifact

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/tailor/pkg/blackboard"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestClient(t *testing.T) *blackboard.Client {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := blackboard.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisStoreConcurrentVersions(t *testing.T) {
	store := NewRedisStore(setupTestClient(t))
	ctx := context.Background()
	sid := uuid.New().String()

	const n = 40
	got := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := store.Write(ctx, sid, "research", "research_brief", json.RawMessage(`{}`), blackboard.NodeComplete)
			assert.NoError(t, err)
			if a != nil {
				got[i] = a.Version
			}
		}(i)
	}
	wg.Wait()

	sort.Ints(got)
	for i, v := range got {
		assert.Equal(t, i+1, v, "versions must be 1..N without gaps or duplicates")
	}

	history, err := store.History(ctx, sid, "research")
	require.NoError(t, err)
	assert.Len(t, history, n)
}

func TestRedisStoreMovesNodePointer(t *testing.T) {
	client := setupTestClient(t)
	store := NewRedisStore(client)
	ctx := context.Background()
	sid := uuid.New().String()
	require.NoError(t, client.InitNodes(ctx, sid, []string{"intake", "research"}))

	_, err := store.Write(ctx, sid, "research", "research_brief", json.RawMessage(`{"v":1}`), blackboard.NodeComplete)
	require.NoError(t, err)
	latest, err := store.Write(ctx, sid, "research", "research_brief", json.RawMessage(`{"v":2}`), blackboard.NodeComplete)
	require.NoError(t, err)

	node, err := client.GetNode(ctx, sid, "research")
	require.NoError(t, err)
	require.NotNil(t, node.ActiveVersion)
	assert.Equal(t, latest.Version, *node.ActiveVersion)
	assert.Equal(t, blackboard.NodeComplete, node.Status)

	history, err := store.History(ctx, sid, "research")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.JSONEq(t, `{"v":2}`, string(history[0].Payload))
	assert.JSONEq(t, `{"v":1}`, string(history[1].Payload))
}

func TestRedisStoreRejectsBadPayload(t *testing.T) {
	store := NewRedisStore(setupTestClient(t))
	_, err := store.Write(context.Background(), uuid.New().String(), "research", "brief", json.RawMessage(`{`), blackboard.NodeComplete)
	assert.Error(t, err)
}
