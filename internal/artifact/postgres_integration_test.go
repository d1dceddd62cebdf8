//go:build integration
// +build integration

package artifact

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"

	"github.com/dyluth/tailor/pkg/blackboard"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type pointerCall struct {
	node    string
	version int
	status  blackboard.NodeStatus
}

type recordingPointer struct {
	mu    sync.Mutex
	calls []pointerCall
}

func (p *recordingPointer) SetNodeActive(_ context.Context, _, nodeKey, _ string, version int, status blackboard.NodeStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, pointerCall{node: nodeKey, version: version, status: status})
	return nil
}

func TestPostgresStore(t *testing.T) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("tailor"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	require.NoError(t, err)
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	pointer := &recordingPointer{}
	store := NewPostgresStore(pool, pointer)
	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, store.EnsureSchema(ctx), "schema creation is idempotent")

	t.Run("concurrent versions are 1..N", func(t *testing.T) {
		sid := uuid.New().String()
		const n = 20
		got := make([]int, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				v, err := store.NextVersion(ctx, sid, "research", "brief")
				assert.NoError(t, err)
				got[i] = v
			}(i)
		}
		wg.Wait()
		sort.Ints(got)
		for i, v := range got {
			assert.Equal(t, i+1, v)
		}
	})

	t.Run("write and history newest first", func(t *testing.T) {
		sid := uuid.New().String()
		_, err := store.Write(ctx, sid, "research", "brief", json.RawMessage(`{"v": 1}`), blackboard.NodeComplete)
		require.NoError(t, err)
		_, err = store.Write(ctx, sid, "research", "notes", json.RawMessage(`{"v": "n"}`), blackboard.NodeComplete)
		require.NoError(t, err)
		latest, err := store.Write(ctx, sid, "research", "brief", json.RawMessage(`{"v": 2}`), blackboard.NodeComplete)
		require.NoError(t, err)
		assert.Equal(t, 2, latest.Version)

		history, err := store.History(ctx, sid, "research")
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, latest.ID, history[0].ID)
		assert.JSONEq(t, `{"v": 2}`, string(history[0].Payload))
		assert.Equal(t, "notes", history[1].Type)

		pointer.mu.Lock()
		last := pointer.calls[len(pointer.calls)-1]
		pointer.mu.Unlock()
		assert.Equal(t, pointerCall{node: "research", version: 2, status: blackboard.NodeComplete}, last)
	})
}
