package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dyluth/tailor/pkg/blackboard"
	"github.com/google/uuid"
)

// RedisStore keeps artifacts on the blackboard next to the workflow nodes.
type RedisStore struct {
	client *blackboard.Client
}

// NewRedisStore creates a store backed by the blackboard client.
func NewRedisStore(client *blackboard.Client) *RedisStore {
	return &RedisStore{client: client}
}

// NextVersion allocates a version with INCR.
func (s *RedisStore) NextVersion(ctx context.Context, sessionID, nodeKey, artifactType string) (int, error) {
	return s.client.NextArtifactVersion(ctx, sessionID, nodeKey, artifactType)
}

// Write allocates a version then writes the artifact, history entry and node
// pointer in one MULTI block.
func (s *RedisStore) Write(ctx context.Context, sessionID, nodeKey, artifactType string, payload json.RawMessage, status blackboard.NodeStatus) (*blackboard.Artifact, error) {
	version, err := s.NextVersion(ctx, sessionID, nodeKey, artifactType)
	if err != nil {
		return nil, err
	}
	a := &blackboard.Artifact{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		NodeKey:     nodeKey,
		Type:        artifactType,
		Version:     version,
		Payload:     payload,
		CreatedAtMs: time.Now().UnixMilli(),
	}
	if err := s.client.WriteArtifact(ctx, a, status); err != nil {
		return nil, fmt.Errorf("failed to write %s v%d: %w", artifactType, version, err)
	}
	return a, nil
}

// History returns the node's artifacts newest first.
func (s *RedisStore) History(ctx context.Context, sessionID, nodeKey string) ([]*blackboard.Artifact, error) {
	return s.client.ArtifactHistory(ctx, sessionID, nodeKey)
}
