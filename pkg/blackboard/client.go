package blackboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic-lock retries for session updates.
const maxTxRetries = 16

// Client provides instance-scoped Redis operations for the blackboard.
// All keys are automatically namespaced with the instance name.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb          *redis.Client
	instanceName string
}

// NewClient creates a new blackboard client for the specified instance.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - instanceName: Tailor instance identifier (must not be empty)
//
// Returns an error if instanceName is empty.
func NewClient(redisOpts *redis.Options, instanceName string) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// InstanceName returns the namespace this client writes under.
func (c *Client) InstanceName() string {
	return c.instanceName
}

// Redis exposes the underlying connection for components that share it,
// such as the durable message bus.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// CreateSession writes a new session and adds it to the session index.
func (c *Client) CreateSession(ctx context.Context, s *Session) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}
	if s.UpdatedAtMs == 0 {
		s.UpdatedAtMs = time.Now().UnixMilli()
	}

	gateFields, err := GateFieldsToHash(s)
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}

	key := SessionKey(c.instanceName, s.ID)
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, SessionToHash(s))
		pipe.HSet(ctx, key, gateFields)
		pipe.SAdd(ctx, SessionIndexKey(c.instanceName), s.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write session to Redis: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
// Returns (nil, redis.Nil) if the session doesn't exist.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	hashData, err := c.rdb.HGetAll(ctx, SessionKey(c.instanceName, sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	session, err := HashToSession(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize session: %w", err)
	}
	return session, nil
}

// ErrSessionEnded is returned when a state update would move a session out
// of its error status.
var ErrSessionEnded = errors.New("session has ended with an error")

// SaveSessionState updates the coordinator-owned fields of a session. The
// gate fields are left untouched. The read and write run under WATCH, so a
// late write racing an abort can never move the session out of error.
func (c *Client) SaveSessionState(ctx context.Context, sessionID, currentStage string, status SessionStatus) error {
	if err := status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}
	key := SessionKey(c.instanceName, sessionID)

	txf := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "status").Result()
		if err != nil {
			return err
		}
		if SessionStatus(current) == SessionError && status != SessionError {
			return ErrSessionEnded
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"current_stage", currentStage,
				"status", string(status),
				"updated_at_ms", time.Now().UnixMilli(),
			)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := c.rdb.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case IsNotFound(err), errors.Is(err, ErrSessionEnded):
			return err
		default:
			return fmt.Errorf("failed to update session state: %w", err)
		}
	}
	return fmt.Errorf("state update for session %s: too many concurrent writers", sessionID)
}

// UpdateGate applies fn to the session under an optimistic WATCH transaction
// and persists the gate fields it leaves behind. Concurrent writers of the
// same session cause a retry, never a lost update.
func (c *Client) UpdateGate(ctx context.Context, sessionID string, fn func(*Session) error) (*Session, error) {
	key := SessionKey(c.instanceName, sessionID)
	var updated *Session

	txf := func(tx *redis.Tx) error {
		hashData, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(hashData) == 0 {
			return redis.Nil
		}
		session, err := HashToSession(hashData)
		if err != nil {
			return err
		}
		if err := fn(session); err != nil {
			return err
		}
		session.UpdatedAtMs = time.Now().UnixMilli()

		fields, err := GateFieldsToHash(session)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			return nil
		})
		if err != nil {
			return err
		}
		updated = session
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := c.rdb.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("gate update for session %s: too many concurrent writers", sessionID)
}

// ListSessions returns every session in the index. Sessions whose hash has
// disappeared are skipped.
func (c *Client) ListSessions(ctx context.Context) ([]*Session, error) {
	ids, err := c.rdb.SMembers(ctx, SessionIndexKey(c.instanceName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session index: %w", err)
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		s, err := c.GetSession(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// ActiveSessions returns sessions that are running or blocked at a gate.
func (c *Client) ActiveSessions(ctx context.Context) ([]*Session, error) {
	all, err := c.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, s := range all {
		if s.Status.Active() {
			active = append(active, s)
		}
	}
	return active, nil
}

// InitNodes creates one node per key: the first is ready, the rest locked.
func (c *Client) InitNodes(ctx context.Context, sessionID string, keys []string) error {
	now := time.Now().UnixMilli()
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			status := NodeLocked
			if i == 0 {
				status = NodeReady
			}
			hash, err := NodeToHash(&WorkflowNode{Key: k, Status: status, UpdatedAtMs: now})
			if err != nil {
				return err
			}
			pipe.HSet(ctx, NodeKey(c.instanceName, sessionID, k), hash)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to initialise workflow nodes: %w", err)
	}
	return nil
}

// SetNodeStatus changes the status of one node.
func (c *Client) SetNodeStatus(ctx context.Context, sessionID, nodeKey string, status NodeStatus) error {
	if err := status.Validate(); err != nil {
		return fmt.Errorf("invalid node status: %w", err)
	}
	err := c.rdb.HSet(ctx, NodeKey(c.instanceName, sessionID, nodeKey),
		"key", nodeKey,
		"status", string(status),
		"updated_at_ms", time.Now().UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to update node %s: %w", nodeKey, err)
	}
	return nil
}

// SetNodeActive moves a node's active version pointer and status together.
// Used when the artifact payload itself lives outside Redis.
func (c *Client) SetNodeActive(ctx context.Context, sessionID, nodeKey, artifactType string, version int, status NodeStatus) error {
	if err := status.Validate(); err != nil {
		return fmt.Errorf("invalid node status: %w", err)
	}
	err := c.rdb.HSet(ctx, NodeKey(c.instanceName, sessionID, nodeKey),
		"key", nodeKey,
		"status", string(status),
		"active_version", version,
		"active_artifact_type", artifactType,
		"updated_at_ms", time.Now().UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to update node %s: %w", nodeKey, err)
	}
	return nil
}

// SetNodeStatuses changes several nodes atomically.
func (c *Client) SetNodeStatuses(ctx context.Context, sessionID string, statuses map[string]NodeStatus) error {
	now := time.Now().UnixMilli()
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, status := range statuses {
			pipe.HSet(ctx, NodeKey(c.instanceName, sessionID, k),
				"key", k,
				"status", string(status),
				"updated_at_ms", now,
			)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update workflow nodes: %w", err)
	}
	return nil
}

// GetNode retrieves one workflow node.
// Returns (nil, redis.Nil) if the node doesn't exist.
func (c *Client) GetNode(ctx context.Context, sessionID, nodeKey string) (*WorkflowNode, error) {
	hashData, err := c.rdb.HGetAll(ctx, NodeKey(c.instanceName, sessionID, nodeKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read node from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, redis.Nil
	}
	return nodeFromHash(hashData)
}

// GetNodes retrieves the nodes for keys, in the order given. Missing nodes
// are skipped.
func (c *Client) GetNodes(ctx context.Context, sessionID string, keys []string) ([]*WorkflowNode, error) {
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HGetAll(ctx, NodeKey(c.instanceName, sessionID, k))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow nodes: %w", err)
	}

	nodes := make([]*WorkflowNode, 0, len(keys))
	for _, cmd := range cmds {
		hashData := cmd.Val()
		if len(hashData) == 0 {
			continue
		}
		node, err := nodeFromHash(hashData)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func nodeFromHash(hashData map[string]string) (*WorkflowNode, error) {
	node, err := HashToNode(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize node: %w", err)
	}
	if t := hashData["active_artifact_type"]; t != "" {
		if node.Meta == nil {
			node.Meta = make(map[string]string)
		}
		node.Meta["artifact_type"] = t
	}
	return node, nil
}

// SaveCheckpoint writes the full accumulated state of a session.
func (c *Client) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	cp.UpdatedAtMs = time.Now().UnixMilli()
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := c.rdb.Set(ctx, CheckpointKey(c.instanceName, cp.SessionID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads a session checkpoint.
// Returns (nil, redis.Nil) if none was ever written.
func (c *Client) LoadCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error) {
	data, err := c.rdb.Get(ctx, CheckpointKey(c.instanceName, sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// NextArtifactVersion atomically allocates the next version number for a
// (session, node, artifact type) triple. Versions start at 1.
func (c *Client) NextArtifactVersion(ctx context.Context, sessionID, nodeKey, artifactType string) (int, error) {
	v, err := c.rdb.Incr(ctx, ArtifactVersionKey(c.instanceName, sessionID, nodeKey, artifactType)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate artifact version: %w", err)
	}
	return int(v), nil
}

// WriteArtifact persists an artifact, appends it to the node history and
// moves the node's active version pointer in one MULTI block.
func (c *Client) WriteArtifact(ctx context.Context, a *Artifact, nodeStatus NodeStatus) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid artifact: %w", err)
	}
	if err := nodeStatus.Validate(); err != nil {
		return fmt.Errorf("invalid node status: %w", err)
	}

	seq, err := c.rdb.Incr(ctx, ArtifactHistorySeqKey(c.instanceName, a.SessionID, a.NodeKey)).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate history slot: %w", err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, ArtifactKey(c.instanceName, a.ID), ArtifactToHash(a))
		pipe.ZAdd(ctx, ArtifactHistoryKey(c.instanceName, a.SessionID, a.NodeKey), redis.Z{
			Score:  HistoryScore(seq),
			Member: a.ID,
		})
		pipe.HSet(ctx, NodeKey(c.instanceName, a.SessionID, a.NodeKey),
			"key", a.NodeKey,
			"status", string(nodeStatus),
			"active_version", a.Version,
			"active_artifact_type", a.Type,
			"updated_at_ms", a.CreatedAtMs,
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write artifact to Redis: %w", err)
	}
	return nil
}

// GetArtifact retrieves an artifact by ID.
// Returns (nil, redis.Nil) if the artifact doesn't exist.
func (c *Client) GetArtifact(ctx context.Context, artifactID string) (*Artifact, error) {
	hashData, err := c.rdb.HGetAll(ctx, ArtifactKey(c.instanceName, artifactID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, redis.Nil
	}
	artifact, err := HashToArtifact(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize artifact: %w", err)
	}
	return artifact, nil
}

// ArtifactHistory returns every artifact of a node, newest first, across all
// artifact types.
func (c *Client) ArtifactHistory(ctx context.Context, sessionID, nodeKey string) ([]*Artifact, error) {
	ids, err := c.rdb.ZRevRange(ctx, ArtifactHistoryKey(c.instanceName, sessionID, nodeKey), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact history: %w", err)
	}

	artifacts := make([]*Artifact, 0, len(ids))
	for _, id := range ids {
		a, err := c.GetArtifact(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

// IsNotFound returns true if the error is a Redis "key not found" error (redis.Nil).
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
