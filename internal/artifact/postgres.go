package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dyluth/tailor/pkg/blackboard"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NodePointer moves a workflow node's active version. *blackboard.Client
// satisfies it.
type NodePointer interface {
	SetNodeActive(ctx context.Context, sessionID, nodeKey, artifactType string, version int, status blackboard.NodeStatus) error
}

const schema = `
CREATE TABLE IF NOT EXISTS artifact_versions (
	session_id    UUID NOT NULL,
	node_key      TEXT NOT NULL,
	artifact_type TEXT NOT NULL,
	version       INT  NOT NULL,
	PRIMARY KEY (session_id, node_key, artifact_type)
);
CREATE TABLE IF NOT EXISTS artifacts (
	seq           BIGSERIAL PRIMARY KEY,
	id            UUID   NOT NULL UNIQUE,
	session_id    UUID   NOT NULL,
	node_key      TEXT   NOT NULL,
	artifact_type TEXT   NOT NULL,
	version       INT    NOT NULL,
	payload       JSONB  NOT NULL,
	created_at_ms BIGINT NOT NULL,
	UNIQUE (session_id, node_key, artifact_type, version)
);
CREATE INDEX IF NOT EXISTS artifacts_history_idx ON artifacts (session_id, node_key, seq DESC);
`

const nextVersionSQL = `
INSERT INTO artifact_versions (session_id, node_key, artifact_type, version)
VALUES ($1, $2, $3, 1)
ON CONFLICT (session_id, node_key, artifact_type)
DO UPDATE SET version = artifact_versions.version + 1
RETURNING version`

// PostgresStore keeps artifact payloads in PostgreSQL. The workflow node
// pointer stays on the blackboard so inspection reads one place.
type PostgresStore struct {
	db    *pgxpool.Pool
	nodes NodePointer
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *pgxpool.Pool, nodes NodePointer) *PostgresStore {
	return &PostgresStore{db: db, nodes: nodes}
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create artifact schema: %w", err)
	}
	return nil
}

// NextVersion allocates a version with a single upsert, so concurrent callers
// serialise on the counter row.
func (s *PostgresStore) NextVersion(ctx context.Context, sessionID, nodeKey, artifactType string) (int, error) {
	var version int
	if err := s.db.QueryRow(ctx, nextVersionSQL, sessionID, nodeKey, artifactType).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to allocate artifact version: %w", err)
	}
	return version, nil
}

// Write allocates the version and inserts the payload in one transaction,
// then moves the node pointer.
func (s *PostgresStore) Write(ctx context.Context, sessionID, nodeKey, artifactType string, payload json.RawMessage, status blackboard.NodeStatus) (*blackboard.Artifact, error) {
	a := &blackboard.Artifact{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		NodeKey:     nodeKey,
		Type:        artifactType,
		Version:     1,
		Payload:     payload,
		CreatedAtMs: time.Now().UnixMilli(),
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("invalid artifact: %w", err)
	}

	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, nextVersionSQL, sessionID, nodeKey, artifactType).Scan(&a.Version); err != nil {
			return fmt.Errorf("failed to allocate artifact version: %w", err)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO artifacts (id, session_id, node_key, artifact_type, version, payload, created_at_ms)
			 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)`,
			a.ID, a.SessionID, a.NodeKey, a.Type, a.Version, string(a.Payload), a.CreatedAtMs)
		if err != nil {
			return fmt.Errorf("failed to insert artifact: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.nodes.SetNodeActive(ctx, sessionID, nodeKey, artifactType, a.Version, status); err != nil {
		return nil, err
	}
	return a, nil
}

// History returns the node's artifacts newest first.
func (s *PostgresStore) History(ctx context.Context, sessionID, nodeKey string) ([]*blackboard.Artifact, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id::text, session_id::text, node_key, artifact_type, version, payload::text, created_at_ms
		 FROM artifacts WHERE session_id = $1 AND node_key = $2 ORDER BY seq DESC`,
		sessionID, nodeKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact history: %w", err)
	}
	defer rows.Close()

	var artifacts []*blackboard.Artifact
	for rows.Next() {
		var (
			a       blackboard.Artifact
			payload string
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &a.NodeKey, &a.Type, &a.Version, &payload, &a.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		a.Payload = json.RawMessage(payload)
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}
