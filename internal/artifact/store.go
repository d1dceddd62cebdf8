// Package artifact is the append-only, versioned store for node outputs.
//
// Versions are allocated per (session, node, artifact type) by a single
// atomic increment at the storage layer. Writing an artifact allocates the
// next version, persists the payload and moves the node's active version
// pointer as one logical step.
package artifact

import (
	"context"
	"encoding/json"

	"github.com/dyluth/tailor/pkg/blackboard"
)

// Store is implemented by every artifact backend.
type Store interface {
	// NextVersion atomically allocates the next version number, starting at 1.
	NextVersion(ctx context.Context, sessionID, nodeKey, artifactType string) (int, error)
	// Write stores payload under a freshly allocated version and points the
	// node at it with the given status.
	Write(ctx context.Context, sessionID, nodeKey, artifactType string, payload json.RawMessage, status blackboard.NodeStatus) (*blackboard.Artifact, error)
	// History returns every artifact of a node, newest first.
	History(ctx context.Context, sessionID, nodeKey string) ([]*blackboard.Artifact, error)
}
