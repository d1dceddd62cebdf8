package blackboard

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Redis stores data as string-to-string maps (hashes). Nested structures such
// as the gate payload and node meta are JSON-encoded into single fields.

// SessionToHash converts the coordinator-owned fields of a Session to a hash.
// Gate fields are written separately by GateFieldsToHash.
func SessionToHash(s *Session) map[string]interface{} {
	return map[string]interface{}{
		"id":            s.ID,
		"owner_id":      s.OwnerID,
		"current_stage": s.CurrentStage,
		"status":        string(s.Status),
		"updated_at_ms": s.UpdatedAtMs,
	}
}

// GateFieldsToHash converts the gate-manager-owned fields of a Session.
func GateFieldsToHash(s *Session) (map[string]interface{}, error) {
	payload := ""
	if s.PendingGatePayload != nil {
		data, err := json.Marshal(s.PendingGatePayload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pending_gate_payload: %w", err)
		}
		payload = string(data)
	}
	return map[string]interface{}{
		"pending_gate":         s.PendingGate,
		"pending_gate_payload": payload,
		"updated_at_ms":        s.UpdatedAtMs,
	}, nil
}

// HashToSession converts a Redis hash to a Session.
func HashToSession(hash map[string]string) (*Session, error) {
	updatedAt, _ := strconv.ParseInt(hash["updated_at_ms"], 10, 64)

	var gates *GatePayload
	if raw := hash["pending_gate_payload"]; raw != "" {
		gates = &GatePayload{}
		if err := json.Unmarshal([]byte(raw), gates); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pending_gate_payload: %w", err)
		}
	}

	return &Session{
		ID:                 hash["id"],
		OwnerID:            hash["owner_id"],
		CurrentStage:       hash["current_stage"],
		Status:             SessionStatus(hash["status"]),
		PendingGate:        hash["pending_gate"],
		PendingGatePayload: gates,
		UpdatedAtMs:        updatedAt,
	}, nil
}

// NodeToHash converts a WorkflowNode to a Redis hash. A nil active version is
// stored as an empty string.
func NodeToHash(n *WorkflowNode) (map[string]interface{}, error) {
	meta := ""
	if len(n.Meta) > 0 {
		data, err := json.Marshal(n.Meta)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal node meta: %w", err)
		}
		meta = string(data)
	}
	version := ""
	if n.ActiveVersion != nil {
		version = strconv.Itoa(*n.ActiveVersion)
	}
	return map[string]interface{}{
		"key":            n.Key,
		"status":         string(n.Status),
		"active_version": version,
		"meta":           meta,
		"updated_at_ms":  n.UpdatedAtMs,
	}, nil
}

// HashToNode converts a Redis hash to a WorkflowNode.
func HashToNode(hash map[string]string) (*WorkflowNode, error) {
	node := &WorkflowNode{
		Key:    hash["key"],
		Status: NodeStatus(hash["status"]),
	}
	if v := hash["active_version"]; v != "" {
		version, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid active_version field: %w", err)
		}
		node.ActiveVersion = &version
	}
	if raw := hash["meta"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &node.Meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node meta: %w", err)
		}
	}
	node.UpdatedAtMs, _ = strconv.ParseInt(hash["updated_at_ms"], 10, 64)
	return node, nil
}

// ArtifactToHash converts an Artifact to a Redis hash.
func ArtifactToHash(a *Artifact) map[string]interface{} {
	return map[string]interface{}{
		"id":            a.ID,
		"session_id":    a.SessionID,
		"node_key":      a.NodeKey,
		"artifact_type": a.Type,
		"version":       a.Version,
		"payload":       string(a.Payload),
		"created_at_ms": a.CreatedAtMs,
	}
}

// HashToArtifact converts a Redis hash to an Artifact.
func HashToArtifact(hash map[string]string) (*Artifact, error) {
	version, err := strconv.Atoi(hash["version"])
	if err != nil {
		return nil, fmt.Errorf("invalid version field: %w", err)
	}
	createdAt, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)

	return &Artifact{
		ID:          hash["id"],
		SessionID:   hash["session_id"],
		NodeKey:     hash["node_key"],
		Type:        hash["artifact_type"],
		Version:     version,
		Payload:     json.RawMessage(hash["payload"]),
		CreatedAtMs: createdAt,
	}, nil
}
