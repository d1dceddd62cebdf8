package blackboard

import "fmt"

// Redis key pattern helpers
//
// All keys are namespaced by instance name so several Tailor deployments can
// share one Redis server.
//
// Key pattern: tailor:{instance_name}:{entity}:{id}

// SessionKey returns the Redis key for a session hash.
// Pattern: tailor:{instance_name}:session:{session_id}
func SessionKey(instanceName, sessionID string) string {
	return fmt.Sprintf("tailor:%s:session:%s", instanceName, sessionID)
}

// SessionIndexKey returns the Redis key for the set of all session IDs.
// Pattern: tailor:{instance_name}:sessions
func SessionIndexKey(instanceName string) string {
	return fmt.Sprintf("tailor:%s:sessions", instanceName)
}

// NodeKey returns the Redis key for a workflow node hash.
// Pattern: tailor:{instance_name}:session:{session_id}:node:{node_key}
func NodeKey(instanceName, sessionID, nodeKey string) string {
	return fmt.Sprintf("tailor:%s:session:%s:node:%s", instanceName, sessionID, nodeKey)
}

// CheckpointKey returns the Redis key for a session checkpoint.
// Pattern: tailor:{instance_name}:checkpoint:{session_id}
func CheckpointKey(instanceName, sessionID string) string {
	return fmt.Sprintf("tailor:%s:checkpoint:%s", instanceName, sessionID)
}

// ArtifactKey returns the Redis key for an artifact hash.
// Pattern: tailor:{instance_name}:artifact:{artifact_id}
func ArtifactKey(instanceName, artifactID string) string {
	return fmt.Sprintf("tailor:%s:artifact:%s", instanceName, artifactID)
}

// ArtifactVersionKey returns the Redis key of the version counter for one
// (session, node, artifact type) triple.
// Pattern: tailor:{instance_name}:artifact_version:{session_id}:{node_key}:{artifact_type}
func ArtifactVersionKey(instanceName, sessionID, nodeKey, artifactType string) string {
	return fmt.Sprintf("tailor:%s:artifact_version:%s:%s:%s", instanceName, sessionID, nodeKey, artifactType)
}

// ArtifactHistoryKey returns the Redis key for a node's artifact history ZSET.
// Pattern: tailor:{instance_name}:history:{session_id}:{node_key}
func ArtifactHistoryKey(instanceName, sessionID, nodeKey string) string {
	return fmt.Sprintf("tailor:%s:history:%s:%s", instanceName, sessionID, nodeKey)
}

// ArtifactHistorySeqKey returns the Redis key of the counter that orders a
// node's history across artifact types.
// Pattern: tailor:{instance_name}:history_seq:{session_id}:{node_key}
func ArtifactHistorySeqKey(instanceName, sessionID, nodeKey string) string {
	return fmt.Sprintf("tailor:%s:history_seq:%s:%s", instanceName, sessionID, nodeKey)
}

// AgentStreamKey returns the Redis stream an agent consumes from.
// Pattern: tailor:{instance_name}:bus:{agent_name}
func AgentStreamKey(instanceName, agentName string) string {
	return fmt.Sprintf("tailor:%s:bus:%s", instanceName, agentName)
}

// AgentStreamPattern matches every agent stream of an instance (for SCAN).
// Pattern: tailor:{instance_name}:bus:*
func AgentStreamPattern(instanceName string) string {
	return fmt.Sprintf("tailor:%s:bus:*", instanceName)
}
