// Package blackboard provides type-safe Go definitions and Redis schema patterns
// for the Tailor resume pipeline.
//
// # Overview
//
// The blackboard is the shared state every Tailor component reads and writes:
// the coordinator owns sessions and workflow nodes, the gate manager owns the
// pending-gate slot, the artifact store owns versioned outputs and the durable
// message bus keeps one stream per agent. Everything lives in Redis so that a
// restarted process can pick up exactly where the previous one stopped.
//
// # Core Concepts
//
// A Session is one pipeline run. Its current_stage and status are written only
// by the coordinator; pending_gate and pending_gate_payload are written only by
// the gate manager, through an optimistic WATCH transaction.
//
// WorkflowNodes are the externally visible status records of each stage. A
// node stays locked until every earlier node is complete, and amending an
// upstream artifact marks every downstream node stale.
//
// Artifacts are immutable, versioned payloads scoped to (session, node, type).
// Version numbers come from a single INCR so concurrent writers never collide.
//
// Events are the closed set of domain notifications streamed to clients.
//
// # Multi-Instance Support
//
// All Redis keys are namespaced by instance name so multiple Tailor
// deployments can share one Redis server.
//
// # Redis Schema
//
// Sessions:          tailor:{instance}:session:{session_id}               (hash)
// Session index:     tailor:{instance}:sessions                           (set)
// Workflow nodes:    tailor:{instance}:session:{session_id}:node:{node}   (hash)
// Checkpoints:       tailor:{instance}:checkpoint:{session_id}            (string, JSON)
// Artifacts:         tailor:{instance}:artifact:{artifact_id}             (hash)
// Version counters:  tailor:{instance}:artifact_version:{sid}:{node}:{type} (string, INCR)
// Artifact history:  tailor:{instance}:history:{session_id}:{node}        (zset)
// Agent streams:     tailor:{instance}:bus:{agent_name}                   (stream)
package blackboard
