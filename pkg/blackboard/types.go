package blackboard

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a pipeline run.
type SessionStatus string

const (
	SessionIdle     SessionStatus = "idle"
	SessionRunning  SessionStatus = "running"
	SessionBlocked  SessionStatus = "blocked"
	SessionError    SessionStatus = "error"
	SessionComplete SessionStatus = "complete"
)

// Validate checks if the SessionStatus is a valid enum value.
func (s SessionStatus) Validate() error {
	switch s {
	case SessionIdle, SessionRunning, SessionBlocked, SessionError, SessionComplete:
		return nil
	default:
		return fmt.Errorf("unknown session status: %q", s)
	}
}

// Active reports whether a session still needs the coordinator's attention.
func (s SessionStatus) Active() bool {
	return s == SessionRunning || s == SessionBlocked
}

// Session represents one pipeline run.
type Session struct {
	ID                 string        `json:"id"`
	OwnerID            string        `json:"owner_id"`
	CurrentStage       string        `json:"current_stage"`
	Status             SessionStatus `json:"status"`
	PendingGate        string        `json:"pending_gate,omitempty"` // empty means no gate is pending
	PendingGatePayload *GatePayload  `json:"pending_gate_payload,omitempty"`
	UpdatedAtMs        int64         `json:"updated_at_ms"`
}

// Validate checks if the Session has valid field values.
func (s *Session) Validate() error {
	if !isValidUUID(s.ID) {
		return fmt.Errorf("invalid session ID: not a valid UUID")
	}
	if s.OwnerID == "" {
		return fmt.Errorf("owner_id cannot be empty")
	}
	if s.CurrentStage == "" {
		return fmt.Errorf("current_stage cannot be empty")
	}
	if err := s.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}
	return nil
}

// Gates returns the gate payload, allocating it on first use.
func (s *Session) Gates() *GatePayload {
	if s.PendingGatePayload == nil {
		s.PendingGatePayload = &GatePayload{}
	}
	return s.PendingGatePayload
}

// GatePayload is the opaque blob describing the pending gate together with
// the queue of responses that arrived for gates other than the pending one.
type GatePayload struct {
	Payload       json.RawMessage       `json:"payload,omitempty"`
	RequestedAtMs int64                 `json:"requested_at_ms,omitempty"`
	ResponseQueue []PendingGateResponse `json:"response_queue,omitempty"`
	// Resolved lists gates answered since they were last requested, so a
	// repeated submission is recognised as a duplicate instead of buffered.
	Resolved []string `json:"resolved,omitempty"`
}

// PendingGateResponse is one buffered answer. At most one exists per gate.
type PendingGateResponse struct {
	Gate          string          `json:"gate"`
	Response      json.RawMessage `json:"response"`
	RespondedAtMs int64           `json:"responded_at_ms"`
}

// Enqueue stores r, replacing any unconsumed entry for the same gate.
func (g *GatePayload) Enqueue(r PendingGateResponse) {
	for i := range g.ResponseQueue {
		if g.ResponseQueue[i].Gate == r.Gate {
			g.ResponseQueue[i] = r
			return
		}
	}
	g.ResponseQueue = append(g.ResponseQueue, r)
}

// Take removes and returns the buffered entry for gate.
func (g *GatePayload) Take(gate string) (PendingGateResponse, bool) {
	for i, r := range g.ResponseQueue {
		if r.Gate == gate {
			g.ResponseQueue = append(g.ResponseQueue[:i], g.ResponseQueue[i+1:]...)
			return r, true
		}
	}
	return PendingGateResponse{}, false
}

// IsResolved reports whether gate was answered since it was last requested.
func (g *GatePayload) IsResolved(gate string) bool {
	for _, name := range g.Resolved {
		if name == gate {
			return true
		}
	}
	return false
}

// MarkResolved records gate as answered.
func (g *GatePayload) MarkResolved(gate string) {
	if !g.IsResolved(gate) {
		g.Resolved = append(g.Resolved, gate)
	}
}

// Reopen forgets a previous resolution so gate can be asked again.
func (g *GatePayload) Reopen(gate string) {
	for i, name := range g.Resolved {
		if name == gate {
			g.Resolved = append(g.Resolved[:i], g.Resolved[i+1:]...)
			return
		}
	}
}

// NodeStatus is the externally visible state of one pipeline stage.
type NodeStatus string

const (
	NodeLocked     NodeStatus = "locked"
	NodeReady      NodeStatus = "ready"
	NodeInProgress NodeStatus = "in_progress"
	NodeBlocked    NodeStatus = "blocked"
	NodeComplete   NodeStatus = "complete"
	NodeStale      NodeStatus = "stale"
)

// Validate checks if the NodeStatus is a valid enum value.
func (s NodeStatus) Validate() error {
	switch s {
	case NodeLocked, NodeReady, NodeInProgress, NodeBlocked, NodeComplete, NodeStale:
		return nil
	default:
		return fmt.Errorf("unknown node status: %q", s)
	}
}

// WorkflowNode is the status record for one stage of one session.
type WorkflowNode struct {
	Key           string            `json:"key"`
	Status        NodeStatus        `json:"status"`
	ActiveVersion *int              `json:"active_version"`
	Meta          map[string]string `json:"meta,omitempty"`
	UpdatedAtMs   int64             `json:"updated_at_ms"`
}

// Artifact is an immutable, versioned output produced by a node.
type Artifact struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	NodeKey     string          `json:"node_key"`
	Type        string          `json:"artifact_type"`
	Version     int             `json:"version"` // starts at 1 per (session, node, type)
	Payload     json.RawMessage `json:"payload"`
	CreatedAtMs int64           `json:"created_at_ms"`
}

// Validate checks if the Artifact has valid field values.
func (a *Artifact) Validate() error {
	if !isValidUUID(a.ID) {
		return fmt.Errorf("invalid artifact ID: not a valid UUID")
	}
	if !isValidUUID(a.SessionID) {
		return fmt.Errorf("invalid session ID: not a valid UUID")
	}
	if a.NodeKey == "" {
		return fmt.Errorf("node key cannot be empty")
	}
	if a.Type == "" {
		return fmt.Errorf("artifact type cannot be empty")
	}
	if a.Version < 1 {
		return fmt.Errorf("invalid version: must be >= 1, got %d", a.Version)
	}
	if !json.Valid(a.Payload) {
		return fmt.Errorf("artifact payload is not valid JSON")
	}
	return nil
}

// MessageType is the intent of an agent message.
type MessageType string

const (
	MessageHandoff      MessageType = "handoff"
	MessageRequest      MessageType = "request"
	MessageResponse     MessageType = "response"
	MessageNotification MessageType = "notification"
)

// Validate checks if the MessageType is a valid enum value.
func (t MessageType) Validate() error {
	switch t {
	case MessageHandoff, MessageRequest, MessageResponse, MessageNotification:
		return nil
	default:
		return fmt.Errorf("unknown message type: %q", t)
	}
}

// AgentMessage is the envelope carried by the message bus. Immutable once sent.
type AgentMessage struct {
	ID          string          `json:"id"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Type        MessageType     `json:"type"`
	Domain      string          `json:"domain"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	TimestampMs int64           `json:"timestamp_ms"`
}

// Validate checks the envelope before publishing.
func (m *AgentMessage) Validate() error {
	if m.From == "" {
		return fmt.Errorf("message sender cannot be empty")
	}
	if m.To == "" {
		return fmt.Errorf("message recipient cannot be empty")
	}
	if err := m.Type.Validate(); err != nil {
		return fmt.Errorf("invalid message type: %w", err)
	}
	if len(m.Payload) > 0 && !json.Valid(m.Payload) {
		return fmt.Errorf("message payload is not valid JSON")
	}
	return nil
}

// Checkpoint is everything needed to rebuild a coordinator run after restart.
type Checkpoint struct {
	SessionID          string                     `json:"session_id"`
	OwnerID            string                     `json:"owner_id"`
	CurrentStage       string                     `json:"current_stage"`
	Status             SessionStatus              `json:"status"`
	Outputs            map[string]json.RawMessage `json:"outputs"`
	GateResponses      map[string]json.RawMessage `json:"gate_responses,omitempty"`
	PendingGate        string                     `json:"pending_gate,omitempty"`
	PendingGatePayload *GatePayload               `json:"pending_gate_payload,omitempty"`
	UpdatedAtMs        int64                      `json:"updated_at_ms"`
}

// isValidUUID checks if a string is a valid UUID format.
func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
