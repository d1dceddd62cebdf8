package blackboard

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventKind names a domain event on the wire.
type EventKind string

const (
	EventSessionStarted  EventKind = "session_started"
	EventStageStarted    EventKind = "stage_started"
	EventStageCompleted  EventKind = "stage_completed"
	EventNodeUpdated     EventKind = "node_updated"
	EventGateRequested   EventKind = "gate_requested"
	EventGateResolved    EventKind = "gate_resolved"
	EventTextDelta       EventKind = "text_delta"
	EventSessionComplete EventKind = "session_complete"
	EventSessionError    EventKind = "session_error"
	EventHeartbeat       EventKind = "heartbeat"
)

// ErrUnknownEvent is returned by DecodeEvent for names outside the closed set.
var ErrUnknownEvent = errors.New("unknown event kind")

// Event is the closed set of domain events streamed to clients. Consumers
// switch over the concrete types; the unexported marker keeps the set closed.
type Event interface {
	Kind() EventKind
	isEvent()
}

// SessionStarted announces a new or restarted run.
type SessionStarted struct {
	SessionID string   `json:"session_id"`
	OwnerID   string   `json:"owner_id"`
	Stage     string   `json:"stage"`
	Stages    []string `json:"stages"`
}

// StageStarted is emitted each time a handler is invoked.
type StageStarted struct {
	SessionID string `json:"session_id"`
	Stage     string `json:"stage"`
}

// StageCompleted is emitted after a stage's artifact and checkpoint are written.
type StageCompleted struct {
	SessionID       string `json:"session_id"`
	Stage           string `json:"stage"`
	NextStage       string `json:"next_stage"`
	ArtifactVersion int    `json:"artifact_version"`
}

// NodeUpdated mirrors a workflow node status change.
type NodeUpdated struct {
	SessionID     string     `json:"session_id"`
	Node          string     `json:"node"`
	Status        NodeStatus `json:"status"`
	ActiveVersion *int       `json:"active_version,omitempty"`
}

// GateRequested tells the client the pipeline is waiting for input.
type GateRequested struct {
	SessionID string          `json:"session_id"`
	Stage     string          `json:"stage"`
	Gate      string          `json:"gate"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// GateResolved confirms a gate answer was applied.
type GateResolved struct {
	SessionID string `json:"session_id"`
	Gate      string `json:"gate"`
	// FromQueue is true when the answer had been buffered before the gate opened.
	FromQueue bool `json:"from_queue"`
}

// TextDelta is a fragment of streaming progress text.
type TextDelta struct {
	SessionID string `json:"session_id"`
	Stage     string `json:"stage"`
	Text      string `json:"text"`
}

// SessionFinished is the terminal success event.
type SessionFinished struct {
	SessionID string `json:"session_id"`
}

// SessionFailed is the terminal failure event. Message and Action are stable,
// user-facing strings; internal error text never appears here.
type SessionFailed struct {
	SessionID string `json:"session_id"`
	Stage     string `json:"stage"`
	ErrorKind string `json:"kind"`
	Message   string `json:"message"`
	Action    string `json:"action"`
}

// Heartbeat keeps an idle stream observably alive.
type Heartbeat struct {
	AtMs int64 `json:"at_ms"`
}

func (SessionStarted) Kind() EventKind  { return EventSessionStarted }
func (StageStarted) Kind() EventKind    { return EventStageStarted }
func (StageCompleted) Kind() EventKind  { return EventStageCompleted }
func (NodeUpdated) Kind() EventKind     { return EventNodeUpdated }
func (GateRequested) Kind() EventKind   { return EventGateRequested }
func (GateResolved) Kind() EventKind    { return EventGateResolved }
func (TextDelta) Kind() EventKind       { return EventTextDelta }
func (SessionFinished) Kind() EventKind { return EventSessionComplete }
func (SessionFailed) Kind() EventKind   { return EventSessionError }
func (Heartbeat) Kind() EventKind       { return EventHeartbeat }

func (SessionStarted) isEvent()  {}
func (StageStarted) isEvent()    {}
func (StageCompleted) isEvent()  {}
func (NodeUpdated) isEvent()     {}
func (GateRequested) isEvent()   {}
func (GateResolved) isEvent()    {}
func (TextDelta) isEvent()       {}
func (SessionFinished) isEvent() {}
func (SessionFailed) isEvent()   {}
func (Heartbeat) isEvent()       {}

// IsTerminal reports whether ev ends the session's stream of work.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case SessionFinished, SessionFailed:
		return true
	default:
		return false
	}
}

// EncodeEvent returns the wire name and JSON body of ev.
func EncodeEvent(ev Event) (string, []byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal %s event: %w", ev.Kind(), err)
	}
	return string(ev.Kind()), data, nil
}

// DecodeEvent parses a wire frame back into its concrete event type.
func DecodeEvent(name string, data []byte) (Event, error) {
	switch EventKind(name) {
	case EventSessionStarted:
		return decodeAs[SessionStarted](name, data)
	case EventStageStarted:
		return decodeAs[StageStarted](name, data)
	case EventStageCompleted:
		return decodeAs[StageCompleted](name, data)
	case EventNodeUpdated:
		return decodeAs[NodeUpdated](name, data)
	case EventGateRequested:
		return decodeAs[GateRequested](name, data)
	case EventGateResolved:
		return decodeAs[GateResolved](name, data)
	case EventTextDelta:
		return decodeAs[TextDelta](name, data)
	case EventSessionComplete:
		return decodeAs[SessionFinished](name, data)
	case EventSessionError:
		return decodeAs[SessionFailed](name, data)
	case EventHeartbeat:
		return decodeAs[Heartbeat](name, data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
}

func decodeAs[T Event](name string, data []byte) (Event, error) {
	var ev T
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s event: %w", name, err)
	}
	return ev, nil
}
