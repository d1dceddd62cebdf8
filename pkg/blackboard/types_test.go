package blackboard

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestGatePayloadQueue(t *testing.T) {
	t.Run("last write wins per gate", func(t *testing.T) {
		g := &GatePayload{}
		g.Enqueue(PendingGateResponse{Gate: "G", Response: json.RawMessage(`1`)})
		g.Enqueue(PendingGateResponse{Gate: "H", Response: json.RawMessage(`"h"`)})
		g.Enqueue(PendingGateResponse{Gate: "G", Response: json.RawMessage(`2`)})

		assert.Len(t, g.ResponseQueue, 2)
		r, ok := g.Take("G")
		assert.True(t, ok)
		assert.Equal(t, `2`, string(r.Response))

		_, ok = g.Take("G")
		assert.False(t, ok, "taking consumes the entry")
		assert.Len(t, g.ResponseQueue, 1)
	})

	t.Run("resolution tracking", func(t *testing.T) {
		g := &GatePayload{}
		assert.False(t, g.IsResolved("G"))
		g.MarkResolved("G")
		g.MarkResolved("G")
		assert.True(t, g.IsResolved("G"))
		assert.Len(t, g.Resolved, 1)
		g.Reopen("G")
		assert.False(t, g.IsResolved("G"))
	})
}

func TestSessionValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s *Session)
		wantErr string
	}{
		{name: "valid", mutate: func(s *Session) {}},
		{name: "bad id", mutate: func(s *Session) { s.ID = "x" }, wantErr: "invalid session ID"},
		{name: "no owner", mutate: func(s *Session) { s.OwnerID = "" }, wantErr: "owner_id"},
		{name: "no stage", mutate: func(s *Session) { s.CurrentStage = "" }, wantErr: "current_stage"},
		{name: "bad status", mutate: func(s *Session) { s.Status = "paused" }, wantErr: "unknown session status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{ID: uuid.New().String(), OwnerID: "o", CurrentStage: "intake", Status: SessionIdle}
			tt.mutate(s)
			err := s.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestAgentMessageValidate(t *testing.T) {
	msg := &AgentMessage{From: "researcher", To: "writer", Type: MessageHandoff, Payload: json.RawMessage(`{}`)}
	assert.NoError(t, msg.Validate())

	msg.Type = "broadcast"
	assert.ErrorContains(t, msg.Validate(), "unknown message type")

	msg.Type = MessageRequest
	msg.Payload = json.RawMessage(`{bad`)
	assert.ErrorContains(t, msg.Validate(), "not valid JSON")

	msg.Payload = nil
	msg.To = ""
	assert.ErrorContains(t, msg.Validate(), "recipient")
}

func TestHashRoundTripKeepsNilVersion(t *testing.T) {
	hash, err := NodeToHash(&WorkflowNode{Key: "intake", Status: NodeReady})
	assert.NoError(t, err)

	strHash := make(map[string]string, len(hash))
	for k, v := range hash {
		strHash[k] = toString(v)
	}
	node, err := HashToNode(strHash)
	assert.NoError(t, err)
	assert.Nil(t, node.ActiveVersion)
	assert.Equal(t, NodeReady, node.Status)
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	default:
		data, _ := json.Marshal(x)
		return string(data)
	}
}
