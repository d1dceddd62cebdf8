package orchestrator

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/dyluth/tailor/internal/bus"
	"github.com/dyluth/tailor/pkg/blackboard"
)

const (
	domainProgress = "progress"
	domainPipeline = "pipeline"
)

type progressPayload struct {
	Stage string `json:"stage"`
	Text  string `json:"text"`
}

type handoffPayload struct {
	SessionID       string `json:"session_id"`
	Stage           string `json:"stage"`
	ArtifactVersion int    `json:"artifact_version"`
}

// inboxHandler turns messages addressed to a session into client events.
// Progress notifications become text deltas; everything else is logged.
func (c *Coordinator) inboxHandler(sessionID string) bus.Handler {
	return func(_ context.Context, msg blackboard.AgentMessage) error {
		if msg.Type == blackboard.MessageNotification && msg.Domain == domainProgress {
			var p progressPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				log.Printf("[Coordinator] Dropping malformed progress message %s: %v", msg.ID, err)
				return nil
			}
			if p.Text == "" {
				return nil
			}
			c.sink.Publish(sessionID, blackboard.TextDelta{SessionID: sessionID, Stage: p.Stage, Text: p.Text})
			return nil
		}

		c.logEvent("agent_message", map[string]interface{}{
			"session_id": sessionID,
			"message_id": msg.ID,
			"from":       msg.From,
			"type":       string(msg.Type),
			"domain":     msg.Domain,
		})
		return nil
	}
}

// logEvent logs a structured event in JSON format.
func (c *Coordinator) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	if _, ok := data["level"]; !ok {
		data["level"] = "info"
	}
	data["component"] = "coordinator"
	data["event_type"] = eventType
	data["instance"] = c.cfg.InstanceName

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Coordinator] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
