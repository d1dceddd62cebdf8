// Package bus carries messages between independently scheduled agents.
//
// Two interchangeable backends implement Bus: MemoryBus dispatches
// synchronously inside one process, RedisBus keeps one Redis stream per
// recipient and consumes it through a consumer group with explicit
// acknowledgement and reclaim of stuck deliveries. Delivery is at-least-once,
// so handlers must be idempotent.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/tailor/pkg/blackboard"
	"github.com/dyluth/tailor/pkg/stage"
	"github.com/google/uuid"
)

// Handler processes one delivered message. Returning an error leaves the
// message unacknowledged so it can be redelivered.
type Handler func(ctx context.Context, msg blackboard.AgentMessage) error

// ErrAlreadySubscribed is returned when an agent name already has a handler.
var ErrAlreadySubscribed = errors.New("agent already subscribed")

// Bus is the uniform interface of both backends.
type Bus interface {
	// Subscribe registers handler as the consumer for messages addressed to agent.
	Subscribe(agent string, handler Handler) error
	// Unsubscribe stops delivery to agent. It is a no-op for unknown agents.
	Unsubscribe(agent string)
	// Send publishes msg and returns it with its id and timestamp filled in.
	// Only malformed messages produce an error: publish failures are logged
	// and counted, and the caller still receives the generated id.
	Send(ctx context.Context, msg blackboard.AgentMessage) (blackboard.AgentMessage, error)
	// Log returns the retained messages, oldest first.
	Log(ctx context.Context) ([]blackboard.AgentMessage, error)
	// Reset stops every subscription and discards retained messages.
	Reset(ctx context.Context) error
	// Close stops every subscription.
	Close() error
}

// prepare validates msg and stamps the generated fields.
func prepare(msg blackboard.AgentMessage) (blackboard.AgentMessage, error) {
	if err := msg.Validate(); err != nil {
		return msg, stage.Validation(fmt.Errorf("invalid agent message: %w", err))
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.TimestampMs == 0 {
		msg.TimestampMs = time.Now().UnixMilli()
	}
	return msg, nil
}

// Inbox returns the agent name under which the coordinator listens for
// messages about one session.
func Inbox(sessionID string) string {
	return "coordinator." + sessionID
}
