package bus

import (
	"context"
	"log"
	"sync"

	"github.com/dyluth/tailor/pkg/blackboard"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultMemoryLogSize bounds the in-memory message log.
const DefaultMemoryLogSize = 1000

// MemoryBus dispatches synchronously to handlers registered in this process.
// Nothing survives a restart.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      []blackboard.AgentMessage
	maxLog   int
	metrics  *metrics
}

// NewMemoryBus creates an in-process bus retaining at most maxLog messages.
func NewMemoryBus(maxLog int) *MemoryBus {
	if maxLog <= 0 {
		maxLog = DefaultMemoryLogSize
	}
	return &MemoryBus{
		handlers: make(map[string]Handler),
		maxLog:   maxLog,
		metrics:  newMetrics("memory"),
	}
}

// Subscribe registers handler for agent.
func (b *MemoryBus) Subscribe(agent string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[agent]; exists {
		return ErrAlreadySubscribed
	}
	b.handlers[agent] = handler
	return nil
}

// Unsubscribe removes the handler for agent.
func (b *MemoryBus) Unsubscribe(agent string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, agent)
}

// Send appends msg to the log and calls the recipient's handler before
// returning. A message for an agent nobody subscribed to is only logged.
func (b *MemoryBus) Send(ctx context.Context, msg blackboard.AgentMessage) (blackboard.AgentMessage, error) {
	msg, err := prepare(msg)
	if err != nil {
		return msg, err
	}

	b.mu.Lock()
	b.log = append(b.log, msg)
	if over := len(b.log) - b.maxLog; over > 0 {
		b.log = append(b.log[:0:0], b.log[over:]...)
	}
	handler := b.handlers[msg.To]
	b.mu.Unlock()

	b.metrics.add(ctx, b.metrics.published, 1)

	if handler != nil {
		if err := handler(ctx, msg); err != nil {
			b.metrics.add(ctx, b.metrics.handlerFailures, 1, attribute.String("agent", msg.To))
			log.Printf("[Bus] Handler for %s failed on message %s: %v", msg.To, msg.ID, err)
		}
	}
	return msg, nil
}

// Log returns a copy of the retained messages.
func (b *MemoryBus) Log(_ context.Context) ([]blackboard.AgentMessage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]blackboard.AgentMessage, len(b.log))
	copy(out, b.log)
	return out, nil
}

// Reset drops every handler and message.
func (b *MemoryBus) Reset(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[string]Handler)
	b.log = nil
	return nil
}

// Close drops every handler.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[string]Handler)
	return nil
}
