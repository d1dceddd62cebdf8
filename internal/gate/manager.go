// Package gate owns the "currently awaited human input" slot of a session and
// the queue of answers that arrived before their gate was asked.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/tailor/pkg/blackboard"
	"github.com/dyluth/tailor/pkg/stage"
)

// Outcome reports what SubmitResponse did with an answer.
type Outcome string

const (
	// Applied means the answer matched the pending gate and cleared it.
	Applied Outcome = "applied"
	// Buffered means the answer was queued for a gate not yet pending.
	Buffered Outcome = "buffered"
	// Duplicate means the gate had already been answered; nothing changed.
	Duplicate Outcome = "duplicate"
)

// ErrSessionNotFound is returned when the session has no record.
var ErrSessionNotFound = errors.New("session not found")

// Store is the persistence the manager needs. *blackboard.Client satisfies it.
type Store interface {
	UpdateGate(ctx context.Context, sessionID string, fn func(*blackboard.Session) error) (*blackboard.Session, error)
}

// Manager implements apply-or-buffer gate handling. All mutations run inside
// the store's optimistic transaction, so concurrent submissions for the same
// session serialise without a process-level lock.
type Manager struct {
	store Store
	now   func() time.Time
}

// NewManager creates a gate manager backed by store.
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// RecordGate marks gate as the session's pending gate. If an answer for gate
// was buffered earlier it is consumed instead, the slot stays empty and the
// answer is returned with ok=true.
func (m *Manager) RecordGate(ctx context.Context, sessionID, gate string, payload json.RawMessage) (response json.RawMessage, ok bool, err error) {
	if gate == "" {
		return nil, false, stage.Validation(fmt.Errorf("gate name cannot be empty"))
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, false, stage.Validation(fmt.Errorf("gate %s payload is not valid JSON", gate))
	}

	_, err = m.update(ctx, sessionID, func(s *blackboard.Session) error {
		g := s.Gates()
		g.Reopen(gate)
		if buffered, found := g.Take(gate); found {
			g.MarkResolved(gate)
			g.Payload = nil
			g.RequestedAtMs = 0
			s.PendingGate = ""
			response, ok = buffered.Response, true
			return nil
		}
		s.PendingGate = gate
		g.Payload = payload
		g.RequestedAtMs = m.now().UnixMilli()
		response, ok = nil, false
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return response, ok, nil
}

// SubmitResponse applies response if gate is the pending gate, reports a
// duplicate if gate was already answered, and otherwise buffers it,
// replacing any unconsumed answer for the same gate.
func (m *Manager) SubmitResponse(ctx context.Context, sessionID, gate string, response json.RawMessage) (Outcome, error) {
	if gate == "" {
		return "", stage.Validation(fmt.Errorf("gate name cannot be empty"))
	}
	if len(response) == 0 || !json.Valid(response) {
		return "", stage.Validation(fmt.Errorf("response for gate %s is not valid JSON", gate))
	}

	var outcome Outcome
	_, err := m.update(ctx, sessionID, func(s *blackboard.Session) error {
		g := s.Gates()
		switch {
		case s.PendingGate == gate:
			s.PendingGate = ""
			g.Payload = nil
			g.RequestedAtMs = 0
			g.Take(gate)
			g.MarkResolved(gate)
			outcome = Applied
		case g.IsResolved(gate):
			outcome = Duplicate
		default:
			g.Enqueue(blackboard.PendingGateResponse{
				Gate:          gate,
				Response:      response,
				RespondedAtMs: m.now().UnixMilli(),
			})
			outcome = Buffered
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// TakeBufferedResponse consumes the queued answer for gate, if any. When gate
// is also the pending gate the slot is cleared.
func (m *Manager) TakeBufferedResponse(ctx context.Context, sessionID, gate string) (json.RawMessage, bool, error) {
	var (
		response json.RawMessage
		ok       bool
	)
	_, err := m.update(ctx, sessionID, func(s *blackboard.Session) error {
		g := s.Gates()
		buffered, found := g.Take(gate)
		if !found {
			return nil
		}
		if s.PendingGate == gate {
			s.PendingGate = ""
			g.Payload = nil
			g.RequestedAtMs = 0
		}
		g.MarkResolved(gate)
		response, ok = buffered.Response, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return response, ok, nil
}

// Reset clears the pending slot and forgets earlier resolutions so a rewound
// session can ask its gates again. Buffered answers are kept.
func (m *Manager) Reset(ctx context.Context, sessionID string) error {
	_, err := m.update(ctx, sessionID, func(s *blackboard.Session) error {
		g := s.Gates()
		s.PendingGate = ""
		g.Payload = nil
		g.RequestedAtMs = 0
		g.Resolved = nil
		return nil
	})
	return err
}

func (m *Manager) update(ctx context.Context, sessionID string, fn func(*blackboard.Session) error) (*blackboard.Session, error) {
	s, err := m.store.UpdateGate(ctx, sessionID, fn)
	if err != nil {
		if blackboard.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to update gate state: %w", err)
	}
	return s, nil
}
