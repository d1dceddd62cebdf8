package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dyluth/tailor/pkg/blackboard"
)

// Recover rebuilds coordinator state from Redis after a restart.
// This method is called during startup to:
// 1. Scan for sessions that were running or blocked
// 2. Rebuild each run from its last checkpoint
// 3. Restart running sessions at their current stage
// 4. Resume blocked sessions whose answer was buffered while we were down
func (c *Coordinator) Recover(ctx context.Context) error {
	log.Printf("[Coordinator] Starting state recovery...")
	startTime := time.Now()

	sessions, err := c.client.ActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to scan for active sessions: %w", err)
	}

	log.Printf("[Coordinator] Found %d active sessions to recover", len(sessions))

	recoveredCount := 0
	failedCount := 0

	for _, session := range sessions {
		if err := c.recoverSession(ctx, session); err != nil {
			log.Printf("[Coordinator] Warning: Failed to recover session %s: %v", session.ID, err)
			if saveErr := c.client.SaveSessionState(ctx, session.ID, session.CurrentStage, blackboard.SessionError); saveErr != nil {
				log.Printf("[Coordinator] Failed to mark session %s as error: %v", session.ID, saveErr)
			}
			failedCount++
			continue
		}
		recoveredCount++
	}

	duration := time.Since(startTime)
	c.logEvent("recovery_complete", map[string]interface{}{
		"sessions_recovered": recoveredCount,
		"sessions_failed":    failedCount,
		"duration_ms":        duration.Milliseconds(),
	})

	log.Printf("[Coordinator] State recovery complete: %d sessions recovered, %d failed (duration: %v)",
		recoveredCount, failedCount, duration.Round(time.Millisecond))

	return nil
}

func (c *Coordinator) recoverSession(ctx context.Context, session *blackboard.Session) error {
	c.mu.Lock()
	_, known := c.runs[session.ID]
	c.mu.Unlock()
	if known {
		return nil
	}

	r, err := c.rebuild(ctx, session.ID)
	if err != nil {
		return err
	}
	c.register(r)

	switch {
	case r.status == blackboard.SessionRunning:
		c.launch(r)

	case r.status == blackboard.SessionBlocked && r.pendingGate == "":
		// The answer was applied but the resume never ran. Re-running the
		// stage asks the gate again.
		r.status = blackboard.SessionRunning
		c.launch(r)

	case r.status == blackboard.SessionBlocked:
		response, ok, err := c.gates.TakeBufferedResponse(ctx, session.ID, r.pendingGate)
		if err != nil {
			return fmt.Errorf("failed to check buffered responses: %w", err)
		}
		if ok {
			gateName := r.pendingGate
			c.supervisor.Go("resume "+session.ID, func() error {
				return c.resume(session.ID, gateName, response, true)
			})
		}
	}

	log.Printf("[Coordinator] Recovered session %s at stage %s (%s)", session.ID, r.current, r.status)
	return nil
}
