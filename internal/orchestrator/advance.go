package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dyluth/tailor/internal/bus"
	"github.com/dyluth/tailor/pkg/blackboard"
	"github.com/dyluth/tailor/pkg/stage"
)

var errRetriesExhausted = errors.New("retries exhausted")

// run is the in-memory state of one session. mu is held for as long as the
// session is advancing, so at most one stage runs per session.
type run struct {
	mu sync.Mutex

	sessionID string
	ownerID   string

	ctx    context.Context
	cancel context.CancelFunc

	current       stage.Name
	status        blackboard.SessionStatus
	pendingGate   string
	outputs       map[stage.Name]json.RawMessage
	gateResponses map[string]json.RawMessage
}

func newRun(sessionID, ownerID string, current stage.Name) *run {
	ctx, cancel := context.WithCancel(context.Background())
	return &run{
		sessionID:     sessionID,
		ownerID:       ownerID,
		ctx:           ctx,
		cancel:        cancel,
		current:       current,
		outputs:       make(map[stage.Name]json.RawMessage),
		gateResponses: make(map[string]json.RawMessage),
	}
}

func (r *run) input(name stage.Name, progress stage.ProgressFunc) stage.Input {
	outputs := make(map[stage.Name]json.RawMessage, len(r.outputs))
	for k, v := range r.outputs {
		outputs[k] = v
	}
	responses := make(map[string]json.RawMessage, len(r.gateResponses))
	for k, v := range r.gateResponses {
		responses[k] = v
	}
	return stage.Input{
		SessionID:     r.sessionID,
		OwnerID:       r.ownerID,
		Stage:         name,
		Outputs:       outputs,
		GateResponses: responses,
		Progress:      progress,
	}
}

// advanceLocked runs stages until the session pauses, completes, fails or is
// aborted. The caller holds r.mu.
func (c *Coordinator) advanceLocked(r *run) {
	ctx := r.ctx
	for {
		if ctx.Err() != nil {
			return
		}
		name := r.current
		if name == stage.Complete {
			c.finish(r)
			return
		}

		handler, ok := c.cfg.Handlers[name]
		if !ok {
			c.fail(r, name, stage.Fatal(fmt.Errorf("%w: no handler for %s", ErrUnknownStage, name)))
			return
		}

		if err := c.client.SaveSessionState(ctx, r.sessionID, string(name), blackboard.SessionRunning); err != nil {
			c.fail(r, name, stage.Fatal(err))
			return
		}
		r.status = blackboard.SessionRunning
		if err := c.client.SetNodeStatus(ctx, r.sessionID, string(name), blackboard.NodeInProgress); err != nil {
			log.Printf("[Coordinator] Failed to mark %s in progress: %v", name, err)
		}
		c.sink.Publish(r.sessionID, blackboard.StageStarted{SessionID: r.sessionID, Stage: string(name)})
		c.sink.Publish(r.sessionID, blackboard.NodeUpdated{SessionID: r.sessionID, Node: string(name), Status: blackboard.NodeInProgress})

		result, err := c.runWithRetry(r, name, handler)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.fail(r, name, err)
			return
		}

		if result.Pause != nil {
			if c.pause(r, name, result.Pause) {
				continue
			}
			return
		}

		if err := c.complete(r, name, result); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.fail(r, name, err)
			return
		}
	}
}

// runWithRetry invokes the handler, retrying transient failures with
// exponential backoff. A retry hint from the error lengthens the wait.
func (c *Coordinator) runWithRetry(r *run, name stage.Name, handler stage.Handler) (stage.Result, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.Retry.InitialInterval
	bo.MaxInterval = c.cfg.Retry.MaxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 1; ; attempt++ {
		result, err := handler.Run(r.ctx, r.input(name, c.progressFunc(r.sessionID, name)))
		if err == nil {
			if verr := result.Validate(); verr != nil {
				return stage.Result{}, verr
			}
			return result, nil
		}
		if r.ctx.Err() != nil {
			return stage.Result{}, r.ctx.Err()
		}

		if stage.Classify(err) != stage.KindTransient {
			return stage.Result{}, err
		}
		if attempt >= c.cfg.Retry.MaxAttempts {
			return stage.Result{}, stage.Fatal(fmt.Errorf("%w after %d attempts: %w", errRetriesExhausted, attempt, err))
		}

		delay := bo.NextBackOff()
		if hint := stage.RetryHint(err); hint > delay {
			delay = hint
		}
		c.retries.Add(r.ctx, 1)
		c.logEvent("stage_retry", map[string]interface{}{
			"session_id": r.sessionID,
			"stage":      string(name),
			"attempt":    attempt,
			"delay_ms":   delay.Milliseconds(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-r.ctx.Done():
			timer.Stop()
			return stage.Result{}, r.ctx.Err()
		case <-timer.C:
		}
	}
}

// pause records the gate. It reports true when an answer was already
// buffered and the stage should be re-run immediately.
func (c *Coordinator) pause(r *run, name stage.Name, p *stage.Pause) bool {
	ctx := r.ctx
	response, ok, err := c.gates.RecordGate(ctx, r.sessionID, p.Gate, p.Payload)
	if err != nil {
		if ctx.Err() == nil {
			c.fail(r, name, stage.Fatal(fmt.Errorf("failed to record gate %s: %w", p.Gate, err)))
		}
		return false
	}
	if ok {
		r.gateResponses[p.Gate] = response
		log.Printf("[Coordinator] Session %s: gate %s answered from queue", r.sessionID, p.Gate)
		c.sink.Publish(r.sessionID, blackboard.GateResolved{SessionID: r.sessionID, Gate: p.Gate, FromQueue: true})
		return true
	}

	r.pendingGate = p.Gate
	r.status = blackboard.SessionBlocked
	if err := c.client.SaveSessionState(ctx, r.sessionID, string(name), blackboard.SessionBlocked); err != nil {
		log.Printf("[Coordinator] Failed to mark session %s blocked: %v", r.sessionID, err)
	}
	if err := c.client.SetNodeStatus(ctx, r.sessionID, string(name), blackboard.NodeBlocked); err != nil {
		log.Printf("[Coordinator] Failed to mark %s blocked: %v", name, err)
	}
	if err := c.checkpoint(r); err != nil {
		c.fail(r, name, err)
		return false
	}

	c.logEvent("gate_requested", map[string]interface{}{
		"session_id": r.sessionID,
		"stage":      string(name),
		"gate":       p.Gate,
	})
	c.sink.Publish(r.sessionID, blackboard.NodeUpdated{SessionID: r.sessionID, Node: string(name), Status: blackboard.NodeBlocked})
	c.sink.Publish(r.sessionID, blackboard.GateRequested{
		SessionID: r.sessionID,
		Stage:     string(name),
		Gate:      p.Gate,
		Payload:   p.Payload,
	})
	return false
}

// complete persists the stage artifact, checkpoints and moves the pointer.
func (c *Coordinator) complete(r *run, name stage.Name, result stage.Result) error {
	ctx := r.ctx
	artifactType := result.ArtifactType
	if artifactType == "" {
		artifactType = string(name)
	}

	art, err := c.artifacts.Write(ctx, r.sessionID, string(name), artifactType, result.Output, blackboard.NodeComplete)
	if err != nil {
		return stage.Fatal(fmt.Errorf("failed to persist %s artifact: %w", name, err))
	}

	next := c.next(name)
	r.outputs[name] = result.Output
	prevResponses := r.gateResponses
	r.gateResponses = make(map[string]json.RawMessage)

	// The checkpoint describes the state after this stage, so it is written
	// before the pointer moves.
	if err := c.checkpointAt(r, next, blackboard.SessionRunning); err != nil {
		r.gateResponses = prevResponses
		return err
	}
	r.current = next

	if next != stage.Complete {
		if err := c.client.SetNodeStatus(ctx, r.sessionID, string(next), blackboard.NodeReady); err != nil {
			log.Printf("[Coordinator] Failed to mark %s ready: %v", next, err)
		}
		if err := c.client.SaveSessionState(ctx, r.sessionID, string(next), blackboard.SessionRunning); err != nil {
			log.Printf("[Coordinator] Failed to advance session %s: %v", r.sessionID, err)
		}
	}

	version := art.Version
	c.logEvent("stage_completed", map[string]interface{}{
		"session_id":       r.sessionID,
		"stage":            string(name),
		"next_stage":       string(next),
		"artifact_version": version,
	})
	c.sink.Publish(r.sessionID, blackboard.NodeUpdated{SessionID: r.sessionID, Node: string(name), Status: blackboard.NodeComplete, ActiveVersion: &version})
	c.sink.Publish(r.sessionID, blackboard.StageCompleted{SessionID: r.sessionID, Stage: string(name), NextStage: string(next), ArtifactVersion: version})
	if next != stage.Complete {
		c.sink.Publish(r.sessionID, blackboard.NodeUpdated{SessionID: r.sessionID, Node: string(next), Status: blackboard.NodeReady})
	}

	c.handoff(r.sessionID, name, next, version)
	return nil
}

// finish marks the session complete and ends its event stream.
func (c *Coordinator) finish(r *run) {
	ctx := r.ctx
	if err := c.client.SaveSessionState(ctx, r.sessionID, string(stage.Complete), blackboard.SessionComplete); err != nil {
		log.Printf("[Coordinator] Failed to mark session %s complete: %v", r.sessionID, err)
	}
	r.status = blackboard.SessionComplete
	if err := c.checkpoint(r); err != nil {
		log.Printf("[Coordinator] Final checkpoint for session %s failed: %v", r.sessionID, err)
	}

	c.logEvent("session_complete", map[string]interface{}{"session_id": r.sessionID})
	c.sink.Publish(r.sessionID, blackboard.SessionFinished{SessionID: r.sessionID})
	c.sink.CloseSession(r.sessionID)
	c.release(r)
}

// fail moves the session to its error state. The raw error is logged; the
// client only sees the guidance for its kind.
func (c *Coordinator) fail(r *run, name stage.Name, err error) {
	if r.ctx.Err() != nil {
		// Aborted; Abort has already reported the session.
		return
	}
	kind := stage.Classify(err)
	guidance := stage.Guide(kind)
	if errors.Is(err, errRetriesExhausted) {
		guidance = stage.Guide(stage.KindTransient)
	}

	ctx := r.ctx
	if saveErr := c.client.SaveSessionState(ctx, r.sessionID, string(name), blackboard.SessionError); saveErr != nil {
		log.Printf("[Coordinator] Failed to mark session %s as error: %v", r.sessionID, saveErr)
	}
	r.status = blackboard.SessionError
	if cpErr := c.checkpoint(r); cpErr != nil {
		log.Printf("[Coordinator] Checkpoint after failure of session %s failed: %v", r.sessionID, cpErr)
	}

	c.logEvent("session_error", map[string]interface{}{
		"level":      "error",
		"session_id": r.sessionID,
		"stage":      string(name),
		"kind":       string(kind),
		"error":      err.Error(),
	})
	c.sink.Publish(r.sessionID, blackboard.SessionFailed{
		SessionID: r.sessionID,
		Stage:     string(name),
		ErrorKind: string(kind),
		Message:   guidance.Message,
		Action:    guidance.Action,
	})
	c.sink.CloseSession(r.sessionID)
	c.release(r)
}

func (c *Coordinator) checkpoint(r *run) error {
	return c.checkpointAt(r, r.current, r.status)
}

// checkpointAt writes the run's accumulated state, retrying a bounded number
// of times. Exhausting the attempts is fatal to the session.
func (c *Coordinator) checkpointAt(r *run, current stage.Name, status blackboard.SessionStatus) error {
	ctx := r.ctx
	outputs := make(map[string]json.RawMessage, len(r.outputs))
	for k, v := range r.outputs {
		outputs[string(k)] = v
	}
	cp := &blackboard.Checkpoint{
		SessionID:     r.sessionID,
		OwnerID:       r.ownerID,
		CurrentStage:  string(current),
		Status:        status,
		Outputs:       outputs,
		GateResponses: r.gateResponses,
	}
	if s, err := c.client.GetSession(ctx, r.sessionID); err == nil {
		cp.PendingGate = s.PendingGate
		cp.PendingGatePayload = s.PendingGatePayload
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := c.client.SaveCheckpoint(ctx, cp)
		if err != nil {
			log.Printf("[Coordinator] Checkpoint attempt %d for session %s failed: %v", attempts, r.sessionID, err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.CheckpointAttempts-1)), ctx))
	if err != nil {
		return stage.Fatal(fmt.Errorf("checkpoint failed after %d attempts: %w", attempts, err))
	}
	return nil
}

// progressFunc relays handler progress text through the session inbox.
func (c *Coordinator) progressFunc(sessionID string, name stage.Name) stage.ProgressFunc {
	return func(text string) {
		payload, err := json.Marshal(progressPayload{Stage: string(name), Text: text})
		if err != nil {
			return
		}
		_, err = c.bus.Send(context.Background(), blackboard.AgentMessage{
			From:    string(name),
			To:      bus.Inbox(sessionID),
			Type:    blackboard.MessageNotification,
			Domain:  domainProgress,
			Payload: payload,
		})
		if err != nil {
			log.Printf("[Coordinator] Dropping progress from %s: %v", name, err)
		}
	}
}

// handoff tells whoever listens for the next stage that its input is ready.
// It is fire-and-forget: failures are logged by the supervisor.
func (c *Coordinator) handoff(sessionID string, from, to stage.Name, version int) {
	if to == stage.Complete {
		return
	}
	payload, err := json.Marshal(handoffPayload{SessionID: sessionID, Stage: string(from), ArtifactVersion: version})
	if err != nil {
		return
	}
	c.supervisor.Go("handoff "+sessionID, func() error {
		_, err := c.bus.Send(context.Background(), blackboard.AgentMessage{
			From:    coordinatorAgent,
			To:      string(to),
			Type:    blackboard.MessageHandoff,
			Domain:  domainPipeline,
			Payload: payload,
		})
		return err
	})
}
