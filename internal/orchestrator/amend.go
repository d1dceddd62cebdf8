package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/dyluth/tailor/pkg/blackboard"
	"github.com/dyluth/tailor/pkg/stage"
)

// Amend writes a user-edited artifact version for a completed node, marks
// every later node stale and rewinds the session to the first stale node.
// The session is left idle; Run restarts it. A session mid-stage returns
// ErrSessionBusy.
func (c *Coordinator) Amend(ctx context.Context, sessionID, nodeKey, artifactType string, payload json.RawMessage) (*blackboard.Artifact, error) {
	idx := c.stageIndex(stage.Name(nodeKey))
	if idx < 0 {
		return nil, stage.Validation(fmt.Errorf("%w: %s", ErrUnknownStage, nodeKey))
	}
	if !json.Valid(payload) {
		return nil, stage.Validation(fmt.Errorf("artifact payload is not valid JSON"))
	}

	r, err := c.runFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !r.mu.TryLock() {
		return nil, ErrSessionBusy
	}
	defer r.mu.Unlock()

	switch r.status {
	case blackboard.SessionRunning:
		return nil, ErrSessionBusy
	case blackboard.SessionError:
		return nil, ErrSessionFinished
	}

	currentIdx := c.stageIndex(r.current)
	if r.current == stage.Complete {
		currentIdx = len(c.cfg.Stages)
	}
	if idx >= currentIdx {
		return nil, stage.Validation(fmt.Errorf("node %s has not completed yet", nodeKey))
	}

	if artifactType == "" {
		artifactType, err = c.activeArtifactType(ctx, sessionID, nodeKey)
		if err != nil {
			return nil, err
		}
	}
	art, err := c.artifacts.Write(ctx, sessionID, nodeKey, artifactType, payload, blackboard.NodeComplete)
	if err != nil {
		return nil, fmt.Errorf("failed to write amended artifact: %w", err)
	}
	r.outputs[stage.Name(nodeKey)] = payload

	version := art.Version
	c.sink.Publish(sessionID, blackboard.NodeUpdated{SessionID: sessionID, Node: nodeKey, Status: blackboard.NodeComplete, ActiveVersion: &version})

	downstream := c.cfg.Stages[idx+1:]
	if len(downstream) == 0 {
		c.logEvent("artifact_amended", map[string]interface{}{
			"session_id": sessionID,
			"node":       nodeKey,
			"version":    version,
		})
		return art, nil
	}

	stale := make(map[string]blackboard.NodeStatus, len(downstream))
	for _, s := range downstream {
		stale[string(s)] = blackboard.NodeStale
		delete(r.outputs, s)
	}
	if err := c.client.SetNodeStatuses(ctx, sessionID, stale); err != nil {
		return nil, fmt.Errorf("failed to mark downstream nodes stale: %w", err)
	}
	for _, s := range downstream {
		c.sink.Publish(sessionID, blackboard.NodeUpdated{SessionID: sessionID, Node: string(s), Status: blackboard.NodeStale})
	}

	// Any pending gate belonged to a stage that is now stale.
	if err := c.gates.Reset(ctx, sessionID); err != nil {
		log.Printf("[Coordinator] Failed to reset gates for session %s: %v", sessionID, err)
	}

	r.current = downstream[0]
	r.status = blackboard.SessionIdle
	r.pendingGate = ""
	r.gateResponses = make(map[string]json.RawMessage)
	if err := c.client.SaveSessionState(ctx, sessionID, string(r.current), blackboard.SessionIdle); err != nil {
		return nil, fmt.Errorf("failed to rewind session: %w", err)
	}
	if err := c.checkpoint(r); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.runs[sessionID] = r
	c.mu.Unlock()

	c.logEvent("artifact_amended", map[string]interface{}{
		"session_id": sessionID,
		"node":       nodeKey,
		"version":    version,
		"rewound_to": string(r.current),
	})
	return art, nil
}

// activeArtifactType is the type of the node's current artifact, so an
// untyped amendment continues the same version series. Nodes that never
// recorded one fall back to their key.
func (c *Coordinator) activeArtifactType(ctx context.Context, sessionID, nodeKey string) (string, error) {
	node, err := c.client.GetNode(ctx, sessionID, nodeKey)
	if err != nil {
		if blackboard.IsNotFound(err) {
			return nodeKey, nil
		}
		return "", fmt.Errorf("failed to read node %s: %w", nodeKey, err)
	}
	if t := node.Meta["artifact_type"]; t != "" {
		return t, nil
	}
	return nodeKey, nil
}

// Abort cancels a session's in-flight work and moves it to error. It does not
// wait for the running handler to return.
func (c *Coordinator) Abort(ctx context.Context, sessionID string) error {
	r, err := c.runFor(ctx, sessionID)
	if err != nil {
		return err
	}
	session, err := c.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status == blackboard.SessionComplete || session.Status == blackboard.SessionError {
		return nil
	}
	r.cancel()

	current := session.CurrentStage
	if err := c.client.SaveSessionState(ctx, sessionID, current, blackboard.SessionError); err != nil {
		return fmt.Errorf("failed to mark session aborted: %w", err)
	}

	c.logEvent("session_aborted", map[string]interface{}{
		"session_id": sessionID,
		"stage":      current,
	})
	c.sink.Publish(sessionID, blackboard.SessionFailed{
		SessionID: sessionID,
		Stage:     current,
		ErrorKind: string(stage.KindFatal),
		Message:   "The session was cancelled.",
		Action:    stage.ActionRetry,
	})
	c.sink.CloseSession(sessionID)
	c.release(r)
	return nil
}
