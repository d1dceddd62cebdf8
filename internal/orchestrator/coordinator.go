package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dyluth/tailor/internal/artifact"
	"github.com/dyluth/tailor/internal/bus"
	"github.com/dyluth/tailor/internal/gate"
	"github.com/dyluth/tailor/internal/resolver"
	"github.com/dyluth/tailor/pkg/blackboard"
	"github.com/dyluth/tailor/pkg/stage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrSessionNotFound is returned for unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionBusy is returned when an operation needs the session to be
	// between stages but a stage is running.
	ErrSessionBusy = errors.New("session is busy")
	// ErrSessionFinished is returned when a session has reached error.
	ErrSessionFinished = errors.New("session has finished")
	// ErrUnknownStage is returned for node keys outside the stage order.
	ErrUnknownStage = errors.New("unknown stage")
)

// coordinatorAgent is the bus name the coordinator sends as.
const coordinatorAgent = "coordinator"

// EventSink receives domain events. The broadcaster implements it.
type EventSink interface {
	Publish(sessionID string, ev blackboard.Event)
	CloseSession(sessionID string)
}

// RetryPolicy bounds retries of transient stage failures.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Config is the coordinator's static configuration.
type Config struct {
	InstanceName       string
	Stages             []stage.Name
	Handlers           map[stage.Name]stage.Handler
	Retry              RetryPolicy
	CheckpointAttempts int
}

func (c *Config) applyDefaults() {
	if len(c.Stages) == 0 {
		c.Stages = stage.DefaultOrder()
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 4
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = 500 * time.Millisecond
	}
	if c.Retry.MaxInterval <= 0 {
		c.Retry.MaxInterval = 10 * time.Second
	}
	if c.CheckpointAttempts <= 0 {
		c.CheckpointAttempts = 3
	}
}

// Coordinator drives every session through the stage order. Each session
// advances as its own task; sessions share no mutable state.
type Coordinator struct {
	client     *blackboard.Client
	artifacts  artifact.Store
	gates      *gate.Manager
	bus        bus.Bus
	sink       EventSink
	cfg        Config
	supervisor *Supervisor

	mu   sync.Mutex
	runs map[string]*run

	retries metric.Int64Counter
}

// New creates a Coordinator.
func New(client *blackboard.Client, artifacts artifact.Store, gates *gate.Manager, b bus.Bus, sink EventSink, cfg Config) *Coordinator {
	cfg.applyDefaults()
	if cfg.InstanceName == "" {
		cfg.InstanceName = client.InstanceName()
	}
	retries, _ := otel.Meter("github.com/dyluth/tailor/internal/orchestrator").Int64Counter("coordinator.stage.retries")

	return &Coordinator{
		client:     client,
		artifacts:  artifacts,
		gates:      gates,
		bus:        b,
		sink:       sink,
		cfg:        cfg,
		supervisor: NewSupervisor(),
		runs:       make(map[string]*run),
		retries:    retries,
	}
}

// Stages returns the configured stage order.
func (c *Coordinator) Stages() []stage.Name {
	return append([]stage.Name(nil), c.cfg.Stages...)
}

// Wait blocks until every detached task has finished.
func (c *Coordinator) Wait() {
	c.supervisor.Wait()
}

// Start creates a session at the first stage and begins advancing it in the
// background.
func (c *Coordinator) Start(ctx context.Context, ownerID string) (*blackboard.Session, error) {
	first := c.cfg.Stages[0]
	session := &blackboard.Session{
		ID:           uuid.New().String(),
		OwnerID:      ownerID,
		CurrentStage: string(first),
		Status:       blackboard.SessionRunning,
	}
	if err := c.client.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if err := c.client.InitNodes(ctx, session.ID, c.nodeKeys()); err != nil {
		return nil, err
	}

	r := newRun(session.ID, ownerID, first)
	r.status = blackboard.SessionRunning
	c.register(r)

	c.logEvent("session_started", map[string]interface{}{
		"session_id": session.ID,
		"owner_id":   ownerID,
	})
	c.sink.Publish(session.ID, blackboard.SessionStarted{
		SessionID: session.ID,
		OwnerID:   ownerID,
		Stage:     string(first),
		Stages:    c.nodeKeys(),
	})

	c.launch(r)
	return session, nil
}

// Run restarts an idle session, typically after Amend rewound it.
func (c *Coordinator) Run(ctx context.Context, sessionID string) error {
	r, err := c.runFor(ctx, sessionID)
	if err != nil {
		return err
	}
	if !r.mu.TryLock() {
		return ErrSessionBusy
	}
	defer r.mu.Unlock()

	switch r.status {
	case blackboard.SessionIdle:
	case blackboard.SessionComplete:
		return nil
	case blackboard.SessionError:
		return ErrSessionFinished
	default:
		return ErrSessionBusy
	}

	if err := c.client.SaveSessionState(ctx, sessionID, string(r.current), blackboard.SessionRunning); err != nil {
		return fmt.Errorf("failed to mark session running: %w", err)
	}
	r.status = blackboard.SessionRunning
	c.sink.Publish(sessionID, blackboard.SessionStarted{
		SessionID: sessionID,
		OwnerID:   r.ownerID,
		Stage:     string(r.current),
		Stages:    c.nodeKeys(),
	})
	c.register(r)
	c.launch(r)
	return nil
}

// SubmitGateResponse hands a human answer to the gate manager. An answer
// that clears the pending gate resumes the session in the background; a
// buffered or duplicate answer changes nothing else.
func (c *Coordinator) SubmitGateResponse(ctx context.Context, sessionID, gateName string, response json.RawMessage) (gate.Outcome, error) {
	outcome, err := c.gates.SubmitResponse(ctx, sessionID, gateName, response)
	if err != nil {
		if errors.Is(err, gate.ErrSessionNotFound) {
			return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return "", err
	}

	c.logEvent("gate_response", map[string]interface{}{
		"session_id": sessionID,
		"gate":       gateName,
		"outcome":    string(outcome),
	})

	if outcome == gate.Applied {
		c.supervisor.Go("resume "+sessionID, func() error {
			return c.resume(sessionID, gateName, response, false)
		})
	}
	return outcome, nil
}

// Session returns the persisted session record.
func (c *Coordinator) Session(ctx context.Context, sessionID string) (*blackboard.Session, error) {
	s, err := c.client.GetSession(ctx, sessionID)
	if err != nil {
		if blackboard.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, err
	}
	return s, nil
}

// ResolveSession expands a short session ID prefix to the full ID.
func (c *Coordinator) ResolveSession(ctx context.Context, id string) (string, error) {
	full, err := resolver.ResolveSessionID(ctx, c.client, id)
	if err == nil {
		return full, nil
	}

	var notFound *resolver.NotFoundError
	var ambiguous *resolver.AmbiguousError
	switch {
	case errors.As(err, &notFound):
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	case errors.As(err, &ambiguous), errors.Is(err, resolver.ErrShortIDTooShort):
		return "", stage.Validation(err)
	default:
		return "", err
	}
}

// Workflow returns the status of every node in stage order.
func (c *Coordinator) Workflow(ctx context.Context, sessionID string) ([]*blackboard.WorkflowNode, error) {
	if _, err := c.Session(ctx, sessionID); err != nil {
		return nil, err
	}
	return c.client.GetNodes(ctx, sessionID, c.nodeKeys())
}

// History returns a node's artifacts, newest first.
func (c *Coordinator) History(ctx context.Context, sessionID, nodeKey string) ([]*blackboard.Artifact, error) {
	if c.stageIndex(stage.Name(nodeKey)) < 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, nodeKey)
	}
	return c.artifacts.History(ctx, sessionID, nodeKey)
}

// resume continues a session whose pending gate was answered.
func (c *Coordinator) resume(sessionID, gateName string, response json.RawMessage, fromQueue bool) error {
	r, err := c.runFor(context.Background(), sessionID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx.Err() != nil || r.status != blackboard.SessionBlocked {
		log.Printf("[Coordinator] Ignoring resume of session %s in status %s", sessionID, r.status)
		return nil
	}

	r.gateResponses[gateName] = response
	r.pendingGate = ""
	r.status = blackboard.SessionRunning
	c.sink.Publish(sessionID, blackboard.GateResolved{SessionID: sessionID, Gate: gateName, FromQueue: fromQueue})

	c.advanceLocked(r)
	return nil
}

func (c *Coordinator) launch(r *run) {
	c.supervisor.Go("advance "+r.sessionID, func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		c.advanceLocked(r)
		return nil
	})
}

// register stores r and subscribes its bus inbox.
func (c *Coordinator) register(r *run) {
	c.mu.Lock()
	c.runs[r.sessionID] = r
	c.mu.Unlock()

	if err := c.bus.Subscribe(bus.Inbox(r.sessionID), c.inboxHandler(r.sessionID)); err != nil && !errors.Is(err, bus.ErrAlreadySubscribed) {
		log.Printf("[Coordinator] Failed to subscribe inbox for session %s: %v", r.sessionID, err)
	}
}

// release forgets r and stops its inbox.
func (c *Coordinator) release(r *run) {
	c.mu.Lock()
	if c.runs[r.sessionID] == r {
		delete(c.runs, r.sessionID)
	}
	c.mu.Unlock()
	c.bus.Unsubscribe(bus.Inbox(r.sessionID))
}

// runFor returns the in-memory run, rebuilding it from the checkpoint when
// this process has not seen the session yet.
func (c *Coordinator) runFor(ctx context.Context, sessionID string) (*run, error) {
	c.mu.Lock()
	r, ok := c.runs[sessionID]
	c.mu.Unlock()
	if ok {
		return r, nil
	}

	r, err := c.rebuild(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.runs[sessionID]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.mu.Unlock()

	if r.status.Active() {
		c.register(r)
	}
	return r, nil
}

// rebuild reconstructs a run from the persisted session and checkpoint.
func (c *Coordinator) rebuild(ctx context.Context, sessionID string) (*run, error) {
	session, err := c.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	r := newRun(sessionID, session.OwnerID, stage.Name(session.CurrentStage))
	r.status = session.Status
	r.pendingGate = session.PendingGate

	cp, err := c.client.LoadCheckpoint(ctx, sessionID)
	switch {
	case err == nil:
		for k, v := range cp.Outputs {
			r.outputs[stage.Name(k)] = v
		}
		for k, v := range cp.GateResponses {
			r.gateResponses[k] = v
		}
	case blackboard.IsNotFound(err):
		// Crashed before the first checkpoint; start the current stage afresh.
	default:
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if r.current != stage.Complete && c.stageIndex(r.current) < 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, r.current)
	}
	return r, nil
}

func (c *Coordinator) nodeKeys() []string {
	keys := make([]string, len(c.cfg.Stages))
	for i, s := range c.cfg.Stages {
		keys[i] = string(s)
	}
	return keys
}

func (c *Coordinator) stageIndex(name stage.Name) int {
	for i, s := range c.cfg.Stages {
		if s == name {
			return i
		}
	}
	return -1
}

// next returns the stage after name, or Complete.
func (c *Coordinator) next(name stage.Name) stage.Name {
	i := c.stageIndex(name)
	if i < 0 || i+1 >= len(c.cfg.Stages) {
		return stage.Complete
	}
	return c.cfg.Stages[i+1]
}
