// Package stage defines the contract between the pipeline coordinator and the
// stage handlers that do the actual resume work. Handlers are external
// collaborators: they receive the accumulated outputs of every earlier stage
// and either return a typed result or ask the coordinator to pause at a gate.
package stage

import (
	"context"
	"encoding/json"
	"fmt"
)

// Name identifies one step of the pipeline.
type Name string

const (
	Intake         Name = "intake"
	Positioning    Name = "positioning"
	Research       Name = "research"
	GapAnalysis    Name = "gap-analysis"
	Blueprint      Name = "blueprint"
	SectionWriting Name = "section-writing"
	QualityReview  Name = "quality-review"
	Export         Name = "export"

	// Complete is the terminal coordinator state. It never has a handler.
	Complete Name = "complete"
)

// DefaultOrder returns the standard resume pipeline.
func DefaultOrder() []Name {
	return []Name{Intake, Positioning, Research, GapAnalysis, Blueprint, SectionWriting, QualityReview, Export}
}

// ParseOrder converts configured stage names into an order, rejecting
// duplicates, empty names and the reserved "complete" state.
func ParseOrder(names []string) ([]Name, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("stage order cannot be empty")
	}
	seen := make(map[Name]bool, len(names))
	order := make([]Name, 0, len(names))
	for i, raw := range names {
		n := Name(raw)
		if n == "" {
			return nil, fmt.Errorf("stage at index %d has an empty name", i)
		}
		if n == Complete {
			return nil, fmt.Errorf("stage name %q is reserved", Complete)
		}
		if seen[n] {
			return nil, fmt.Errorf("duplicate stage %q", n)
		}
		seen[n] = true
		order = append(order, n)
	}
	return order, nil
}

// ProgressFunc streams a fragment of human-readable progress text to the
// client. Fragments are delivered as text deltas and batched by the client.
type ProgressFunc func(text string)

// Input is everything a handler may read. Outputs holds the result of every
// completed stage; GateResponses holds the answers to gates this stage has
// asked for so far, keyed by gate name.
type Input struct {
	SessionID     string
	OwnerID       string
	Stage         Name
	Outputs       map[Name]json.RawMessage
	GateResponses map[string]json.RawMessage
	Progress      ProgressFunc
}

// Response returns the answer to gate, if one has been supplied.
func (in Input) Response(gate string) (json.RawMessage, bool) {
	r, ok := in.GateResponses[gate]
	return r, ok
}

// Report sends progress text if the coordinator wired a sink.
func (in Input) Report(text string) {
	if in.Progress != nil {
		in.Progress(text)
	}
}

// Pause asks the coordinator to suspend the stage until a human answers Gate.
type Pause struct {
	Gate    string          `json:"gate"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Result is what a handler returns. Exactly one of Output or Pause is used:
// a non-nil Pause wins.
type Result struct {
	Output       json.RawMessage
	ArtifactType string
	Pause        *Pause
}

// Handler runs one stage.
type Handler interface {
	Run(ctx context.Context, in Input) (Result, error)
}

// HandlerFunc adapts a function into a Handler.
type HandlerFunc func(ctx context.Context, in Input) (Result, error)

// Run executes f(ctx, in).
func (f HandlerFunc) Run(ctx context.Context, in Input) (Result, error) {
	return f(ctx, in)
}

// Done builds a completed Result by JSON-encoding v.
func Done(artifactType string, v any) (Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Result{}, Validation(fmt.Errorf("encode %s output: %w", artifactType, err))
	}
	return Result{Output: data, ArtifactType: artifactType}, nil
}

// AskGate builds a paused Result by JSON-encoding payload.
func AskGate(gate string, payload any) (Result, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Result{}, Validation(fmt.Errorf("encode gate %s payload: %w", gate, err))
	}
	return Result{Pause: &Pause{Gate: gate, Payload: data}}, nil
}

// Validate rejects malformed handler output.
func (r Result) Validate() error {
	if r.Pause != nil {
		if r.Pause.Gate == "" {
			return Validation(fmt.Errorf("pause requested without a gate name"))
		}
		if len(r.Pause.Payload) > 0 && !json.Valid(r.Pause.Payload) {
			return Validation(fmt.Errorf("gate %s payload is not valid JSON", r.Pause.Gate))
		}
		return nil
	}
	if len(r.Output) == 0 {
		return Validation(fmt.Errorf("stage returned neither output nor pause"))
	}
	if !json.Valid(r.Output) {
		return Validation(fmt.Errorf("stage output is not valid JSON"))
	}
	return nil
}
