package printer

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dyluth/tailor/pkg/blackboard"
	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

// Output formats accepted by the rendering functions.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

// WorkflowView is the rendered form of a session and its nodes.
type WorkflowView struct {
	SessionID   string     `json:"session_id" yaml:"session_id"`
	Status      string     `json:"status" yaml:"status"`
	Stage       string     `json:"current_stage" yaml:"current_stage"`
	PendingGate string     `json:"pending_gate,omitempty" yaml:"pending_gate,omitempty"`
	Nodes       []NodeView `json:"nodes" yaml:"nodes"`
}

// NodeView is one row of the workflow table.
type NodeView struct {
	Key           string `json:"key" yaml:"key"`
	Status        string `json:"status" yaml:"status"`
	ActiveVersion *int   `json:"active_version" yaml:"active_version"`
	UpdatedAt     string `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// NewWorkflowView combines a session with its nodes.
func NewWorkflowView(s *blackboard.Session, nodes []*blackboard.WorkflowNode) WorkflowView {
	v := WorkflowView{
		SessionID:   s.ID,
		Status:      string(s.Status),
		Stage:       s.CurrentStage,
		PendingGate: s.PendingGate,
		Nodes:       make([]NodeView, 0, len(nodes)),
	}
	for _, n := range nodes {
		nv := NodeView{Key: n.Key, Status: string(n.Status), ActiveVersion: n.ActiveVersion}
		if n.UpdatedAtMs > 0 {
			nv.UpdatedAt = time.UnixMilli(n.UpdatedAtMs).UTC().Format(time.RFC3339)
		}
		v.Nodes = append(v.Nodes, nv)
	}
	return v
}

// Workflow writes v in the requested format.
func Workflow(w io.Writer, v WorkflowView, format string) error {
	switch format {
	case FormatJSON:
		return writeJSON(w, v)
	case FormatYAML:
		return writeYAML(w, v)
	case FormatTable, "":
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}

	fmt.Fprintf(w, "Session %s: %s at %s\n", v.SessionID, statusColor(v.Status).Sprint(v.Status), v.Stage)
	if v.PendingGate != "" {
		fmt.Fprintf(w, "Waiting for answer to gate '%s'\n", v.PendingGate)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "%-18s %-12s %-5s %s\n", "NODE", "STATUS", "VER", "UPDATED")
	fmt.Fprintf(w, "%-18s %-12s %-5s %s\n", "------------------", "------------", "-----", "--------")
	for _, n := range v.Nodes {
		// Pad before colouring so escape codes don't break alignment.
		status := fmt.Sprintf("%-12s", n.Status)
		fmt.Fprintf(w, "%-18s %s %-5s %s\n", n.Key, statusColor(n.Status).Sprint(status), formatVersion(n.ActiveVersion), formatAge(n.UpdatedAt))
	}
	return nil
}

// History writes a node's artifacts newest first.
func History(w io.Writer, nodeKey string, artifacts []*blackboard.Artifact, format string) error {
	switch format {
	case FormatJSON:
		for _, a := range artifacts {
			data, err := json.Marshal(a)
			if err != nil {
				return fmt.Errorf("failed to marshal artifact to JSON: %w", err)
			}
			if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
				return fmt.Errorf("failed to write JSONL output: %w", err)
			}
		}
		return nil
	case FormatYAML:
		return writeYAML(w, artifacts)
	case FormatTable, "":
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}

	if len(artifacts) == 0 {
		fmt.Fprintf(w, "No artifacts found for node '%s'\n", nodeKey)
		return nil
	}

	fmt.Fprintf(w, "%-10s %-5s %-16s %-8s %s\n", "ID", "VER", "TYPE", "AGE", "PAYLOAD")
	fmt.Fprintf(w, "%-10s %-5s %-16s %-8s %s\n", "----------", "-----", "----------------", "--------", "----------------------------------------")
	for _, a := range artifacts {
		v := a.Version
		fmt.Fprintf(w, "%-10s %-5s %-16s %-8s %s\n",
			shortID(a.ID),
			formatVersion(&v),
			a.Type,
			formatAge(time.UnixMilli(a.CreatedAtMs).UTC().Format(time.RFC3339)),
			formatPayload(a.Payload),
		)
	}

	noun := "version"
	if len(artifacts) != 1 {
		noun = "versions"
	}
	fmt.Fprintf(w, "\n%d %s of %s\n", len(artifacts), noun, nodeKey)
	return nil
}

// Event writes one line describing a stream event.
func Event(w io.Writer, ev blackboard.Event) {
	switch e := ev.(type) {
	case blackboard.SessionStarted:
		cyan.Fprintf(w, "→ Session %s started at %s\n", shortID(e.SessionID), e.Stage)
	case blackboard.StageStarted:
		cyan.Fprintf(w, "→ %s started\n", e.Stage)
	case blackboard.StageCompleted:
		green.Fprintf(w, "✓ %s complete (v%d)\n", e.Stage, e.ArtifactVersion)
	case blackboard.NodeUpdated:
		faint.Fprintf(w, "  %s is %s\n", e.Node, e.Status)
	case blackboard.GateRequested:
		yellow.Fprintf(w, "? %s is waiting for '%s': %s\n", e.Stage, e.Gate, formatPayload(e.Payload))
	case blackboard.GateResolved:
		green.Fprintf(w, "✓ Gate '%s' answered\n", e.Gate)
	case blackboard.TextDelta:
		fmt.Fprint(w, e.Text)
	case blackboard.SessionFinished:
		green.Fprintf(w, "✓ Session complete\n")
	case blackboard.SessionFailed:
		red.Fprintf(w, "✗ %s\n", e.Message)
		fmt.Fprintf(w, "  Suggested action: %s\n", e.Action)
	}
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return enc.Close()
}

func statusColor(status string) *color.Color {
	switch status {
	case "complete":
		return green
	case "blocked", "stale":
		return yellow
	case "error":
		return red
	case "in_progress", "running":
		return cyan
	default:
		return faint
	}
}

// shortID truncates an ID to its first 8 characters.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatVersion(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("v%d", *v)
}

// formatPayload shows the first 40 characters of a JSON payload.
func formatPayload(payload json.RawMessage) string {
	s := strings.TrimSpace(string(payload))
	if s == "" || s == "null" {
		return "-"
	}
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 40 {
		return s[:37] + "..."
	}
	return s
}

// formatAge renders an RFC3339 time as "2m ago", "1h ago" and so on.
func formatAge(ts string) string {
	if ts == "" {
		return "-"
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return "-"
	}

	diff := time.Since(t)
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
