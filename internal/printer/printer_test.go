package printer

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/dyluth/tailor/pkg/blackboard"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func captureStderr(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := Stderr
	Stderr = &buf
	t.Cleanup(func() { Stderr = prev })
	return &buf
}

func plainColors(t *testing.T) {
	t.Helper()
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })
}

func TestError(t *testing.T) {
	t.Run("returns error with title", func(t *testing.T) {
		captureStderr(t)
		err := Error("Test Error", "This is a test error", []string{})
		require.Error(t, err)
		require.Equal(t, "Test Error", err.Error())
	})

	t.Run("numbers multiple suggestions", func(t *testing.T) {
		buf := captureStderr(t)
		err := Error("Test Error", "Explanation", []string{
			"First option",
			"Second option",
		})
		require.Error(t, err)
		assert.Contains(t, buf.String(), "Either:\n  1. First option\n  2. Second option\n")
	})
}

func TestErrorWithContext(t *testing.T) {
	buf := captureStderr(t)
	err := ErrorWithContext("Session not found", "", map[string]string{"Session": "abc"}, []string{"Fix it"})
	require.Error(t, err)
	require.Equal(t, "Session not found", err.Error())
	assert.Contains(t, buf.String(), "  Session: abc\n")
	assert.Contains(t, buf.String(), "Fix it\n")
}

func sampleView() WorkflowView {
	v1 := 1
	return NewWorkflowView(
		&blackboard.Session{ID: "0f1e2d3c-aaaa-bbbb-cccc-000000000000", Status: blackboard.SessionBlocked, CurrentStage: "research", PendingGate: "profile_confirm"},
		[]*blackboard.WorkflowNode{
			{Key: "intake", Status: blackboard.NodeComplete, ActiveVersion: &v1, UpdatedAtMs: time.Now().UnixMilli()},
			{Key: "research", Status: blackboard.NodeBlocked},
		},
	)
}

func TestWorkflowTable(t *testing.T) {
	plainColors(t)
	var buf bytes.Buffer
	require.NoError(t, Workflow(&buf, sampleView(), FormatTable))

	out := buf.String()
	assert.Contains(t, out, "blocked at research")
	assert.Contains(t, out, "Waiting for answer to gate 'profile_confirm'")
	assert.Regexp(t, `intake\s+complete\s+v1\s+\d+s ago`, out)
	assert.Regexp(t, `research\s+blocked\s+-\s+-`, out)
}

func TestWorkflowYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Workflow(&buf, sampleView(), FormatYAML))

	var decoded WorkflowView
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "profile_confirm", decoded.PendingGate)
	require.Len(t, decoded.Nodes, 2)
	assert.Nil(t, decoded.Nodes[1].ActiveVersion)
}

func TestWorkflowRejectsUnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, Workflow(&buf, sampleView(), "xml"))
}

func TestHistory(t *testing.T) {
	plainColors(t)
	artifacts := []*blackboard.Artifact{
		{ID: "11111111-2222", Type: "research_brief", Version: 2, Payload: json.RawMessage(`{"edited": true}`), CreatedAtMs: time.Now().UnixMilli()},
		{ID: "33333333-4444", Type: "research_brief", Version: 1, Payload: json.RawMessage(`{"findings":["a very long finding that will not fit in the column"]}`)},
	}

	var buf bytes.Buffer
	require.NoError(t, History(&buf, "research", artifacts, FormatTable))
	out := buf.String()
	assert.Regexp(t, `11111111\s+v2\s+research_brief`, out)
	assert.Contains(t, out, `{"edited": true}`)
	assert.Contains(t, out, "...")
	assert.Contains(t, out, "2 versions of research")

	buf.Reset()
	require.NoError(t, History(&buf, "research", nil, FormatTable))
	assert.Equal(t, "No artifacts found for node 'research'\n", buf.String())

	buf.Reset()
	require.NoError(t, History(&buf, "research", artifacts, FormatJSON))
	assert.Len(t, bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")), 2)
}

func TestEvent(t *testing.T) {
	plainColors(t)
	var buf bytes.Buffer

	Event(&buf, blackboard.StageCompleted{Stage: "intake", ArtifactVersion: 3})
	Event(&buf, blackboard.TextDelta{Text: "Reading"})
	Event(&buf, blackboard.SessionFailed{Message: "Something went wrong.", Action: "retry"})

	assert.Equal(t, "✓ intake complete (v3)\nReading✗ Something went wrong.\n  Suggested action: retry\n", buf.String())
}
