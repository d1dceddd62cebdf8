package commands

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/dyluth/tailor/internal/api"
	"github.com/dyluth/tailor/internal/printer"
	"github.com/dyluth/tailor/internal/sse"
	"github.com/dyluth/tailor/pkg/blackboard"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSession = "0f1e2d3c-aaaa-bbbb-cccc-000000000000"

// captureOutput redirects the printer and disables colour for one test.
func captureOutput(t *testing.T) (stdout, stderr *bytes.Buffer) {
	t.Helper()
	stdout, stderr = new(bytes.Buffer), new(bytes.Buffer)
	prevOut, prevErr, prevColor := printer.Stdout, printer.Stderr, color.NoColor
	printer.Stdout, printer.Stderr, color.NoColor = stdout, stderr, true
	t.Cleanup(func() {
		printer.Stdout, printer.Stderr, color.NoColor = prevOut, prevErr, prevColor
	})
	return stdout, stderr
}

func execute(t *testing.T, server string, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(append([]string{"--server", server}, args...))
	return Execute()
}

func writeProblem(w http.ResponseWriter, status int, title, detail, action string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(api.ProblemDetails{Type: "about:blank", Title: title, Status: status, Detail: detail, Action: action})
}

func TestRootCommand_ShowsHelpWhenNoSubcommand(t *testing.T) {
	testRoot := &cobra.Command{
		Use: "tailor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	buf := new(bytes.Buffer)
	testRoot.SetOut(buf)
	testRoot.SetErr(buf)

	assert.NoError(t, testRoot.Execute())
	assert.Contains(t, buf.String(), "Usage:")
}

func TestRootCommand_RegistersSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "start", "inspect", "respond", "amend", "run", "abort", "watch"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestStart(t *testing.T) {
	stdout, _ := captureOutput(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/sessions", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ada", body["owner_id"])

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(blackboard.Session{ID: testSession, OwnerID: "ada", CurrentStage: "intake", Status: blackboard.SessionRunning})
	}))
	defer srv.Close()

	require.NoError(t, execute(t, srv.URL, "start", "--owner", "ada"))
	assert.Contains(t, stdout.String(), "Session "+testSession+" started at intake")
	assert.Contains(t, stdout.String(), "tailor watch "+testSession)
}

func TestRespond(t *testing.T) {
	stdout, _ := captureOutput(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/sessions/"+testSession+"/gates/profile_confirm", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"accepted": true}`, string(body))
		json.NewEncoder(w).Encode(api.GateResponse{Outcome: "applied"})
	}))
	defer srv.Close()

	require.NoError(t, execute(t, srv.URL, "respond", testSession, "profile_confirm", `{"accepted": true}`))
	assert.Contains(t, stdout.String(), "Gate 'profile_confirm' answered")
}

func TestRespondRejectsInvalidJSON(t *testing.T) {
	_, stderr := captureOutput(t)

	err := execute(t, "http://127.0.0.1:0", "respond", testSession, "profile_confirm", `{nope`)
	require.Error(t, err)
	assert.Equal(t, "Invalid response", err.Error())
	assert.Contains(t, stderr.String(), "Gate: profile_confirm")
}

func TestProblemResponseIsPrinted(t *testing.T) {
	_, stderr := captureOutput(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, http.StatusConflict, "Session busy", "A stage is running.", "retry")
	}))
	defer srv.Close()

	err := execute(t, srv.URL, "abort", testSession)
	require.Error(t, err)
	assert.Equal(t, "Session busy", err.Error())
	assert.Contains(t, stderr.String(), "A stage is running.")
	assert.Contains(t, stderr.String(), "Try the command again in a moment")
}

func TestUnreachableServer(t *testing.T) {
	_, stderr := captureOutput(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := execute(t, url, "run", testSession)
	require.Error(t, err)
	assert.Equal(t, "Cannot reach coordinator", err.Error())
	assert.Contains(t, stderr.String(), "tailor serve")
}

func TestInspectYAML(t *testing.T) {
	stdout, _ := captureOutput(t)
	v1 := 1
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/sessions/"+testSession+"/workflow", r.URL.Path)
		json.NewEncoder(w).Encode(api.WorkflowResponse{
			Session: &blackboard.Session{ID: testSession, Status: blackboard.SessionBlocked, CurrentStage: "research", PendingGate: "profile_confirm"},
			Nodes: []*blackboard.WorkflowNode{
				{Key: "intake", Status: blackboard.NodeComplete, ActiveVersion: &v1},
				{Key: "research", Status: blackboard.NodeBlocked},
			},
		})
	}))
	defer srv.Close()

	require.NoError(t, execute(t, srv.URL, "inspect", testSession, "--output", "yaml"))
	out := stdout.String()
	assert.Contains(t, out, "pending_gate: profile_confirm")
	assert.Contains(t, out, "key: intake")
	assert.Contains(t, out, "active_version: 1")
}

func TestAmendAndRun(t *testing.T) {
	stdout, _ := captureOutput(t)
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		if strings.HasSuffix(r.URL.Path, "/run") {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		var body struct {
			ArtifactType string          `json:"artifact_type"`
			Payload      json.RawMessage `json:"payload"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.JSONEq(t, `{"sections": 3}`, string(body.Payload))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(blackboard.Artifact{Version: 2})
	}))
	defer srv.Close()

	payload := filepath.Join(t.TempDir(), "blueprint.json")
	require.NoError(t, os.WriteFile(payload, []byte(`{"sections": 3}`), 0o644))

	require.NoError(t, execute(t, srv.URL, "amend", testSession, "blueprint", "--payload", "@"+payload, "--run"))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"/api/v1/sessions/" + testSession + "/nodes/blueprint/artifacts",
		"/api/v1/sessions/" + testSession + "/run",
	}, paths)
	assert.Contains(t, stdout.String(), "blueprint is now v2")
	assert.Contains(t, stdout.String(), "restarted")
}

func TestWatchStopsAtTerminalEvent(t *testing.T) {
	stdout, _ := captureOutput(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/stream") {
			json.NewEncoder(w).Encode(blackboard.Session{ID: testSession, Status: blackboard.SessionBlocked})
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []blackboard.Event{
			blackboard.GateRequested{SessionID: testSession, Stage: "research", Gate: "profile_confirm", Payload: json.RawMessage(`{"found":true}`)},
			blackboard.TextDelta{SessionID: testSession, Stage: "research", Text: "Reading profile"},
			blackboard.SessionFinished{SessionID: testSession},
		}
		for i, ev := range frames {
			name, data, err := blackboard.EncodeEvent(ev)
			require.NoError(t, err)
			require.NoError(t, sse.Encode(w, sse.Frame{ID: string(rune('1' + i)), Event: name, Data: data}))
		}
	}))
	defer srv.Close()

	require.NoError(t, execute(t, srv.URL, "watch", testSession, "--output", "default"))
	out := stdout.String()
	assert.Contains(t, out, "? research is waiting for 'profile_confirm'")
	assert.Contains(t, out, "tailor respond "+testSession+" profile_confirm")
	assert.Contains(t, out, "Reading profile\n")
	assert.Contains(t, out, "✓ Session complete")
}

func TestReadJSONArg(t *testing.T) {
	data, err := readJSONArg(` {"a": 1} `, nil)
	require.NoError(t, err)
	assert.Equal(t, `{"a": 1}`, string(data))

	data, err = readJSONArg("@-", strings.NewReader("true\n"))
	require.NoError(t, err)
	assert.Equal(t, "true", string(data))

	_, err = readJSONArg("@/does/not/exist.json", nil)
	assert.Error(t, err)

	_, err = readJSONArg("not json", nil)
	assert.Error(t, err)
}

func TestInspectHistoryPassesFilters(t *testing.T) {
	stdout, _ := captureOutput(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/sessions/0f1e2d3c/nodes/research/artifacts", r.URL.Path)
		assert.Equal(t, "2h", r.URL.Query().Get("since"))
		assert.Equal(t, "research*", r.URL.Query().Get("type"))
		json.NewEncoder(w).Encode([]*blackboard.Artifact{})
	}))
	defer srv.Close()

	require.NoError(t, execute(t, srv.URL, "inspect", "0f1e2d3c", "--node", "research", "--since", "2h", "--type", "research*", "--output", "table"))
	assert.Equal(t, "No artifacts found for node 'research'\n", stdout.String())
}
