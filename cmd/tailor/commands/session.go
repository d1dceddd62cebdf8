package commands

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"os"

	"github.com/dyluth/tailor/internal/api"
	"github.com/dyluth/tailor/internal/gate"
	"github.com/dyluth/tailor/internal/printer"
	"github.com/dyluth/tailor/pkg/blackboard"
	"github.com/spf13/cobra"
)

var (
	startOwner   string
	inspectNode  string
	inspectFmt   string
	inspectSince string
	inspectUntil string
	inspectType  string
	amendType    string
	amendPayload string
	amendRun     bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new pipeline session",
	Long: `Create a session at the first stage and start advancing it.

Examples:
  tailor start --owner ada@example.com
  tailor start --owner ada@example.com && tailor watch <SESSION_ID>`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := json.Marshal(map[string]string{"owner_id": startOwner})
		if err != nil {
			return err
		}

		var session blackboard.Session
		if err := newAPIClient().do(cmd.Context(), http.MethodPost, "/api/v1/sessions", body, &session); err != nil {
			return reportError(err, map[string]string{"Owner": startOwner})
		}

		printer.Success("Session %s started at %s\n", session.ID, session.CurrentStage)
		printer.Info("\nFollow its progress with:\n  tailor watch %s\n", session.ID)
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect SESSION_ID",
	Short: "Show a session's workflow, or one node's artifact history",
	Long: `Show the status of every workflow node in a session.

With --node, list that node's artifact versions newest first instead,
optionally narrowed with --since, --until (duration or RFC3339) and --type
(glob pattern).

SESSION_ID may be any unique prefix of at least 6 characters.

Output Formats:
  table - Human-readable table (default)
  json  - JSON (JSONL for --node)
  yaml  - YAML

Examples:
  tailor inspect 0f1e2d3c-...
  tailor inspect 0f1e2d3c --node research --since 2h --output json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c := newAPIClient()
		sessionID := args[0]
		details := map[string]string{"Session": sessionID}

		if inspectNode != "" {
			details["Node"] = inspectNode
			query := url.Values{}
			for key, value := range map[string]string{"since": inspectSince, "until": inspectUntil, "type": inspectType} {
				if value != "" {
					query.Set(key, value)
				}
			}
			path := c.sessionPath(sessionID, "nodes", inspectNode, "artifacts")
			if len(query) > 0 {
				path += "?" + query.Encode()
			}

			var artifacts []*blackboard.Artifact
			if err := c.do(ctx, http.MethodGet, path, nil, &artifacts); err != nil {
				return reportError(err, details)
			}
			return printer.History(printer.Stdout, inspectNode, artifacts, inspectFmt)
		}

		var wf api.WorkflowResponse
		if err := c.do(ctx, http.MethodGet, c.sessionPath(sessionID, "workflow"), nil, &wf); err != nil {
			return reportError(err, details)
		}
		return printer.Workflow(printer.Stdout, printer.NewWorkflowView(wf.Session, wf.Nodes), inspectFmt)
	},
}

var respondCmd = &cobra.Command{
	Use:   "respond SESSION_ID GATE RESPONSE",
	Short: "Answer a gate the pipeline is waiting on",
	Long: `Submit a JSON answer for a gate.

RESPONSE is inline JSON, @file to read a file, or @- to read stdin.
Answering a gate that is already resolved is a no-op. An answer sent before
the gate opens is kept and used when it does.

Examples:
  tailor respond 0f1e2d3c-... profile_confirm '{"accepted": true}'
  tailor respond 0f1e2d3c-... final_approval @approval.json`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, gateName := args[0], args[1]
		details := map[string]string{"Session": sessionID, "Gate": gateName}

		response, err := readJSONArg(args[2], cmd.InOrStdin())
		if err != nil {
			return printer.ErrorWithContext("Invalid response", err.Error(), details, []string{"Pass a JSON value, @file or @-"})
		}

		c := newAPIClient()
		var out api.GateResponse
		if err := c.do(cmd.Context(), http.MethodPost, c.sessionPath(sessionID, "gates", gateName), response, &out); err != nil {
			return reportError(err, details)
		}

		switch out.Outcome {
		case string(gate.Applied):
			printer.Success("Gate '%s' answered; the session is resuming\n", gateName)
		case string(gate.Buffered):
			printer.Info("Answer for '%s' saved; it will be used when the gate opens\n", gateName)
		default:
			printer.Info("Gate '%s' was already answered; nothing changed\n", gateName)
		}
		return nil
	},
}

var amendCmd = &cobra.Command{
	Use:   "amend SESSION_ID NODE",
	Short: "Replace a completed node's output and rewind the session",
	Long: `Write an edited artifact version for a completed node. Every later node
is marked stale and the session rewinds to the first of them.

The session stays idle until it is run again; pass --run to restart it
immediately.

Examples:
  tailor amend 0f1e2d3c-... blueprint --payload @blueprint.json --run`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		sessionID, node := args[0], args[1]
		details := map[string]string{"Session": sessionID, "Node": node}

		payload, err := readJSONArg(amendPayload, cmd.InOrStdin())
		if err != nil {
			return printer.ErrorWithContext("Invalid payload", err.Error(), details, []string{"Pass --payload as JSON, @file or @-"})
		}
		body, err := json.Marshal(map[string]any{"artifact_type": amendType, "payload": payload})
		if err != nil {
			return err
		}

		c := newAPIClient()
		var art blackboard.Artifact
		if err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "nodes", node, "artifacts"), body, &art); err != nil {
			return reportError(err, details)
		}
		printer.Success("%s is now v%d; later nodes are stale\n", node, art.Version)

		if !amendRun {
			printer.Info("\nRestart the session with:\n  tailor run %s\n", sessionID)
			return nil
		}
		return runSession(ctx, c, sessionID)
	},
}

var runCmd = &cobra.Command{
	Use:   "run SESSION_ID",
	Short: "Restart an idle session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(cmd.Context(), newAPIClient(), args[0])
	},
}

var abortCmd = &cobra.Command{
	Use:   "abort SESSION_ID",
	Short: "Cancel a session",
	Long: `Cancel a session's running stage and mark it as failed. Open streams
are closed. Aborting a finished session does nothing.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAPIClient()
		sessionID := args[0]
		if err := c.do(cmd.Context(), http.MethodPost, c.sessionPath(sessionID, "abort"), nil, nil); err != nil {
			return reportError(err, map[string]string{"Session": sessionID})
		}
		printer.Success("Session %s aborted\n", sessionID)
		return nil
	},
}

func runSession(ctx context.Context, c *apiClient, sessionID string) error {
	if err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "run"), nil, nil); err != nil {
		return reportError(err, map[string]string{"Session": sessionID})
	}
	printer.Success("Session %s restarted\n", sessionID)
	return nil
}

func init() {
	startCmd.Flags().StringVar(&startOwner, "owner", os.Getenv("USER"), "Owner ID for the session")

	inspectCmd.Flags().StringVar(&inspectNode, "node", "", "Show this node's artifact history")
	inspectCmd.Flags().StringVarP(&inspectFmt, "output", "o", printer.FormatTable, "Output format: table, json or yaml")
	inspectCmd.Flags().StringVar(&inspectSince, "since", "", "With --node: artifacts created after this time (duration or RFC3339)")
	inspectCmd.Flags().StringVar(&inspectUntil, "until", "", "With --node: artifacts created before this time (duration or RFC3339)")
	inspectCmd.Flags().StringVar(&inspectType, "type", "", "With --node: artifact type glob pattern")

	amendCmd.Flags().StringVar(&amendType, "type", "", "Artifact type (defaults to the node name)")
	amendCmd.Flags().StringVar(&amendPayload, "payload", "", "Artifact payload: JSON, @file or @-")
	amendCmd.Flags().BoolVar(&amendRun, "run", false, "Restart the session after amending")
	_ = amendCmd.MarkFlagRequired("payload")

	rootCmd.AddCommand(startCmd, inspectCmd, respondCmd, amendCmd, runCmd, abortCmd)
}
