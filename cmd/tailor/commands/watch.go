package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/dyluth/tailor/internal/config"
	"github.com/dyluth/tailor/internal/printer"
	"github.com/dyluth/tailor/internal/stream"
	"github.com/dyluth/tailor/pkg/blackboard"
	"github.com/spf13/cobra"
)

var watchOutputFormat string

var watchCmd = &cobra.Command{
	Use:   "watch SESSION_ID",
	Short: "Follow a session's progress live",
	Long: `Stream a session's events until it completes or fails.

Dropped connections are retried with exponential backoff; after the
configured number of failed attempts the command exits. A warning is shown
when a running stage has sent nothing for longer than the stall threshold.

Output Formats:
  default - Human-readable progress
  json    - Line-delimited JSON, one event per line

Examples:
  tailor watch 0f1e2d3c-...
  tailor watch 0f1e2d3c-... --output=json > events.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	sessionID := args[0]
	details := map[string]string{"Session": sessionID}

	if watchOutputFormat != "default" && watchOutputFormat != "json" {
		return printer.Error(
			fmt.Sprintf("invalid output format: %s", watchOutputFormat),
			"Valid formats are: default, json",
			nil,
		)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return printer.Error("Invalid configuration", err.Error(), nil)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Fail fast on an unknown session instead of burning reconnect attempts.
	c := newAPIClient()
	var session blackboard.Session
	if err := c.do(ctx, http.MethodGet, c.sessionPath(sessionID), nil, &session); err != nil {
		return reportError(err, details)
	}

	var disconnected bool
	client := stream.New(
		stream.HTTPDialer(nil, c.base+c.sessionPath(sessionID, "stream"), nil),
		stream.Options{
			MaxAttempts:      cfg.Stream.MaxAttempts,
			InitialBackoff:   cfg.Stream.InitialBackoff,
			WatchdogInterval: cfg.Stream.WatchdogInterval,
			StallThreshold:   cfg.Stream.StallThreshold,
			FlushInterval:    cfg.Stream.FlushInterval,
		},
		watchHandlers(func() {
			disconnected = true
			stop()
		}),
	)

	if watchOutputFormat == "default" {
		printer.Step("Watching session %s (Ctrl+C to stop)\n", sessionID)
	}

	err = client.Run(ctx)
	switch {
	case disconnected:
		return printer.ErrorWithContext("Connection lost", "The event stream could not be re-established.", details, []string{
			"Check the coordinator is running",
			fmt.Sprintf("Run 'tailor watch %s' again", sessionID),
		})
	case err == nil, errors.Is(err, context.Canceled):
		return nil
	default:
		return err
	}
}

// watchHandlers renders the stream in the selected format. onDisconnect is
// called when the client gives up reconnecting.
func watchHandlers(onDisconnect func()) stream.Handlers {
	h := stream.Handlers{
		OnNotice: func(n stream.Notice) {
			if n.Kind == stream.NoticeDisconnected {
				onDisconnect()
				return
			}
			printer.Warning("%s\n", n.Message)
		},
	}

	if watchOutputFormat == "json" {
		h.OnEvent = func(ev blackboard.Event) {
			data, err := json.Marshal(map[string]any{"event": ev.Kind(), "data": ev})
			if err != nil {
				return
			}
			fmt.Fprintf(printer.Stdout, "%s\n", data)
		}
		h.OnDelta = func(d stream.Delta) {
			data, err := json.Marshal(map[string]any{"event": blackboard.EventTextDelta, "data": blackboard.TextDelta{Stage: d.Stage, Text: d.Text}})
			if err != nil {
				return
			}
			fmt.Fprintf(printer.Stdout, "%s\n", data)
		}
		return h
	}

	var midLine bool
	h.OnEvent = func(ev blackboard.Event) {
		if midLine {
			fmt.Fprintln(printer.Stdout)
			midLine = false
		}
		printer.Event(printer.Stdout, ev)
		if g, ok := ev.(blackboard.GateRequested); ok {
			fmt.Fprintf(printer.Stdout, "  Answer with: tailor respond %s %s '<json>'\n", g.SessionID, g.Gate)
		}
	}
	h.OnDelta = func(d stream.Delta) {
		fmt.Fprint(printer.Stdout, d.Text)
		midLine = d.Text != "" && d.Text[len(d.Text)-1] != '\n'
	}
	h.OnState = func(s stream.State) {
		if s == stream.StateReconnecting {
			printer.Warning("Connection dropped, reconnecting...\n")
		}
	}
	return h
}
