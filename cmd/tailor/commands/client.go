package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dyluth/tailor/internal/api"
	"github.com/dyluth/tailor/internal/printer"
	"github.com/dyluth/tailor/pkg/stage"
)

const requestTimeout = 30 * time.Second

// problemError is a problem response returned by the coordinator.
type problemError struct {
	api.ProblemDetails
}

func (e *problemError) Error() string {
	return e.Title
}

// apiClient calls the coordinator's HTTP API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{
		base: strings.TrimRight(serverURL, "/"),
		http: &http.Client{Timeout: requestTimeout},
	}
}

func (c *apiClient) sessionPath(sessionID string, parts ...string) string {
	p := "/api/v1/sessions/" + sessionID
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// do sends body (raw JSON, may be nil) and decodes a 2xx response into out
// when out is non-nil. Non-2xx responses become *problemError.
func (c *apiClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var p problemError
		if err := json.NewDecoder(resp.Body).Decode(&p.ProblemDetails); err != nil || p.Title == "" {
			p.Title = fmt.Sprintf("Request failed: %s", resp.Status)
			p.Status = resp.StatusCode
		}
		return &p
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// reportError prints err in the CLI's error format and returns the error
// Cobra should see.
func reportError(err error, details map[string]string) error {
	var p *problemError
	if errors.As(err, &p) {
		return printer.ErrorWithContext(p.Title, p.Detail, details, suggestionsFor(p.Action))
	}
	return printer.ErrorWithContext("Cannot reach coordinator", err.Error(), map[string]string{"Server": serverURL}, []string{
		"Start it with 'tailor serve'",
		"Point --server or TAILOR_SERVER at a running coordinator",
	})
}

func suggestionsFor(action string) []string {
	switch action {
	case stage.ActionRetry:
		return []string{"Try the command again in a moment"}
	case stage.ActionReconnect:
		return []string{"Run 'tailor watch' again to reconnect"}
	case stage.ActionFixInput:
		return []string{"Correct the input and submit it again"}
	case stage.ActionContactSupport:
		return []string{"Contact support with the session ID"}
	default:
		return nil
	}
}

// readJSONArg returns the JSON given inline, or read from a file when the
// argument starts with '@' ("-" means stdin).
func readJSONArg(arg string, stdin io.Reader) (json.RawMessage, error) {
	var data []byte
	switch {
	case arg == "@-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		data = b
	case strings.HasPrefix(arg, "@"):
		b, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", arg[1:], err)
		}
		data = b
	default:
		data = []byte(arg)
	}

	data = bytes.TrimSpace(data)
	if !json.Valid(data) {
		return nil, fmt.Errorf("not valid JSON")
	}
	return data, nil
}
