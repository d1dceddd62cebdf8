// Package api exposes the coordinator over HTTP: session lifecycle, gate
// answers, artifact amendments, workflow inspection and the event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/dyluth/tailor/internal/broadcast"
	"github.com/dyluth/tailor/internal/gate"
	"github.com/dyluth/tailor/internal/orchestrator"
	"github.com/dyluth/tailor/pkg/blackboard"
	"github.com/dyluth/tailor/pkg/stage"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

// OwnerHeader carries the caller's identity when the request body doesn't.
const OwnerHeader = "X-Tailor-Owner"

// maxBodyBytes bounds gate answers and amended payloads.
const maxBodyBytes = 1 << 20

// Coordinator is the subset of the pipeline coordinator the API drives.
type Coordinator interface {
	ResolveSession(ctx context.Context, id string) (string, error)
	Start(ctx context.Context, ownerID string) (*blackboard.Session, error)
	Run(ctx context.Context, sessionID string) error
	Session(ctx context.Context, sessionID string) (*blackboard.Session, error)
	Workflow(ctx context.Context, sessionID string) ([]*blackboard.WorkflowNode, error)
	History(ctx context.Context, sessionID, nodeKey string) ([]*blackboard.Artifact, error)
	SubmitGateResponse(ctx context.Context, sessionID, gateName string, response json.RawMessage) (gate.Outcome, error)
	Amend(ctx context.Context, sessionID, nodeKey, artifactType string, payload json.RawMessage) (*blackboard.Artifact, error)
	Abort(ctx context.Context, sessionID string) error
}

// Streams opens per-client event streams.
type Streams interface {
	Open(sessionID string) *broadcast.Conn
	Close(c *broadcast.Conn)
	Deliver(c *broadcast.Conn, ev blackboard.Event)
}

// Pinger checks backing store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP surface.
type Server struct {
	coord   Coordinator
	streams Streams
	health  Pinger
	echo    *echo.Echo
	server  *http.Server
}

// New creates a Server with every route registered.
func New(coord Coordinator, streams Streams, health Pinger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("tailor"))

	s := &Server{coord: coord, streams: streams, health: health, echo: e}

	e.GET("/healthz", s.handleHealth)

	v1 := e.Group("/api/v1")
	v1.POST("/sessions", s.handleStart)

	// :id accepts a unique prefix of the session ID.
	session := v1.Group("/sessions/:id", s.resolveSession)
	session.GET("", s.handleGetSession)
	session.GET("/workflow", s.handleWorkflow)
	session.GET("/stream", s.handleStream)
	session.POST("/run", s.handleRun)
	session.POST("/abort", s.handleAbort)
	session.POST("/gates/:gate", s.handleGateResponse)
	session.GET("/nodes/:node/artifacts", s.handleHistory)
	session.POST("/nodes/:node/artifacts", s.handleAmend)

	return s
}

// resolveSession replaces a short :id with the full session ID.
func (s *Server) resolveSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		full, err := s.coord.ResolveSession(c.Request().Context(), c.Param("id"))
		if err != nil {
			return writeError(c, err)
		}

		names := c.ParamNames()
		values := c.ParamValues()
		for i, name := range names {
			if name == "id" && i < len(values) {
				values[i] = full
			}
		}
		c.SetParamValues(values...)
		return next(c)
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr in the background.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.echo,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		// No write timeout: event streams are long-lived.
	}

	go func() {
		log.Printf("[API] Listening on %s", addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[API] Server error: %v", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// ProblemDetails is an RFC 7807 error body.
type ProblemDetails struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
	Action string `json:"action,omitempty"`
}

func problem(c echo.Context, status int, title, detail, action string) error {
	data, err := json.Marshal(ProblemDetails{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
		Action: action,
	})
	if err != nil {
		return err
	}
	return c.Blob(status, "application/problem+json", data)
}

// writeError maps coordinator errors to problem responses. Internal error
// text is logged, never returned.
func writeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, orchestrator.ErrSessionNotFound):
		return problem(c, http.StatusNotFound, "Session not found", "No session exists with that ID.", "")
	case errors.Is(err, orchestrator.ErrUnknownStage):
		return problem(c, http.StatusNotFound, "Unknown node", "The pipeline has no node with that key.", "")
	case errors.Is(err, orchestrator.ErrSessionBusy):
		return problem(c, http.StatusConflict, "Session busy", "A stage is running. Try again once it pauses or finishes.", stage.ActionRetry)
	case errors.Is(err, orchestrator.ErrSessionFinished):
		return problem(c, http.StatusConflict, "Session finished", "The session has ended and cannot be changed.", "")
	}

	kind := stage.Classify(err)
	g := stage.Guide(kind)
	if kind == stage.KindValidation {
		var se *stage.Error
		detail := g.Message
		if errors.As(err, &se) {
			detail = se.Err.Error()
		}
		return problem(c, http.StatusBadRequest, "Invalid request", detail, g.Action)
	}

	log.Printf("[API] %s %s failed: %v", c.Request().Method, c.Path(), err)
	return problem(c, http.StatusInternalServerError, "Internal error", g.Message, g.Action)
}
