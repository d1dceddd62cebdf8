package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dyluth/tailor/internal/filter"
	"github.com/dyluth/tailor/pkg/blackboard"
	"github.com/dyluth/tailor/pkg/stage"
	"github.com/labstack/echo/v4"
)

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status string `json:"status"`
	Redis  string `json:"redis,omitempty"`
}

// handleHealth returns 200 if Redis is reachable, 503 otherwise.
func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	if err := s.health.Ping(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Redis: "disconnected"})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Redis: "connected"})
}

type startRequest struct {
	OwnerID string `json:"owner_id"`
}

func (s *Server) handleStart(c echo.Context) error {
	var req startRequest
	if c.Request().ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(c.Request().Body, maxBodyBytes)).Decode(&req); err != nil && err != io.EOF {
			return problem(c, http.StatusBadRequest, "Invalid request", "Body must be a JSON object.", stage.ActionFixInput)
		}
	}
	if req.OwnerID == "" {
		req.OwnerID = c.Request().Header.Get(OwnerHeader)
	}
	if req.OwnerID == "" {
		return problem(c, http.StatusBadRequest, "Invalid request", "owner_id is required.", stage.ActionFixInput)
	}

	session, err := s.coord.Start(c.Request().Context(), req.OwnerID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, session)
}

func (s *Server) handleGetSession(c echo.Context) error {
	session, err := s.coord.Session(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

// WorkflowResponse is the inspection view of a session.
type WorkflowResponse struct {
	Session *blackboard.Session        `json:"session"`
	Nodes   []*blackboard.WorkflowNode `json:"nodes"`
}

func (s *Server) handleWorkflow(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	session, err := s.coord.Session(ctx, id)
	if err != nil {
		return writeError(c, err)
	}
	nodes, err := s.coord.Workflow(ctx, id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, WorkflowResponse{Session: session, Nodes: nodes})
}

func (s *Server) handleRun(c echo.Context) error {
	if err := s.coord.Run(c.Request().Context(), c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleAbort(c echo.Context) error {
	if err := s.coord.Abort(c.Request().Context(), c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

// GateResponse reports what happened to a submitted answer.
type GateResponse struct {
	Outcome string `json:"outcome"`
}

// handleGateResponse takes the raw request body as the answer.
func (s *Server) handleGateResponse(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return problem(c, http.StatusRequestEntityTooLarge, "Invalid request", err.Error(), stage.ActionFixInput)
	}

	outcome, err := s.coord.SubmitGateResponse(c.Request().Context(), c.Param("id"), c.Param("gate"), body)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, GateResponse{Outcome: string(outcome)})
}

// handleHistory lists a node's artifacts newest first, optionally narrowed
// by the since, until and type query parameters.
func (s *Server) handleHistory(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := s.coord.Session(ctx, id); err != nil {
		return writeError(c, err)
	}

	criteria, err := filter.Parse(c.QueryParam("since"), c.QueryParam("until"), c.QueryParam("type"), time.Now())
	if err != nil {
		return problem(c, http.StatusBadRequest, "Invalid filter", err.Error(), stage.ActionFixInput)
	}

	artifacts, err := s.coord.History(ctx, id, c.Param("node"))
	if err != nil {
		return writeError(c, err)
	}
	artifacts = criteria.Apply(artifacts)
	if artifacts == nil {
		artifacts = []*blackboard.Artifact{}
	}
	return c.JSON(http.StatusOK, artifacts)
}

type amendRequest struct {
	ArtifactType string          `json:"artifact_type"`
	Payload      json.RawMessage `json:"payload"`
}

func (s *Server) handleAmend(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return problem(c, http.StatusRequestEntityTooLarge, "Invalid request", err.Error(), stage.ActionFixInput)
	}
	var req amendRequest
	if err := json.Unmarshal(body, &req); err != nil || len(req.Payload) == 0 {
		return problem(c, http.StatusBadRequest, "Invalid request", "Body must be a JSON object with a payload.", stage.ActionFixInput)
	}

	artifact, err := s.coord.Amend(c.Request().Context(), c.Param("id"), c.Param("node"), req.ArtifactType, req.Payload)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, artifact)
}

func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body")
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
	}
	return body, nil
}
