package api

import (
	"log"
	"net/http"

	"github.com/dyluth/tailor/internal/sse"
	"github.com/dyluth/tailor/pkg/blackboard"
	"github.com/dyluth/tailor/pkg/stage"
	"github.com/labstack/echo/v4"
)

// handleStream serves the session's events as text/event-stream. The first
// frames describe where the session currently is, so a client that connects
// late (or reconnects) doesn't wait for the next transition.
func (s *Server) handleStream(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	session, err := s.coord.Session(ctx, id)
	if err != nil {
		return writeError(c, err)
	}

	conn := s.streams.Open(id)
	defer s.streams.Close(conn)

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	for _, ev := range snapshot(session) {
		s.streams.Deliver(conn, ev)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-conn.Frames():
			if !ok {
				return nil
			}
			if err := sse.Encode(w, f); err != nil {
				log.Printf("[API] Stream write for session %s failed: %v", id, err)
				return nil
			}
			w.Flush()
			if f.Event == string(blackboard.EventSessionComplete) || f.Event == string(blackboard.EventSessionError) {
				return nil
			}
		}
	}
}

// snapshot describes the session's current position as events.
func snapshot(s *blackboard.Session) []blackboard.Event {
	switch s.Status {
	case blackboard.SessionComplete:
		return []blackboard.Event{blackboard.SessionFinished{SessionID: s.ID}}
	case blackboard.SessionError:
		return []blackboard.Event{blackboard.SessionFailed{
			SessionID: s.ID,
			Stage:     s.CurrentStage,
			ErrorKind: string(stage.KindFatal),
			Message:   "This session has ended with an error.",
			Action:    stage.ActionContactSupport,
		}}
	case blackboard.SessionBlocked:
		if s.PendingGate == "" {
			break
		}
		ev := blackboard.GateRequested{SessionID: s.ID, Stage: s.CurrentStage, Gate: s.PendingGate}
		if s.PendingGatePayload != nil {
			ev.Payload = s.PendingGatePayload.Payload
		}
		return []blackboard.Event{ev}
	case blackboard.SessionRunning:
		return []blackboard.Event{blackboard.StageStarted{SessionID: s.ID, Stage: s.CurrentStage}}
	}
	return nil
}
