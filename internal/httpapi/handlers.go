// ABOUTME: endpoint handlers: chat, session CRUD, WebSocket attach, health, metrics
// ABOUTME: maps engine errors onto stable HTTP status codes and error codes

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/careline/orchestrator/internal/engine"
	"github.com/careline/orchestrator/internal/push"
	"github.com/careline/orchestrator/internal/session"
)

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req engine.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	// Empty user ids fall through to validation so the 400 wins over a
	// shared anonymous bucket filling up.
	if req.UserID != "" && !s.limits.allow(req.UserID) {
		s.logger.Warn("chat rate limited", "user_id", req.UserID)
		s.sendError(w, http.StatusTooManyRequests, "rate_limited", "too many messages, slow down")
		return
	}

	resp, err := s.engine.ProcessChat(r.Context(), &req)
	if err != nil {
		var verr *engine.ValidationError
		switch {
		case errors.As(err, &verr):
			s.writeJSON(w, http.StatusBadRequest, errorBody{
				Error: verr.Error(),
				Code:  "validation",
				Field: verr.Field,
			})
		case errors.Is(err, session.ErrConflict):
			s.sendError(w, http.StatusServiceUnavailable, "session_conflict",
				"session is being updated concurrently, retry shortly")
		default:
			s.logger.Error("chat processing failed", "error", err)
			s.sendError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		}
		return
	}

	// A degraded answer is still an answer, but the status tells load
	// balancers and clients the store is down.
	status := http.StatusOK
	if resp.Degraded {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	sess, err := s.engine.GetSession(r.Context(), id)
	switch {
	case errors.Is(err, session.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "session_not_found", "session not found or expired")
	case err != nil:
		s.logger.Error("session lookup failed", "session_id", id, "error", err)
		s.sendError(w, http.StatusServiceUnavailable, "store_unavailable", "session store is unavailable")
	default:
		s.writeJSON(w, http.StatusOK, sess)
	}
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	err := s.engine.DeleteSession(r.Context(), id)
	switch {
	case errors.Is(err, session.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "session_not_found", "session not found or expired")
	case err != nil:
		s.logger.Error("session delete failed", "session_id", id, "error", err)
		s.sendError(w, http.StatusServiceUnavailable, "store_unavailable", "session store is unavailable")
	default:
		s.writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "cleared": true})
	}
}

// handleWebSocket upgrades the request and parks it on the push hub. The
// read loop only exists to notice the peer going away; inbound frames are
// discarded.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "session_id", id, "error", err)
		return
	}

	conn := push.NewWSConn(ws)
	s.hub.Attach(id, conn)
	s.logger.Info("push connection opened", "session_id", id)

	ctx := r.Context()
	for {
		if _, _, err := ws.Read(ctx); err != nil {
			if !push.ClientClosed(err) && ctx.Err() == nil {
				s.logger.Debug("push connection read failed", "session_id", id, "error", err)
			}
			break
		}
	}

	s.hub.Detach(id, conn)
	s.logger.Info("push connection closed", "session_id", id)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	storeOK := true
	if s.storePing != nil {
		storeOK = s.storePing.Ping(ctx) == nil
	}
	llmOK := true
	if s.providers != nil {
		llmOK = s.providers.Healthy(ctx)
	}

	status := "healthy"
	code := http.StatusOK
	switch {
	case !storeOK && !llmOK:
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	case !storeOK || !llmOK:
		status = "degraded"
	}

	s.writeJSON(w, code, map[string]any{
		"status":    status,
		"service":   "careline-orchestrator",
		"version":   s.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.metrics.Snapshot()
	if err != nil {
		s.logger.Error("metrics snapshot failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "internal_error", "failed to gather metrics")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleUserSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	ids, err := s.engine.UserSessions(r.Context(), userID)
	if err != nil {
		s.logger.Error("user session listing failed", "user_id", userID, "error", err)
		s.sendError(w, http.StatusServiceUnavailable, "store_unavailable", "session store is unavailable")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "session_ids": ids})
}

// sessionID pulls and validates the session_id path parameter, answering
// the request itself when the id is not a UUID.
func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "session_id")
	if _, err := uuid.Parse(id); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "session id must be a UUID",
			Code:  "validation",
			Field: "session_id",
		})
		return "", false
	}
	return id, true
}
