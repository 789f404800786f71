// ABOUTME: the completion path, from agent response or sweeper timeout to push
// ABOUTME: Resolve is the single winner point; everything after it is a duplicate

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/careline/orchestrator/internal/bus"
	"github.com/careline/orchestrator/internal/correlate"
	"github.com/careline/orchestrator/internal/metrics"
	"github.com/careline/orchestrator/internal/push"
	"github.com/careline/orchestrator/internal/session"
)

// HandleTaskResponse is the bus consumer handler. It claims the
// correlation, applies the result to the session, and pushes the final
// response. The consumer pool keys on session id, so completions for
// one session never interleave.
func (e *Engine) HandleTaskResponse(ctx context.Context, resp *bus.TaskResponse, meta bus.Delivery) {
	entry, ok := e.correlations.Resolve(resp.CorrelationID)
	if !ok {
		e.routeUnclaimed(ctx, resp, meta)
		return
	}
	e.complete(ctx, entry, resp)
}

// CompleteTimeout synthesizes the error completion for an entry whose
// hard deadline passed. It goes through the same resolution point as
// real responses, so a racing late agent answer has exactly one winner.
func (e *Engine) CompleteTimeout(ctx context.Context, entry correlate.Entry) {
	e.metrics.RecordError(metrics.KindAgentTimeout)

	resp := bus.NewTaskResponse(entry.CorrelationID, bus.StatusError, bus.TaskResult{
		Response:             timeoutText,
		RequiresHumanHandoff: true,
		SuggestedActions:     []string{ActionContactSupport},
		SessionID:            entry.SessionID,
	})
	resp.ErrorCode = bus.ErrorCodeAgentTimeout

	e.HandleTaskResponse(ctx, resp, bus.Delivery{Topic: "sweeper"})
}

// NotifyStillWorking pushes the one-shot soft-deadline status envelope.
// The registry guarantees at most one call per correlation.
func (e *Engine) NotifyStillWorking(entry correlate.Entry) {
	if !e.hub.Connected(entry.SessionID) {
		return
	}
	env := push.Status(entry.SessionID, push.StatusStillWorking)
	env.CorrelationID = entry.CorrelationID
	e.hub.Send(entry.SessionID, env)
}

// routeUnclaimed classifies a response that matched no local entry:
// recently completed here (duplicate), addressed to another instance
// (forward once), or stale (drop).
func (e *Engine) routeUnclaimed(ctx context.Context, resp *bus.TaskResponse, meta bus.Delivery) {
	switch {
	case e.correlations.Seen(resp.CorrelationID):
		e.metrics.DuplicateDrop()
		e.log.Debug("dropping duplicate response",
			"correlation_id", resp.CorrelationID, "topic", meta.Topic)
	case meta.Forwarded:
		// Already hopped once; a second hop could bounce forever.
		e.metrics.ForwardDropped()
		e.log.Warn("dropping forwarded response with no pending correlation",
			"correlation_id", resp.CorrelationID, "session_id", resp.Result.SessionID)
	case e.placement != nil && !e.placement.Owns(resp.Result.SessionID):
		e.forward(ctx, resp)
	default:
		e.metrics.DuplicateDrop()
		e.log.Warn("dropping response with no pending correlation",
			"correlation_id", resp.CorrelationID, "session_id", resp.Result.SessionID, "topic", meta.Topic)
	}
}

// forward republishes resp for the instance that owns its session.
func (e *Engine) forward(ctx context.Context, resp *bus.TaskResponse) {
	if e.forwarder == nil {
		e.metrics.ForwardDropped()
		e.log.Warn("no forwarder wired, dropping foreign response",
			"correlation_id", resp.CorrelationID, "session_id", resp.Result.SessionID)
		return
	}
	value, err := json.Marshal(resp)
	if err != nil {
		e.log.Error("encoding response for forwarding failed",
			"correlation_id", resp.CorrelationID, "error", err)
		return
	}
	if err := e.forwarder.Forward(ctx, e.forwardTopic, []byte(resp.Result.SessionID), value); err != nil {
		e.metrics.ForwardDropped()
		e.log.Error("forwarding response failed",
			"correlation_id", resp.CorrelationID, "session_id", resp.Result.SessionID, "error", err)
		return
	}
	e.metrics.Forwarded()
	e.log.Info("forwarded response to owning instance",
		"correlation_id", resp.CorrelationID, "session_id", resp.Result.SessionID)
}

// complete applies a claimed response to the session and pushes the
// final envelope. The push happens even when the session write fails;
// a client waiting on the channel beats a perfect transcript.
func (e *Engine) complete(ctx context.Context, entry correlate.Entry, resp *bus.TaskResponse) {
	status := session.StatusCompleted
	taskStatus := session.TaskCompleted
	if resp.Status != bus.StatusSuccess {
		status = session.StatusError
		taskStatus = session.TaskFailed
	}
	text := resp.Result.Response

	// Persistence gets its own deadline: the consumer context dies on
	// shutdown and a claimed completion must not be lost with it.
	applyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if _, err := e.updateSession(applyCtx, entry.SessionID, func(s *session.Session) error {
		if msg := s.FindByCorrelation(entry.CorrelationID); msg != nil {
			msg.Content = text
			msg.Timestamp = session.Now()
			msg.Metadata.Status = status
			msg.Metadata.Intent = entry.Intent
		} else {
			// Provisional truncated out of history or written while the
			// store was down: record the outcome as a fresh message.
			s.Append(session.Message{
				Timestamp: session.Now(),
				Role:      session.RoleAssistant,
				Content:   text,
				Metadata: session.Metadata{
					Intent:        entry.Intent,
					CorrelationID: entry.CorrelationID,
					Status:        status,
				},
			}, e.maxHistory)
		}
		if task := s.TaskByID(entry.CorrelationID); task != nil {
			task.Status = taskStatus
		}
		return nil
	}); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			e.log.Warn("completion for expired session",
				"session_id", entry.SessionID, "correlation_id", entry.CorrelationID)
		} else {
			e.metrics.RecordError(metrics.KindStoreOutage)
			e.log.Error("applying completion failed",
				"session_id", entry.SessionID, "correlation_id", entry.CorrelationID, "error", err)
		}
	}

	delivered := e.hub.Send(entry.SessionID, push.FinalResponse(push.FinalResponseData{
		SessionID:            entry.SessionID,
		Response:             text,
		Intent:               entry.Intent,
		RequiresHumanHandoff: resp.Result.RequiresHumanHandoff,
		SuggestedActions:     resp.Result.SuggestedActions,
		CorrelationID:        entry.CorrelationID,
	}))

	e.log.Info("task completed",
		"session_id", entry.SessionID, "correlation_id", entry.CorrelationID,
		"task_type", entry.TaskType, "status", resp.Status, "error_code", resp.ErrorCode,
		"delivered", delivered, "elapsed", time.Since(entry.RegisteredAt))
}
