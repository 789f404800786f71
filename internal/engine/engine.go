// ABOUTME: conversation engine, the write path from user message to dispatch
// ABOUTME: record first, then act; a failed dispatch still lands in the transcript

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/careline/orchestrator/internal/bus"
	"github.com/careline/orchestrator/internal/correlate"
	"github.com/careline/orchestrator/internal/intent"
	"github.com/careline/orchestrator/internal/metrics"
	"github.com/careline/orchestrator/internal/push"
	"github.com/careline/orchestrator/internal/router"
	"github.com/careline/orchestrator/internal/session"
)

// Canned assistant texts. The emergency text never goes through an
// agent; it must stand on its own.
const (
	greetingText = "Hello! I am your healthcare assistant. How can I help you today?"

	emergencyText = `If this is a life-threatening emergency, please:
1. Call emergency services immediately (911/999/112)
2. Go to the nearest emergency room

For urgent but non-life-threatening issues, contact our emergency hotline or visit our urgent care center.

I'm flagging this conversation for immediate human review.`

	dispatchFailedText = "I encountered an issue trying to send your request. Please try again or contact support."

	timeoutText = "I'm sorry, this is taking longer than expected. Please try again in a moment or contact support if you need immediate help."
)

const (
	// appendAttempts bounds the engine-level retry around the store's own
	// optimistic-concurrency retries.
	appendAttempts = 3

	// historyTurns is how much trailing history a task payload carries.
	historyTurns = 3

	// persistTimeout bounds completion writes. They run on a background
	// context so a canceled request or a shutdown cannot lose them.
	persistTimeout = 5 * time.Second
)

// Classifier resolves one message to an intent. It never fails; the
// worst case is the default intent at zero confidence.
type Classifier interface {
	Classify(ctx context.Context, message string) intent.Result
}

// Dispatcher produces task requests onto the bus.
type Dispatcher interface {
	Dispatch(ctx context.Context, topic string, req *bus.TaskRequest) error
}

// Correlations tracks dispatched tasks awaiting agent responses.
type Correlations interface {
	Register(e correlate.Entry) error
	Resolve(id string) (correlate.Entry, bool)
	Cancel(id string) bool
	CancelBySession(sessionID string) int
	Seen(id string) bool
}

// Pusher delivers envelopes to a session's live connection.
type Pusher interface {
	Send(sessionID string, env *push.Envelope) bool
	Connected(sessionID string) bool
	CloseSession(sessionID, reason string)
}

// Placement decides which instance owns a session. A nil Placement
// means single-instance operation: every session is local.
type Placement interface {
	Owns(sessionID string) bool
}

// Forwarder republishes a response for the instance that owns its
// session.
type Forwarder interface {
	Forward(ctx context.Context, topic string, key, value []byte) error
}

// Engine drives conversations end to end. Safe for concurrent use.
type Engine struct {
	store        session.Store
	classifier   Classifier
	routes       *router.Router
	dispatcher   Dispatcher
	correlations Correlations
	hub          Pusher
	placement    Placement
	forwarder    Forwarder
	forwardTopic string
	maxHistory   int
	metrics      *metrics.Metrics
	log          *slog.Logger
}

// Options configures New. Store, Classifier, Routes, Dispatcher,
// Correlations and Hub are required.
type Options struct {
	Store        session.Store
	Classifier   Classifier
	Routes       *router.Router
	Dispatcher   Dispatcher
	Correlations Correlations
	Hub          Pusher

	// Placement and Forwarder wire cross-instance routing; both optional.
	// ForwardTopic names the shared forwarding topic and is required when
	// Forwarder is set.
	Placement    Placement
	Forwarder    Forwarder
	ForwardTopic string

	MaxHistory int              // defaults to session.DefaultMaxHistory
	Metrics    *metrics.Metrics // optional
	Logger     *slog.Logger
}

// New builds an Engine.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("engine: store required")
	case opts.Classifier == nil:
		return nil, errors.New("engine: classifier required")
	case opts.Routes == nil:
		return nil, errors.New("engine: router required")
	case opts.Dispatcher == nil:
		return nil, errors.New("engine: dispatcher required")
	case opts.Correlations == nil:
		return nil, errors.New("engine: correlation registry required")
	case opts.Hub == nil:
		return nil, errors.New("engine: push hub required")
	case opts.Forwarder != nil && opts.ForwardTopic == "":
		return nil, errors.New("engine: forward topic required with a forwarder")
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = session.DefaultMaxHistory
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		store:        opts.Store,
		classifier:   opts.Classifier,
		routes:       opts.Routes,
		dispatcher:   opts.Dispatcher,
		correlations: opts.Correlations,
		hub:          opts.Hub,
		placement:    opts.Placement,
		forwarder:    opts.Forwarder,
		forwardTopic: opts.ForwardTopic,
		maxHistory:   opts.MaxHistory,
		metrics:      opts.Metrics,
		log:          opts.Logger.With("component", "engine"),
	}, nil
}

// ProcessChat handles one inbound message and returns the synchronous
// reply. Dispatched tasks answer with the route's placeholder; the final
// answer arrives later over the push channel. The only errors returned
// are *ValidationError and write conflicts that survived every retry.
func (e *Engine) ProcessChat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	if err := req.Validate(); err != nil {
		e.metrics.RecordError(metrics.KindValidation)
		return nil, err
	}
	e.metrics.MessageAccepted()

	userMsg := session.Message{Timestamp: session.Now(), Role: session.RoleUser, Content: req.Message}
	sess, degraded, err := e.recordUserMessage(ctx, req, userMsg)
	if err != nil {
		return nil, err
	}

	res := e.classifier.Classify(ctx, req.Message)
	e.metrics.IntentClassified(res.Intent, res.Source)

	if res.Emergency() {
		return e.answerEmergency(ctx, sess, res, degraded, start), nil
	}

	route := e.routes.Resolve(res.Intent)
	correlationID := uuid.New().String()
	now := session.Now()

	provisional := session.Message{
		Timestamp: now,
		Role:      session.RoleAssistant,
		Content:   route.Placeholder,
		Metadata: session.Metadata{
			Intent:        res.Intent,
			Confidence:    res.Confidence,
			CorrelationID: correlationID,
			Status:        session.StatusPending,
		},
	}
	task := session.PendingTask{
		ID:        correlationID,
		Type:      route.TaskType,
		Status:    session.TaskPending,
		CreatedAt: now,
		Deadline:  now.Add(route.HardDeadline),
	}

	// Payloads carry the history before the provisional turn.
	turns := payloadTurns(sess.RecentTurns(historyTurns))

	if !degraded {
		updated, err := e.updateSession(ctx, sess.ID, func(s *session.Session) error {
			s.Append(provisional, e.maxHistory)
			s.CurrentIntent = res.Intent
			s.PendingTasks = append(s.PendingTasks, task)
			return nil
		})
		switch {
		case err == nil:
			sess = updated
		case errors.Is(err, session.ErrConflict):
			return nil, fmt.Errorf("recording reply for session %s: %w", sess.ID, err)
		default:
			degraded = e.degrade(err)
		}
	}

	entry := correlate.Entry{
		CorrelationID: correlationID,
		SessionID:     sess.ID,
		UserID:        req.UserID,
		TaskType:      route.TaskType,
		Intent:        res.Intent,
		ResponseTopic: route.ResponseTopic,
		RegisteredAt:  now,
		SoftDeadline:  now.Add(route.SoftDeadline),
		Deadline:      now.Add(route.HardDeadline),
	}
	// Registered before the produce lands so an agent can never answer
	// into a gap; a failed dispatch takes the entry right back out.
	if err := e.correlations.Register(entry); err != nil {
		return nil, fmt.Errorf("registering correlation %s: %w", correlationID, err)
	}

	request := bus.NewTaskRequest(correlationID, route.TaskType, bus.TaskPayload{
		Message:   req.Message,
		SessionID: sess.ID,
		UserID:    req.UserID,
		Intent:    res.Intent,
		Context:   sess.Context,
		History:   turns,
	})
	if err := e.dispatcher.Dispatch(ctx, route.RequestTopic, request); err != nil {
		e.correlations.Cancel(correlationID)
		return e.answerDispatchFailure(ctx, sess, res, correlationID, degraded, start, err), nil
	}

	if e.hub.Connected(sess.ID) {
		e.hub.Send(sess.ID, push.Typing(sess.ID))
	}

	e.log.Info("task dispatched",
		"session_id", sess.ID, "correlation_id", correlationID,
		"intent", res.Intent, "task_type", route.TaskType, "topic", route.RequestTopic)

	return e.finish(start, &ChatResponse{
		Response:         route.Placeholder,
		SessionID:        sess.ID,
		Intent:           res.Intent,
		SuggestedActions: []string{ActionWaitForAgent},
		ConfidenceScore:  res.Confidence,
		CorrelationID:    correlationID,
		Degraded:         degraded,
	}), nil
}

// GetSession loads a session for the read API.
func (e *Engine) GetSession(ctx context.Context, id string) (*session.Session, error) {
	return e.store.Get(ctx, id)
}

// UserSessions lists the live session ids a user owns.
func (e *Engine) UserSessions(ctx context.Context, userID string) ([]string, error) {
	return e.store.ListByUser(ctx, userID)
}

// DeleteSession removes the session, cancels its pending work, and
// closes any push connection. Canceled correlations push nothing.
func (e *Engine) DeleteSession(ctx context.Context, id string) error {
	if _, err := e.store.Get(ctx, id); err != nil {
		return err
	}
	if n := e.correlations.CancelBySession(id); n > 0 {
		e.log.Info("canceled pending tasks", "session_id", id, "count", n)
	}
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	e.hub.CloseSession(id, push.ReasonSessionDeleted)
	e.log.Info("session deleted", "session_id", id)
	return nil
}

// recordUserMessage appends the user turn, creating the session first
// when it does not exist. The bool return is true when the store is
// unreachable and the request proceeds stateless; the error return is a
// write conflict that survived every retry.
func (e *Engine) recordUserMessage(ctx context.Context, req *ChatRequest, msg session.Message) (*session.Session, bool, error) {
	record := func(s *session.Session) error {
		applyContext(s, req.Context)
		s.Append(msg, e.maxHistory)
		return nil
	}

	if req.SessionID != "" {
		sess, err := e.updateSession(ctx, req.SessionID, record)
		switch {
		case err == nil:
			return sess, false, nil
		case errors.Is(err, session.ErrConflict):
			return nil, false, fmt.Errorf("recording message for session %s: %w", req.SessionID, err)
		case errors.Is(err, session.ErrNotFound):
			// Expired or never existed: recreate under the client's id.
		default:
			sess = e.statelessSession(req.SessionID, req)
			sess.Append(msg, e.maxHistory)
			return sess, e.degrade(err), nil
		}
	}

	sess, degraded := e.createSession(ctx, req.SessionID, req)
	if degraded {
		sess.Append(msg, e.maxHistory)
		return sess, true, nil
	}

	updated, err := e.updateSession(ctx, sess.ID, record)
	switch {
	case err == nil:
		return updated, false, nil
	case errors.Is(err, session.ErrConflict):
		return nil, false, fmt.Errorf("recording message for session %s: %w", sess.ID, err)
	default:
		// The session was written a moment ago; any failure now is
		// outage-class.
		sess.Append(msg, e.maxHistory)
		return sess, e.degrade(err), nil
	}
}

// createSession writes a fresh session opened by the greeting. A store
// failure degrades to a stateless session instead of failing the chat.
func (e *Engine) createSession(ctx context.Context, id string, req *ChatRequest) (*session.Session, bool) {
	sess := session.New(id, req.UserID)
	applyContext(sess, req.Context)
	sess.Append(session.Message{
		Timestamp: session.Now(),
		Role:      session.RoleAssistant,
		Content:   greetingText,
		Metadata:  session.Metadata{Status: session.StatusCompleted},
	}, e.maxHistory)

	if err := e.store.Put(ctx, sess); err != nil {
		e.degrade(err)
		return e.statelessSession(id, req), true
	}
	e.log.Info("session created", "session_id", sess.ID, "user_id", req.UserID)
	return sess, false
}

// statelessSession is the in-memory stand-in used while the store is
// down. It holds only the current exchange.
func (e *Engine) statelessSession(id string, req *ChatRequest) *session.Session {
	sess := session.New(id, req.UserID)
	applyContext(sess, req.Context)
	return sess
}

// updateSession retries the store's atomic update when every one of its
// own retries lost the write race.
func (e *Engine) updateSession(ctx context.Context, id string, fn func(*session.Session) error) (*session.Session, error) {
	var lastErr error
	for range appendAttempts {
		sess, err := e.store.Update(ctx, id, fn)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, session.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// answerEmergency short-circuits dispatch with the canned safety answer.
// Nothing is routed to an agent for a medical emergency.
func (e *Engine) answerEmergency(ctx context.Context, sess *session.Session, res intent.Result, degraded bool, start time.Time) *ChatResponse {
	e.log.Warn("medical emergency detected", "session_id", sess.ID, "user_id", sess.UserID)

	if !degraded {
		msg := session.Message{
			Timestamp: session.Now(),
			Role:      session.RoleAssistant,
			Content:   emergencyText,
			Metadata:  session.Metadata{Intent: res.Intent, Confidence: res.Confidence, Status: session.StatusCompleted},
		}
		if _, err := e.updateSession(ctx, sess.ID, func(s *session.Session) error {
			s.Append(msg, e.maxHistory)
			s.CurrentIntent = res.Intent
			return nil
		}); err != nil {
			// The canned answer still goes out; the transcript gap is
			// the lesser failure.
			e.log.Error("recording emergency reply failed", "session_id", sess.ID, "error", err)
		}
	}

	return e.finish(start, &ChatResponse{
		Response:             emergencyText,
		SessionID:            sess.ID,
		Intent:               res.Intent,
		RequiresHumanHandoff: true,
		SuggestedActions:     []string{ActionEmergencyEscalation, ActionCallEmergencyServices},
		ConfidenceScore:      res.Confidence,
		Degraded:             degraded,
	})
}

// answerDispatchFailure flips the provisional message to an error and
// reports the failure synchronously. The correlation was already
// canceled, so no sweeper or agent response can race this.
func (e *Engine) answerDispatchFailure(ctx context.Context, sess *session.Session, res intent.Result, correlationID string, degraded bool, start time.Time, cause error) *ChatResponse {
	e.metrics.RecordError(metrics.KindDispatchFailure)
	e.log.Error("task dispatch failed",
		"session_id", sess.ID, "correlation_id", correlationID, "intent", res.Intent, "error", cause)

	if !degraded {
		if _, err := e.updateSession(ctx, sess.ID, func(s *session.Session) error {
			if msg := s.FindByCorrelation(correlationID); msg != nil {
				msg.Content = dispatchFailedText
				msg.Timestamp = session.Now()
				msg.Metadata.Status = session.StatusError
			}
			if task := s.TaskByID(correlationID); task != nil {
				task.Status = session.TaskFailed
			}
			return nil
		}); err != nil {
			e.log.Error("recording dispatch failure failed", "session_id", sess.ID, "error", err)
		}
	}

	return e.finish(start, &ChatResponse{
		Response:             dispatchFailedText,
		SessionID:            sess.ID,
		Intent:               res.Intent,
		RequiresHumanHandoff: true,
		SuggestedActions:     []string{ActionContactSupport},
		CorrelationID:        correlationID,
		Degraded:             degraded,
	})
}

// degrade records a store failure; the caller continues stateless.
func (e *Engine) degrade(err error) bool {
	e.metrics.RecordError(metrics.KindStoreOutage)
	e.log.Error("session store unavailable, serving stateless", "error", err)
	return true
}

// finish stamps timing on the response.
func (e *Engine) finish(start time.Time, resp *ChatResponse) *ChatResponse {
	elapsed := time.Since(start)
	resp.ProcessingTimeMS = elapsed.Milliseconds()
	e.metrics.ObserveResponseTime(elapsed)
	return resp
}

func applyContext(sess *session.Session, c session.Context) {
	if c.Language != "" {
		sess.Context.Language = c.Language
		sess.Language = c.Language
	}
	if c.UserType != "" {
		sess.Context.UserType = c.UserType
	}
	if c.Department != "" {
		sess.Context.Department = c.Department
	}
	if c.Priority != "" {
		sess.Context.Priority = c.Priority
	}
}

func payloadTurns(msgs []session.Message) []bus.Turn {
	turns := make([]bus.Turn, len(msgs))
	for i, m := range msgs {
		turns[i] = bus.Turn{Role: m.Role, Content: m.Content}
	}
	return turns
}
