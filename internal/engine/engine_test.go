// ABOUTME: engine tests over hand-written fakes for store, bus, and push
// ABOUTME: covers dispatch, emergency, degraded mode, and the completion path

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careline/orchestrator/internal/bus"
	"github.com/careline/orchestrator/internal/correlate"
	"github.com/careline/orchestrator/internal/intent"
	"github.com/careline/orchestrator/internal/push"
	"github.com/careline/orchestrator/internal/router"
	"github.com/careline/orchestrator/internal/session"
)

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	err      error // every call fails with this when set
	conflict bool  // Update fails with ErrConflict when set
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]*session.Session)}
}

func cloneSession(s *session.Session) *session.Session {
	data, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	var out session.Session
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return &out
}

func (f *fakeStore) Get(_ context.Context, id string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return cloneSession(s), nil
}

func (f *fakeStore) Put(_ context.Context, sess *session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	delete(f.sessions, id)
	return nil
}

func (f *fakeStore) ListByUser(_ context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var ids []string
	for id, s := range f.sessions {
		if s.UserID == userID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeStore) Update(_ context.Context, id string, fn func(*session.Session) error) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.conflict {
		return nil, session.ErrConflict
	}
	s, ok := f.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	next := cloneSession(s)
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Touch()
	f.sessions[id] = next
	return cloneSession(next), nil
}

func (f *fakeStore) AppendMessage(ctx context.Context, id string, msg session.Message) (*session.Session, error) {
	return f.Update(ctx, id, func(s *session.Session) error {
		s.Append(msg, session.DefaultMaxHistory)
		return nil
	})
}

func (f *fakeStore) Count(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.sessions)), nil
}

// session returns a copy of the stored session or fails the test.
func (f *fakeStore) session(t *testing.T, id string) *session.Session {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	require.True(t, ok, "session %s not in store", id)
	return cloneSession(s)
}

type dispatched struct {
	topic string
	req   *bus.TaskRequest
}

type fakeDispatcher struct {
	mu    sync.Mutex
	err   error
	calls []dispatched
}

func (f *fakeDispatcher) Dispatch(_ context.Context, topic string, req *bus.TaskRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, dispatched{topic: topic, req: req})
	return nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeDispatcher) last(t *testing.T) dispatched {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls, "nothing dispatched")
	return f.calls[len(f.calls)-1]
}

type fakeHub struct {
	mu     sync.Mutex
	live   map[string]bool
	sent   map[string][]*push.Envelope
	closed map[string]string
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		live:   make(map[string]bool),
		sent:   make(map[string][]*push.Envelope),
		closed: make(map[string]string),
	}
}

func (f *fakeHub) Send(id string, env *push.Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[id] = append(f.sent[id], env)
	return f.live[id]
}

func (f *fakeHub) Connected(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[id]
}

func (f *fakeHub) CloseSession(id, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, id)
	f.closed[id] = reason
}

func (f *fakeHub) connect(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[id] = true
}

func (f *fakeHub) envelopes(id string) []*push.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*push.Envelope(nil), f.sent[id]...)
}

type fakeClassifier struct{ res intent.Result }

func (f *fakeClassifier) Classify(context.Context, string) intent.Result { return f.res }

type forwardedMsg struct {
	topic string
	key   string
	value []byte
}

type fakeForwarder struct {
	mu   sync.Mutex
	msgs []forwardedMsg
}

func (f *fakeForwarder) Forward(_ context.Context, topic string, key, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, forwardedMsg{topic: topic, key: string(key), value: value})
	return nil
}

func (f *fakeForwarder) all() []forwardedMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]forwardedMsg(nil), f.msgs...)
}

type fakePlacement struct{ owns bool }

func (f *fakePlacement) Owns(string) bool { return f.owns }

type fixture struct {
	engine       *Engine
	store        *fakeStore
	dispatcher   *fakeDispatcher
	hub          *fakeHub
	classifier   *fakeClassifier
	correlations *correlate.Registry
	forwarder    *fakeForwarder
	placement    *fakePlacement
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		store:      newFakeStore(),
		dispatcher: &fakeDispatcher{},
		hub:        newFakeHub(),
		classifier: &fakeClassifier{res: intent.Result{
			Intent:     intent.IntentGeneralInfo,
			Confidence: intent.ConfidencePattern,
			Source:     intent.SourcePattern,
		}},
		forwarder:    &fakeForwarder{},
		placement:    &fakePlacement{owns: true},
		correlations: correlate.New(correlate.Options{Logger: logger}),
	}

	routes, err := router.New(nil)
	require.NoError(t, err)

	f.engine, err = New(Options{
		Store:        f.store,
		Classifier:   f.classifier,
		Routes:       routes,
		Dispatcher:   f.dispatcher,
		Correlations: f.correlations,
		Hub:          f.hub,
		Placement:    f.placement,
		Forwarder:    f.forwarder,
		ForwardTopic: "orchestrator-forwarded",
		Logger:       logger,
	})
	require.NoError(t, err)
	return f
}

func chat(userID, message string) *ChatRequest {
	return &ChatRequest{UserID: userID, Message: message}
}

func TestEngine_ProcessChatDispatchesTask(t *testing.T) {
	f := newFixture(t)

	resp, err := f.engine.ProcessChat(t.Context(), chat("u1", "what are your visiting hours?"))
	require.NoError(t, err)

	assert.Equal(t, intent.IntentGeneralInfo, resp.Intent)
	assert.Equal(t, "Let me look that up for you...", resp.Response)
	assert.False(t, resp.RequiresHumanHandoff)
	assert.Equal(t, []string{ActionWaitForAgent}, resp.SuggestedActions)
	assert.InDelta(t, intent.ConfidencePattern, resp.ConfidenceScore, 0.001)
	assert.False(t, resp.Degraded)
	require.NotEmpty(t, resp.CorrelationID)
	require.NotEmpty(t, resp.SessionID)

	// Transcript: greeting, user turn, pending provisional.
	sess := f.store.session(t, resp.SessionID)
	require.Len(t, sess.History, 3)
	assert.Equal(t, session.RoleAssistant, sess.History[0].Role)
	assert.Equal(t, "what are your visiting hours?", sess.History[1].Content)
	provisional := sess.History[2]
	assert.Equal(t, session.StatusPending, provisional.Metadata.Status)
	assert.Equal(t, resp.CorrelationID, provisional.Metadata.CorrelationID)
	assert.Equal(t, intent.IntentGeneralInfo, sess.CurrentIntent)

	require.Len(t, sess.PendingTasks, 1)
	assert.Equal(t, resp.CorrelationID, sess.PendingTasks[0].ID)
	assert.Equal(t, session.TaskPending, sess.PendingTasks[0].Status)

	d := f.dispatcher.last(t)
	assert.Equal(t, "general-info-requests", d.topic)
	assert.Equal(t, resp.CorrelationID, d.req.CorrelationID)
	assert.Equal(t, router.TaskGeneralInfo, d.req.TaskType)
	assert.Equal(t, resp.SessionID, d.req.Payload.SessionID)
	assert.Equal(t, "u1", d.req.Payload.UserID)
	require.Len(t, d.req.Payload.History, 2, "greeting and user turn, no provisional")
	assert.Equal(t, session.RoleUser, d.req.Payload.History[1].Role)

	assert.Equal(t, 1, f.correlations.Pending())
}

func TestEngine_ProcessChatValidation(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	cases := []struct {
		name  string
		req   *ChatRequest
		field string
	}{
		{"missing user", &ChatRequest{Message: "hi"}, "user_id"},
		{"long user", &ChatRequest{UserID: strings.Repeat("u", MaxUserIDChars+1), Message: "hi"}, "user_id"},
		{"missing message", &ChatRequest{UserID: "u1"}, "message"},
		{"long message", &ChatRequest{UserID: "u1", Message: strings.Repeat("a", MaxMessageChars+1)}, "message"},
		{"malformed session id", &ChatRequest{UserID: "u1", Message: "hi", SessionID: "not-a-uuid"}, "session_id"},
		{"wrong uuid version", &ChatRequest{UserID: "u1", Message: "hi", SessionID: "00000000-0000-1000-8000-000000000000"}, "session_id"},
		{"bad language", &ChatRequest{UserID: "u1", Message: "hi", Context: session.Context{Language: "fr"}}, "context.language"},
		{"bad user type", &ChatRequest{UserID: "u1", Message: "hi", Context: session.Context{UserType: "visitor"}}, "context.user_type"},
		{"bad priority", &ChatRequest{UserID: "u1", Message: "hi", Context: session.Context{Priority: "urgent"}}, "context.priority"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.ProcessChat(ctx, tc.req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
	assert.Zero(t, f.dispatcher.count(), "rejected requests must not dispatch")

	// The documented boundary: exactly 2000 characters pass.
	resp, err := f.engine.ProcessChat(ctx, chat("u1", strings.Repeat("a", MaxMessageChars)))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.CorrelationID)
}

func TestEngine_ProcessChatReusesSession(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	first, err := f.engine.ProcessChat(ctx, chat("u1", "hello there"))
	require.NoError(t, err)

	req := chat("u1", "how do I get to the clinic?")
	req.SessionID = first.SessionID
	req.Context = session.Context{Language: "id", UserType: "patient"}
	second, err := f.engine.ProcessChat(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)

	sess := f.store.session(t, first.SessionID)
	require.Len(t, sess.History, 5, "greeting plus two exchanges, no second greeting")
	assert.Equal(t, "id", sess.Context.Language)
	assert.Equal(t, "id", sess.Language)
	assert.Equal(t, "patient", sess.Context.UserType)
}

func TestEngine_ProcessChatCreatesWithProvidedID(t *testing.T) {
	f := newFixture(t)

	id := uuid.New().String()
	req := chat("u1", "hi")
	req.SessionID = id

	resp, err := f.engine.ProcessChat(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, id, resp.SessionID)

	sess := f.store.session(t, id)
	require.NotEmpty(t, sess.History)
	assert.Equal(t, greetingText, sess.History[0].Content, "fresh sessions open with the greeting")
}

func TestEngine_EmergencyShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.classifier.res = intent.Result{
		Intent:     intent.IntentMedicalEmergency,
		Confidence: intent.ConfidencePattern,
		Source:     intent.SourcePattern,
	}

	resp, err := f.engine.ProcessChat(t.Context(), chat("u1", "severe chest pain right now"))
	require.NoError(t, err)

	assert.True(t, resp.RequiresHumanHandoff)
	assert.Equal(t, []string{ActionEmergencyEscalation, ActionCallEmergencyServices}, resp.SuggestedActions)
	assert.Contains(t, resp.Response, "emergency services")
	assert.Empty(t, resp.CorrelationID)

	assert.Zero(t, f.dispatcher.count(), "emergencies never reach an agent")
	assert.Zero(t, f.correlations.Pending())

	sess := f.store.session(t, resp.SessionID)
	last := sess.History[len(sess.History)-1]
	assert.Equal(t, session.RoleAssistant, last.Role)
	assert.Equal(t, session.StatusCompleted, last.Metadata.Status)
	assert.Equal(t, intent.IntentMedicalEmergency, last.Metadata.Intent)
	assert.Equal(t, intent.IntentMedicalEmergency, sess.CurrentIntent)
}

func TestEngine_DispatchFailureAnswersInline(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.err = bus.ErrDispatchTimeout

	resp, err := f.engine.ProcessChat(t.Context(), chat("u1", "what are your visiting hours?"))
	require.NoError(t, err)

	assert.Equal(t, dispatchFailedText, resp.Response)
	assert.True(t, resp.RequiresHumanHandoff)
	assert.Equal(t, []string{ActionContactSupport}, resp.SuggestedActions)
	assert.Zero(t, f.correlations.Pending(), "no correlation may survive a failed dispatch")

	sess := f.store.session(t, resp.SessionID)
	msg := sess.FindByCorrelation(resp.CorrelationID)
	require.NotNil(t, msg)
	assert.Equal(t, session.StatusError, msg.Metadata.Status)
	assert.Equal(t, dispatchFailedText, msg.Content)
	require.Len(t, sess.PendingTasks, 1)
	assert.Equal(t, session.TaskFailed, sess.PendingTasks[0].Status)
}

func TestEngine_StoreOutageDegrades(t *testing.T) {
	f := newFixture(t)
	f.store.err = errors.New("dial tcp: connection refused")

	resp, err := f.engine.ProcessChat(t.Context(), chat("u1", "what are your visiting hours?"))
	require.NoError(t, err)

	assert.True(t, resp.Degraded)
	assert.NotEmpty(t, resp.CorrelationID)
	assert.Equal(t, 1, f.correlations.Pending(), "dispatch still works stateless")

	d := f.dispatcher.last(t)
	require.Len(t, d.req.Payload.History, 1, "stateless payload carries only the current message")
	assert.Equal(t, "what are your visiting hours?", d.req.Payload.History[0].Content)
}

func TestEngine_AppendConflictSurfaces(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	first, err := f.engine.ProcessChat(ctx, chat("u1", "hello"))
	require.NoError(t, err)

	f.store.conflict = true
	req := chat("u1", "again")
	req.SessionID = first.SessionID
	_, err = f.engine.ProcessChat(ctx, req)
	assert.ErrorIs(t, err, session.ErrConflict)
}

func TestEngine_HandleTaskResponseCompletesAndPushes(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	resp, err := f.engine.ProcessChat(ctx, chat("u1", "what are your visiting hours?"))
	require.NoError(t, err)
	f.hub.connect(resp.SessionID)

	agent := bus.NewTaskResponse(resp.CorrelationID, bus.StatusSuccess, bus.TaskResult{
		Response:         "Visiting hours are 9am to 8pm daily.",
		SessionID:        resp.SessionID,
		SuggestedActions: []string{"view_visiting_policy"},
	})
	f.engine.HandleTaskResponse(ctx, agent, bus.Delivery{Topic: "general-info-responses"})

	sess := f.store.session(t, resp.SessionID)
	msg := sess.FindByCorrelation(resp.CorrelationID)
	require.NotNil(t, msg)
	assert.Equal(t, session.StatusCompleted, msg.Metadata.Status)
	assert.Equal(t, "Visiting hours are 9am to 8pm daily.", msg.Content)
	require.Len(t, sess.PendingTasks, 1)
	assert.Equal(t, session.TaskCompleted, sess.PendingTasks[0].Status)
	assert.Zero(t, f.correlations.Pending())

	envs := f.hub.envelopes(resp.SessionID)
	require.NotEmpty(t, envs)
	final := envs[len(envs)-1]
	require.Equal(t, push.TypeFinalResponse, final.Type)
	data, ok := final.Data.(push.FinalResponseData)
	require.True(t, ok)
	assert.Equal(t, "Visiting hours are 9am to 8pm daily.", data.Response)
	assert.Equal(t, resp.CorrelationID, data.CorrelationID)
	assert.Equal(t, []string{"view_visiting_policy"}, data.SuggestedActions)
	assert.False(t, data.RequiresHumanHandoff)
}

func TestEngine_HandleTaskResponseDuplicateIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	resp, err := f.engine.ProcessChat(ctx, chat("u1", "what are your visiting hours?"))
	require.NoError(t, err)
	f.hub.connect(resp.SessionID)

	first := bus.NewTaskResponse(resp.CorrelationID, bus.StatusSuccess, bus.TaskResult{
		Response: "first answer", SessionID: resp.SessionID,
	})
	f.engine.HandleTaskResponse(ctx, first, bus.Delivery{Topic: "general-info-responses"})

	redelivery := bus.NewTaskResponse(resp.CorrelationID, bus.StatusSuccess, bus.TaskResult{
		Response: "second answer", SessionID: resp.SessionID,
	})
	f.engine.HandleTaskResponse(ctx, redelivery, bus.Delivery{Topic: "general-info-responses"})

	sess := f.store.session(t, resp.SessionID)
	assert.Equal(t, "first answer", sess.FindByCorrelation(resp.CorrelationID).Content,
		"redelivery must not mutate the session")

	finals := 0
	for _, env := range f.hub.envelopes(resp.SessionID) {
		if env.Type == push.TypeFinalResponse {
			finals++
		}
	}
	assert.Equal(t, 1, finals, "exactly one final_response per correlation")
}

func TestEngine_HandleTaskResponseErrorStatus(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	resp, err := f.engine.ProcessChat(ctx, chat("u1", "what are your visiting hours?"))
	require.NoError(t, err)

	agent := bus.NewTaskResponse(resp.CorrelationID, bus.StatusError, bus.TaskResult{
		Response:             "The scheduling system is offline.",
		RequiresHumanHandoff: true,
		SessionID:            resp.SessionID,
	})
	f.engine.HandleTaskResponse(ctx, agent, bus.Delivery{Topic: "general-info-responses"})

	sess := f.store.session(t, resp.SessionID)
	msg := sess.FindByCorrelation(resp.CorrelationID)
	require.NotNil(t, msg)
	assert.Equal(t, session.StatusError, msg.Metadata.Status)
	assert.Equal(t, session.TaskFailed, sess.PendingTasks[0].Status)
}

func TestEngine_HandleTaskResponseForeignForwardsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	f.placement.owns = false

	foreign := bus.NewTaskResponse(uuid.New().String(), bus.StatusSuccess, bus.TaskResult{
		Response: "answer", SessionID: uuid.New().String(),
	})
	f.engine.HandleTaskResponse(ctx, foreign, bus.Delivery{Topic: "general-info-responses"})

	msgs := f.forwarder.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "orchestrator-forwarded", msgs[0].topic)
	assert.Equal(t, foreign.Result.SessionID, msgs[0].key)
	reparsed, err := bus.ParseTaskResponse(msgs[0].value)
	require.NoError(t, err)
	assert.Equal(t, foreign.CorrelationID, reparsed.CorrelationID)

	// The hop is one-way: a forwarded delivery that still matches no
	// entry is dropped, never bounced again.
	f.engine.HandleTaskResponse(ctx, foreign, bus.Delivery{Topic: "orchestrator-forwarded", Forwarded: true})
	assert.Len(t, f.forwarder.all(), 1)
}

func TestEngine_HandleTaskResponseUnknownOwnedDrops(t *testing.T) {
	f := newFixture(t)

	stale := bus.NewTaskResponse(uuid.New().String(), bus.StatusSuccess, bus.TaskResult{
		Response: "answer", SessionID: uuid.New().String(),
	})
	f.engine.HandleTaskResponse(t.Context(), stale, bus.Delivery{Topic: "general-info-responses"})

	assert.Empty(t, f.forwarder.all(), "locally owned sessions are never forwarded")
	assert.Empty(t, f.hub.envelopes(stale.Result.SessionID))
}

func TestEngine_CompleteTimeoutSynthesizesError(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	resp, err := f.engine.ProcessChat(ctx, chat("u1", "what are your visiting hours?"))
	require.NoError(t, err)
	f.hub.connect(resp.SessionID)

	entry := correlate.Entry{
		CorrelationID: resp.CorrelationID,
		SessionID:     resp.SessionID,
		UserID:        "u1",
		TaskType:      router.TaskGeneralInfo,
		Intent:        resp.Intent,
		RegisteredAt:  time.Now(),
	}
	f.engine.CompleteTimeout(ctx, entry)

	sess := f.store.session(t, resp.SessionID)
	msg := sess.FindByCorrelation(resp.CorrelationID)
	require.NotNil(t, msg)
	assert.Equal(t, session.StatusError, msg.Metadata.Status)
	assert.Equal(t, timeoutText, msg.Content)
	assert.Zero(t, f.correlations.Pending())

	envs := f.hub.envelopes(resp.SessionID)
	require.NotEmpty(t, envs)
	final := envs[len(envs)-1]
	require.Equal(t, push.TypeFinalResponse, final.Type)
	data := final.Data.(push.FinalResponseData)
	assert.True(t, data.RequiresHumanHandoff)

	// An agent answer that loses the race is a duplicate, not a second
	// completion.
	late := bus.NewTaskResponse(resp.CorrelationID, bus.StatusSuccess, bus.TaskResult{
		Response: "late answer", SessionID: resp.SessionID,
	})
	f.engine.HandleTaskResponse(ctx, late, bus.Delivery{Topic: "general-info-responses"})
	sess = f.store.session(t, resp.SessionID)
	assert.Equal(t, timeoutText, sess.FindByCorrelation(resp.CorrelationID).Content)
}

func TestEngine_DeleteSessionCancelsPendingWork(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	resp, err := f.engine.ProcessChat(ctx, chat("u1", "what are your visiting hours?"))
	require.NoError(t, err)
	require.Equal(t, 1, f.correlations.Pending())

	require.NoError(t, f.engine.DeleteSession(ctx, resp.SessionID))

	assert.Zero(t, f.correlations.Pending())
	assert.Equal(t, push.ReasonSessionDeleted, f.hub.closed[resp.SessionID])
	_, err = f.engine.GetSession(ctx, resp.SessionID)
	assert.ErrorIs(t, err, session.ErrNotFound)
	for _, env := range f.hub.envelopes(resp.SessionID) {
		assert.NotEqual(t, push.TypeFinalResponse, env.Type, "canceled work pushes nothing")
	}

	assert.ErrorIs(t, f.engine.DeleteSession(ctx, resp.SessionID), session.ErrNotFound)
}

func TestEngine_TypingPushedToLiveConnection(t *testing.T) {
	f := newFixture(t)

	id := uuid.New().String()
	f.hub.connect(id)

	req := chat("u1", "what are your visiting hours?")
	req.SessionID = id
	_, err := f.engine.ProcessChat(t.Context(), req)
	require.NoError(t, err)

	envs := f.hub.envelopes(id)
	require.Len(t, envs, 1)
	assert.Equal(t, push.TypeTyping, envs[0].Type)
}

func TestEngine_NotifyStillWorking(t *testing.T) {
	f := newFixture(t)

	id := uuid.New().String()
	f.hub.connect(id)

	f.engine.NotifyStillWorking(correlate.Entry{CorrelationID: "corr-1", SessionID: id})

	envs := f.hub.envelopes(id)
	require.Len(t, envs, 1)
	assert.Equal(t, push.TypeStatus, envs[0].Type)
	assert.Equal(t, "corr-1", envs[0].CorrelationID)
	data := envs[0].Data.(push.StatusData)
	assert.Equal(t, push.StatusStillWorking, data.Status)

	// No connection, no envelope.
	f.engine.NotifyStillWorking(correlate.Entry{CorrelationID: "corr-2", SessionID: "elsewhere"})
	assert.Empty(t, f.hub.envelopes("elsewhere"))
}

func TestEngine_PayloadTrimsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	var sid string
	for _, text := range []string{"one", "two", "three", "four"} {
		req := chat("u1", text)
		req.SessionID = sid
		resp, err := f.engine.ProcessChat(ctx, req)
		require.NoError(t, err)
		sid = resp.SessionID
	}

	d := f.dispatcher.last(t)
	require.Len(t, d.req.Payload.History, 3)
	assert.Equal(t, "three", d.req.Payload.History[0].Content)
	assert.Equal(t, "four", d.req.Payload.History[2].Content)
}
