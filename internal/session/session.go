// ABOUTME: Session and conversation message types for the orchestrator
// ABOUTME: Defines history, metadata and pending-task shapes stored per session

package session

import (
	"time"

	"github.com/google/uuid"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Assistant message statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Pending task statuses.
const (
	TaskPending    = "pending"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// DefaultMaxHistory is the conversation history cap; the oldest entry is
// dropped when an append would exceed it.
const DefaultMaxHistory = 50

// DefaultTTL is the session time-to-live measured from last activity.
const DefaultTTL = 3600 * time.Second

// Metadata carries the recognized per-message annotations.
type Metadata struct {
	Intent        string  `json:"intent,omitempty"`
	Confidence    float64 `json:"confidence,omitempty"`
	CorrelationID string  `json:"correlation_id,omitempty"`
	Status        string  `json:"status,omitempty"`
}

// Message is a single conversation history entry.
type Message struct {
	Timestamp time.Time `json:"timestamp"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Metadata  Metadata  `json:"metadata"`
}

// PendingTask tracks a dispatched agent task within the session document.
// The task id equals the dispatch correlation id.
type PendingTask struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline"`
}

// Context is the optional per-request user context echoed into task payloads.
type Context struct {
	Language   string `json:"language,omitempty"`
	UserType   string `json:"user_type,omitempty"`
	Department string `json:"department,omitempty"`
	Priority   string `json:"priority,omitempty"`
}

// Session is a durable conversation thread. The store treats it as an opaque
// JSON value; all mutation goes through the conversation engine and the
// final-response path.
type Session struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	CreatedAt     time.Time     `json:"created_at"`
	LastActivity  time.Time     `json:"last_activity"`
	Language      string        `json:"language"`
	CurrentIntent string        `json:"current_intent,omitempty"`
	WorkflowState string        `json:"workflow_state,omitempty"`
	Context       Context       `json:"context"`
	History       []Message     `json:"history"`
	PendingTasks  []PendingTask `json:"pending_tasks"`
}

// Now returns the current UTC time truncated to millisecond precision, the
// resolution all session timestamps are stored at.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// New creates an empty session owned by userID. A zero id mints a v4 UUID.
func New(id, userID string) *Session {
	if id == "" {
		id = uuid.New().String()
	}
	now := Now()
	return &Session{
		ID:           id,
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
		Language:     "en",
		History:      []Message{},
		PendingTasks: []PendingTask{},
	}
}

// Touch refreshes the last-activity timestamp.
func (s *Session) Touch() {
	s.LastActivity = Now()
}

// Append adds a message to history, dropping the oldest entries so the
// history never exceeds maxHistory. Chronological order is preserved.
func (s *Session) Append(msg Message, maxHistory int) {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	s.History = append(s.History, msg)
	if over := len(s.History) - maxHistory; over > 0 {
		s.History = append([]Message(nil), s.History[over:]...)
	}
	s.Touch()
}

// FindByCorrelation returns the history message carrying the correlation id,
// or nil. Used by the final-response path to locate the provisional
// assistant message.
func (s *Session) FindByCorrelation(correlationID string) *Message {
	for i := range s.History {
		if s.History[i].Metadata.CorrelationID == correlationID {
			return &s.History[i]
		}
	}
	return nil
}

// TaskByID returns the pending task with the given id, or nil.
func (s *Session) TaskByID(id string) *PendingTask {
	for i := range s.PendingTasks {
		if s.PendingTasks[i].ID == id {
			return &s.PendingTasks[i]
		}
	}
	return nil
}

// RecentTurns returns the last n user/assistant turns, oldest first. System
// messages are excluded; this is the view trimmed into task payloads.
func (s *Session) RecentTurns(n int) []Message {
	turns := make([]Message, 0, n)
	for i := len(s.History) - 1; i >= 0 && len(turns) < n; i-- {
		m := s.History[i]
		if m.Role == RoleUser || m.Role == RoleAssistant {
			turns = append(turns, m)
		}
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns
}
