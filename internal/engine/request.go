// ABOUTME: chat request/response shapes and input validation
// ABOUTME: validation failures carry the offending field for the 400 body

package engine

import (
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/careline/orchestrator/internal/session"
)

// Input bounds.
const (
	MaxMessageChars = 2000
	MaxUserIDChars  = 100
)

// Suggested-action labels surfaced to clients.
const (
	ActionWaitForAgent          = "wait_for_agent_response"
	ActionEmergencyEscalation   = "emergency_escalation"
	ActionCallEmergencyServices = "call_emergency_services"
	ActionContactSupport        = "contact_support"
)

// ChatRequest is one inbound user message.
type ChatRequest struct {
	UserID    string          `json:"user_id"`
	Message   string          `json:"message"`
	SessionID string          `json:"session_id,omitempty"`
	Context   session.Context `json:"context,omitzero"`
}

// ChatResponse is the synchronous answer to a chat request. For
// dispatched tasks it is provisional; the final answer arrives on the
// session's push channel.
type ChatResponse struct {
	Response             string   `json:"response"`
	SessionID            string   `json:"session_id"`
	Intent               string   `json:"intent"`
	RequiresHumanHandoff bool     `json:"requires_human_handoff"`
	SuggestedActions     []string `json:"suggested_actions"`
	ConfidenceScore      float64  `json:"confidence_score"`
	ProcessingTimeMS     int64    `json:"processing_time_ms"`
	CorrelationID        string   `json:"correlation_id,omitempty"`
	Degraded             bool     `json:"degraded,omitempty"`
}

// ValidationError reports a rejected request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate checks the request against the input bounds. Lengths are
// counted in characters, not bytes.
func (r *ChatRequest) Validate() error {
	if r.UserID == "" {
		return &ValidationError{Field: "user_id", Reason: "required"}
	}
	if utf8.RuneCountInString(r.UserID) > MaxUserIDChars {
		return &ValidationError{Field: "user_id", Reason: fmt.Sprintf("longer than %d characters", MaxUserIDChars)}
	}
	if r.Message == "" {
		return &ValidationError{Field: "message", Reason: "required"}
	}
	if utf8.RuneCountInString(r.Message) > MaxMessageChars {
		return &ValidationError{Field: "message", Reason: fmt.Sprintf("longer than %d characters", MaxMessageChars)}
	}
	if r.SessionID != "" {
		u, err := uuid.Parse(r.SessionID)
		if err != nil || u.Version() != 4 {
			return &ValidationError{Field: "session_id", Reason: "must be a version 4 UUID"}
		}
	}
	return validateContext(r.Context)
}

func validateContext(c session.Context) error {
	switch c.Language {
	case "", "en", "id":
	default:
		return &ValidationError{Field: "context.language", Reason: `must be "en" or "id"`}
	}
	switch c.UserType {
	case "", "patient", "staff":
	default:
		return &ValidationError{Field: "context.user_type", Reason: `must be "patient" or "staff"`}
	}
	switch c.Priority {
	case "", "low", "normal", "high":
	default:
		return &ValidationError{Field: "context.priority", Reason: `must be "low", "normal" or "high"`}
	}
	return nil
}
