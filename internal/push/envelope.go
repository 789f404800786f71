// ABOUTME: server-to-client push envelope types and constructors
// ABOUTME: everything pushed over a session's channel is one of these

package push

import (
	"time"

	"github.com/careline/orchestrator/internal/session"
)

// Envelope types.
const (
	TypeFinalResponse = "final_response"
	TypeTyping        = "typing"
	TypeStatus        = "status"
	TypeError         = "error"
)

// Status values carried by TypeStatus envelopes.
const (
	StatusConnected    = "connected"
	StatusStillWorking = "still_working"
)

// Close reasons handed to the peer.
const (
	ReasonSuperseded       = "superseded"
	ReasonSessionDeleted   = "session_deleted"
	ReasonOwnershipChanged = "ownership_changed"
	ReasonShutdown         = "shutdown"
)

// Envelope is one push frame.
type Envelope struct {
	Type          string    `json:"type"`
	Data          any       `json:"data"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// FinalResponseData closes the loop on one dispatched task.
type FinalResponseData struct {
	SessionID            string   `json:"session_id"`
	Response             string   `json:"response"`
	Intent               string   `json:"intent,omitempty"`
	RequiresHumanHandoff bool     `json:"requires_human_handoff"`
	SuggestedActions     []string `json:"suggested_actions,omitempty"`
	CorrelationID        string   `json:"correlation_id"`
}

// StatusData reports connection or task progress.
type StatusData struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// ErrorData reports a failure addressed to the client.
type ErrorData struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
}

// FinalResponse builds a final_response envelope.
func FinalResponse(d FinalResponseData) *Envelope {
	return &Envelope{
		Type:          TypeFinalResponse,
		Data:          d,
		CorrelationID: d.CorrelationID,
		Timestamp:     session.Now(),
	}
}

// Typing tells the client an agent started working for the session.
func Typing(sessionID string) *Envelope {
	return &Envelope{
		Type:      TypeTyping,
		Data:      StatusData{SessionID: sessionID, Status: "typing"},
		Timestamp: session.Now(),
	}
}

// Status builds a status envelope.
func Status(sessionID, status string) *Envelope {
	return &Envelope{
		Type:      TypeStatus,
		Data:      StatusData{SessionID: sessionID, Status: status},
		Timestamp: session.Now(),
	}
}

// Error builds an error envelope.
func Error(sessionID, code, message string) *Envelope {
	return &Envelope{
		Type:      TypeError,
		Data:      ErrorData{SessionID: sessionID, Code: code, Message: message},
		Timestamp: session.Now(),
	}
}
