// ABOUTME: task request/response wire envelopes and their validation
// ABOUTME: everything on the bus is JSON with a message_type tag

package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/careline/orchestrator/internal/session"
)

// Envelope type tags.
const (
	TypeTaskRequest  = "task_request"
	TypeTaskResponse = "task_response"
)

// Task response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ErrorCodeAgentTimeout marks a response synthesized by the correlation
// sweeper instead of a real agent.
const ErrorCodeAgentTimeout = "AGENT_TIMEOUT"

// ErrProtocol marks an envelope that cannot be decoded or fails
// validation. The consumer drops such messages with a counter.
var ErrProtocol = errors.New("protocol error")

// Turn is one trimmed history entry shipped to an agent.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TaskPayload is the work an agent receives.
type TaskPayload struct {
	Message   string          `json:"message"`
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	Intent    string          `json:"intent,omitempty"`
	Context   session.Context `json:"context,omitzero"`
	History   []Turn          `json:"history,omitempty"`
}

// TaskRequest is the orchestrator→agent envelope.
type TaskRequest struct {
	MessageType   string      `json:"message_type"`
	CorrelationID string      `json:"correlation_id"`
	TaskType      string      `json:"task_type"`
	Payload       TaskPayload `json:"payload"`
	Timestamp     time.Time   `json:"timestamp"`
}

// NewTaskRequest stamps the tag and issue time.
func NewTaskRequest(correlationID, taskType string, payload TaskPayload) *TaskRequest {
	return &TaskRequest{
		MessageType:   TypeTaskRequest,
		CorrelationID: correlationID,
		TaskType:      taskType,
		Payload:       payload,
		Timestamp:     session.Now(),
	}
}

// Validate checks the envelope is complete enough to dispatch.
func (r *TaskRequest) Validate() error {
	switch {
	case r.MessageType != TypeTaskRequest:
		return fmt.Errorf("%w: message_type %q", ErrProtocol, r.MessageType)
	case r.CorrelationID == "":
		return fmt.Errorf("%w: missing correlation_id", ErrProtocol)
	case r.TaskType == "":
		return fmt.Errorf("%w: missing task_type", ErrProtocol)
	case r.Payload.SessionID == "":
		return fmt.Errorf("%w: missing payload.session_id", ErrProtocol)
	case r.Payload.Message == "":
		return fmt.Errorf("%w: missing payload.message", ErrProtocol)
	}
	return nil
}

// TaskResult is what an agent answered with.
type TaskResult struct {
	Response             string   `json:"response"`
	Sources              []string `json:"sources,omitempty"`
	RequiresHumanHandoff bool     `json:"requires_human_handoff"`
	SuggestedActions     []string `json:"suggested_actions,omitempty"`
	SessionID            string   `json:"session_id"`
}

// TaskResponse is the agent→orchestrator envelope.
type TaskResponse struct {
	MessageType   string     `json:"message_type"`
	CorrelationID string     `json:"correlation_id"`
	Status        string     `json:"status"`
	ErrorCode     string     `json:"error_code,omitempty"`
	Result        TaskResult `json:"result"`
	Timestamp     time.Time  `json:"timestamp"`
}

// NewTaskResponse stamps the tag and time.
func NewTaskResponse(correlationID, status string, result TaskResult) *TaskResponse {
	return &TaskResponse{
		MessageType:   TypeTaskResponse,
		CorrelationID: correlationID,
		Status:        status,
		Result:        result,
		Timestamp:     session.Now(),
	}
}

// Validate checks the envelope is complete enough to route.
func (r *TaskResponse) Validate() error {
	switch {
	case r.MessageType != TypeTaskResponse:
		return fmt.Errorf("%w: message_type %q", ErrProtocol, r.MessageType)
	case r.CorrelationID == "":
		return fmt.Errorf("%w: missing correlation_id", ErrProtocol)
	case r.Status != StatusSuccess && r.Status != StatusError:
		return fmt.Errorf("%w: status %q", ErrProtocol, r.Status)
	case r.Result.SessionID == "":
		return fmt.Errorf("%w: missing result.session_id", ErrProtocol)
	}
	return nil
}

// ParseTaskRequest decodes and validates an agent-bound envelope.
func ParseTaskRequest(data []byte) (*TaskRequest, error) {
	var req TaskRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// ParseTaskResponse decodes and validates an orchestrator-bound envelope.
func ParseTaskResponse(data []byte) (*TaskResponse, error) {
	var resp TaskResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	return &resp, nil
}
