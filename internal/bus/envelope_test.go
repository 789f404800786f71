// ABOUTME: tests for envelope validation and decoding
// ABOUTME: malformed input must classify as ErrProtocol, never panic

package bus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careline/orchestrator/internal/session"
)

func validRequest() *TaskRequest {
	return NewTaskRequest("corr-1", "appointment", TaskPayload{
		Message:   "book me in",
		SessionID: "sess-1",
		UserID:    "patient-7",
		Context:   session.Context{Language: "en", UserType: "patient"},
		History:   []Turn{{Role: "user", Content: "hi"}},
	})
}

func TestNewTaskRequest_StampsEnvelope(t *testing.T) {
	req := validRequest()
	assert.Equal(t, TypeTaskRequest, req.MessageType)
	assert.False(t, req.Timestamp.IsZero())
	require.NoError(t, req.Validate())
}

func TestTaskRequest_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*TaskRequest)
	}{
		{"wrong tag", func(r *TaskRequest) { r.MessageType = "task_response" }},
		{"missing correlation", func(r *TaskRequest) { r.CorrelationID = "" }},
		{"missing task type", func(r *TaskRequest) { r.TaskType = "" }},
		{"missing session", func(r *TaskRequest) { r.Payload.SessionID = "" }},
		{"missing message", func(r *TaskRequest) { r.Payload.Message = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(req)
			assert.ErrorIs(t, req.Validate(), ErrProtocol)
		})
	}
}

func TestParseTaskResponse(t *testing.T) {
	resp := NewTaskResponse("corr-1", StatusSuccess, TaskResult{
		Response:         "Tuesday 10:00 works",
		SessionID:        "sess-1",
		SuggestedActions: []string{"confirm_appointment"},
	})
	body, err := json.Marshal(resp)
	require.NoError(t, err)

	got, err := ParseTaskResponse(body)
	require.NoError(t, err)
	assert.Equal(t, "corr-1", got.CorrelationID)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, "sess-1", got.Result.SessionID)
}

func TestParseTaskResponse_Malformed(t *testing.T) {
	_, err := ParseTaskResponse([]byte("{not json"))
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = ParseTaskResponse([]byte(`{"message_type":"task_response","correlation_id":"c","status":"maybe","result":{"session_id":"s"}}`))
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = ParseTaskResponse([]byte(`{"message_type":"task_request","correlation_id":"c","status":"success","result":{"session_id":"s"}}`))
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestParseTaskRequest_RoundTrip(t *testing.T) {
	body, err := json.Marshal(validRequest())
	require.NoError(t, err)

	got, err := ParseTaskRequest(body)
	require.NoError(t, err)
	assert.Equal(t, "appointment", got.TaskType)
	assert.Equal(t, "patient-7", got.Payload.UserID)
	require.Len(t, got.Payload.History, 1)
	assert.Equal(t, "user", got.Payload.History[0].Role)
}
