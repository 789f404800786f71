// ABOUTME: tests for the intent routing table
// ABOUTME: default rows, fallback behavior, and table validation

package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careline/orchestrator/internal/intent"
)

func TestDefaults_ResolveAllIntents(t *testing.T) {
	r, err := New(nil)
	require.NoError(t, err)

	booking := r.Resolve(intent.IntentAppointmentBooking)
	assert.Equal(t, TaskAppointment, booking.TaskType)
	assert.Equal(t, "appointment-agent-requests", booking.RequestTopic)
	assert.Equal(t, "appointment-agent-responses", booking.ResponseTopic)
	assert.Equal(t, 30*time.Second, booking.HardDeadline)
	assert.Equal(t, 10*time.Second, booking.SoftDeadline)
	assert.NotEmpty(t, booking.Placeholder)

	modify := r.Resolve(intent.IntentAppointmentModify)
	assert.Equal(t, booking.RequestTopic, modify.RequestTopic, "booking and modify share the agent")

	general := r.Resolve(intent.IntentGeneralInfo)
	assert.Equal(t, TaskGeneralInfo, general.TaskType)
	assert.Equal(t, 15*time.Second, general.HardDeadline)

	discharge := r.Resolve(intent.IntentPostDischarge)
	assert.Equal(t, TaskInfoDissemination, discharge.TaskType)
	assert.Equal(t, 25*time.Second, discharge.HardDeadline)
	assert.Equal(t, discharge.RequestTopic, r.Resolve(intent.IntentPreAdmission).RequestTopic)
}

func TestResolve_UnknownIntentFallsBack(t *testing.T) {
	r, err := New(nil)
	require.NoError(t, err)

	d := r.Resolve("medical_emergency")
	// Emergencies short-circuit before routing; if one reaches the
	// router anyway it lands on the safe fallback.
	assert.Equal(t, intent.IntentGeneralInfo, d.Intent)
	assert.Equal(t, TaskGeneralInfo, d.TaskType)
}

func TestNew_CustomRoutes(t *testing.T) {
	r, err := New([]Route{
		{
			Intents:       []string{intent.IntentGeneralInfo},
			TaskType:      "kb",
			RequestTopic:  "kb-req",
			ResponseTopic: "kb-resp",
			HardDeadline:  9 * time.Second,
		},
	})
	require.NoError(t, err)

	d := r.Resolve(intent.IntentGeneralInfo)
	assert.Equal(t, "kb", d.TaskType)
	assert.Equal(t, 3*time.Second, d.SoftDeadline, "soft defaults to a third of hard")
	assert.Equal(t, "Working on your request...", d.Placeholder)

	// Intents without rows use the same fallback.
	assert.Equal(t, "kb-req", r.Resolve(intent.IntentAppointmentBooking).RequestTopic)
}

func TestNew_Validation(t *testing.T) {
	base := Route{
		Intents:       []string{intent.IntentGeneralInfo},
		TaskType:      "kb",
		RequestTopic:  "kb-req",
		ResponseTopic: "kb-resp",
		HardDeadline:  10 * time.Second,
	}

	missingGeneral := base
	missingGeneral.Intents = []string{intent.IntentAppointmentBooking}
	_, err := New([]Route{missingGeneral})
	assert.ErrorContains(t, err, "must route general_info")

	dup := base
	dup.Intents = []string{intent.IntentGeneralInfo, intent.IntentGeneralInfo}
	_, err = New([]Route{dup})
	assert.ErrorContains(t, err, "claimed twice")

	typo := base
	typo.Intents = []string{"general_inf"}
	_, err = New([]Route{typo})
	assert.ErrorContains(t, err, "unknown intent")

	noTopic := base
	noTopic.ResponseTopic = ""
	_, err = New([]Route{noTopic})
	assert.ErrorContains(t, err, "topics required")

	softTooBig := base
	softTooBig.SoftDeadline = 11 * time.Second
	_, err = New([]Route{softTooBig})
	assert.ErrorContains(t, err, "below hard deadline")
}

func TestResponseTopics(t *testing.T) {
	r, err := New(nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"appointment-agent-responses",
		"general-info-responses",
		"info-dissemination-responses",
	}, r.ResponseTopics())
}
