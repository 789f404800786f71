// ABOUTME: closed intent vocabulary and classification result type
// ABOUTME: every classifier path resolves to exactly one of these intents

package intent

// The closed intent set. Classification never produces a value outside
// this list; anything unrecognized becomes IntentGeneralInfo.
const (
	IntentAppointmentBooking = "appointment_booking"
	IntentAppointmentModify  = "appointment_modify"
	IntentMedicalEmergency   = "medical_emergency"
	IntentPostDischarge      = "post_discharge"
	IntentPreAdmission       = "pre_admission"
	IntentGeneralInfo        = "general_info"
)

// Classification sources, in order of trust.
const (
	SourcePattern     = "pattern"
	SourceLLMPrimary  = "llm_primary"
	SourceLLMFallback = "llm_fallback"
	SourceDefault     = "default"
)

// Confidence assigned per source.
const (
	ConfidencePattern     = 1.0
	ConfidenceLLMPrimary  = 0.9
	ConfidenceLLMFallback = 0.7
	ConfidenceDefault     = 0.0
)

var intents = []string{
	IntentAppointmentBooking,
	IntentAppointmentModify,
	IntentMedicalEmergency,
	IntentPostDischarge,
	IntentPreAdmission,
	IntentGeneralInfo,
}

// Intents returns the closed set in stable order.
func Intents() []string {
	out := make([]string, len(intents))
	copy(out, intents)
	return out
}

// Valid reports whether s is a member of the closed set.
func Valid(s string) bool {
	for _, it := range intents {
		if s == it {
			return true
		}
	}
	return false
}

// Result is the outcome of classifying one message.
type Result struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// Emergency reports whether the result demands the safety short-circuit
// instead of agent dispatch.
func (r Result) Emergency() bool {
	return r.Intent == IntentMedicalEmergency
}
