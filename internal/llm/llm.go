// ABOUTME: Provider interface and request/response types for LLM backends
// ABOUTME: Defines the failure taxonomy callers use to drive failover

package llm

import (
	"context"
	"errors"
	"time"
)

// Failure kinds. Soft kinds (timeout, rate-limited, unavailable) make callers
// fail over to the next provider; bad input is hard and never retried.
var (
	ErrProviderTimeout     = errors.New("provider timeout")
	ErrProviderRateLimited = errors.New("provider rate limited")
	ErrProviderBadInput    = errors.New("provider rejected input")
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrExhausted is returned by the registry when every provider in the
	// chain failed or was skipped.
	ErrExhausted = errors.New("all providers exhausted")
)

// Request is a single generation call. Deadlines travel on the context.
type Request struct {
	Prompt      string
	System      string
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response is the result of a generation call.
type Response struct {
	Text         string
	Provider     string
	Model        string
	Latency      time.Duration
	Usage        Usage
	FinishReason string
}

// Provider is one LLM backend. Implementations map their SDK errors onto the
// failure kinds above so the registry can decide whether to fail over.
type Provider interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
	// Health reports whether the provider is usable at all (credentials
	// present). Liveness is tracked passively by the registry from call
	// outcomes.
	Health(ctx context.Context) bool
	Name() string
	SupportedModels() []string
}

// classifyStatus maps an HTTP status to a failure kind. Auth and server
// failures are soft (another provider may succeed); malformed-request
// statuses are hard.
func classifyStatus(status int) error {
	switch status {
	case 429:
		return ErrProviderRateLimited
	case 400, 404, 413, 422:
		return ErrProviderBadInput
	case 408, 504:
		return ErrProviderTimeout
	default:
		return ErrProviderUnavailable
	}
}
