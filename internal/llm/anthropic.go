// ABOUTME: Anthropic provider built on the official anthropic-sdk-go client
// ABOUTME: Maps SDK/API errors onto the package failure taxonomy

package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider calls the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	name   string
	model  string
	apiKey string
}

var _ Provider = (*AnthropicProvider)(nil)

// AnthropicOptions configures an AnthropicProvider.
type AnthropicOptions struct {
	Name    string // registry name; defaults to "anthropic"
	APIKey  string
	Model   string
	BaseURL string // optional, for proxies
}

// NewAnthropicProvider builds a provider around the official SDK client.
func NewAnthropicProvider(opts AnthropicOptions) *AnthropicProvider {
	if opts.Name == "" {
		opts.Name = "anthropic"
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(reqOpts...),
		name:   opts.Name,
		model:  opts.Model,
		apiKey: opts.APIKey,
	}
}

// Generate implements Provider.
func (p *AnthropicProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(req.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = anthropic.Float(req.TopP)
	}

	start := time.Now()
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.classify(err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &Response{
		Text:         text,
		Provider:     p.name,
		Model:        string(msg.Model),
		Latency:      time.Since(start),
		FinishReason: string(msg.StopReason),
		Usage: Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

// classify maps SDK errors to the package failure kinds.
func (p *AnthropicProvider) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", p.name, ErrProviderTimeout, err)
	}

	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return fmt.Errorf("%s: %w: %v", p.name, classifyStatus(apierr.StatusCode), err)
	}
	return fmt.Errorf("%s: %w: %v", p.name, ErrProviderUnavailable, err)
}

// Health implements Provider.
func (p *AnthropicProvider) Health(_ context.Context) bool {
	return p.apiKey != ""
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return p.name }

// SupportedModels implements Provider.
func (p *AnthropicProvider) SupportedModels() []string {
	return []string{p.model}
}
