// ABOUTME: OpenAI provider built on the official openai-go client
// ABOUTME: base_url override also covers OpenAI-compatible gateways

package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIProvider calls the Chat Completions API.
type OpenAIProvider struct {
	client openai.Client
	name   string
	model  string
	apiKey string
}

var _ Provider = (*OpenAIProvider)(nil)

// OpenAIOptions configures an OpenAIProvider.
type OpenAIOptions struct {
	Name    string // registry name; defaults to "openai"
	APIKey  string
	Model   string
	BaseURL string // optional; points at any OpenAI-compatible endpoint
}

// NewOpenAIProvider builds a provider around the official SDK client.
func NewOpenAIProvider(opts OpenAIOptions) *OpenAIProvider {
	if opts.Name == "" {
		opts.Name = "openai"
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &OpenAIProvider{
		client: openai.NewClient(reqOpts...),
		name:   opts.Name,
		model:  opts.Model,
		apiKey: opts.APIKey,
	}
}

// Generate implements Provider.
func (p *OpenAIProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = openai.Float(req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	start := time.Now()
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s: %w: empty choices", p.name, ErrProviderUnavailable)
	}

	choice := resp.Choices[0]
	return &Response{
		Text:         choice.Message.Content,
		Provider:     p.name,
		Model:        resp.Model,
		Latency:      time.Since(start),
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

// classify maps SDK errors to the package failure kinds.
func (p *OpenAIProvider) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", p.name, ErrProviderTimeout, err)
	}

	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return fmt.Errorf("%s: %w: %v", p.name, classifyStatus(apierr.StatusCode), err)
	}
	return fmt.Errorf("%s: %w: %v", p.name, ErrProviderUnavailable, err)
}

// Health implements Provider.
func (p *OpenAIProvider) Health(_ context.Context) bool {
	return p.apiKey != ""
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return p.name }

// SupportedModels implements Provider.
func (p *OpenAIProvider) SupportedModels() []string {
	return []string{p.model}
}
