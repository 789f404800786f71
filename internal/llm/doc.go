// Package llm abstracts text-generation providers behind a single
// interface and fails over between them.
//
// # Providers
//
// Two adapters are included, both backed by official SDKs:
//
//   - AnthropicProvider: Messages API (anthropic-sdk-go)
//   - OpenAIProvider: Chat Completions (openai-go), including any
//     OpenAI-compatible endpoint via a base URL override
//
// # Failover
//
// The Registry tries providers in configured order:
//
//	reg, _ := llm.NewRegistry([]llm.ProviderLimit{
//	    {Provider: primary, RPM: 60},
//	    {Provider: backup},
//	}, llm.RegistryOptions{Logger: logger})
//
// Failure handling depends on the error kind:
//
//   - ErrProviderTimeout, ErrProviderUnavailable: try the next provider
//   - ErrProviderRateLimited: open that provider's circuit for the
//     cool-off window (default 30s), then try the next provider
//   - ErrProviderBadInput: abort, the request would fail everywhere
//
// An empty local rate bucket skips the provider without opening its
// circuit; the upstream never saw the request.
//
// GenerateValidated adds an acceptance check between providers so a
// caller can reject a well-formed but unusable answer (for example a
// classification outside its vocabulary) and continue down the chain.
//
// When no provider answers, Generate returns an error matching
// ErrExhausted that joins every per-provider cause.
package llm
