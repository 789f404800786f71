// ABOUTME: hybrid classifier, ordered patterns first then LLM then default
// ABOUTME: always returns a usable result, never an error

package intent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/careline/orchestrator/internal/llm"
)

const promptName = "intent_recognition"

// DefaultTimeout bounds the LLM pass for one message.
const DefaultTimeout = 10 * time.Second

// Generator is the slice of the LLM registry the classifier needs.
type Generator interface {
	GenerateValidated(ctx context.Context, req *llm.Request, accept func(*llm.Response) error) (*llm.Response, error)
	Primary() string
}

// Renderer is the slice of the prompt registry the classifier needs.
type Renderer interface {
	Render(name string, vars map[string]any) (string, error)
}

// Classifier resolves a message to an intent in three short-circuiting
// passes: ordered pattern rules, LLM with a closed vocabulary, default.
type Classifier struct {
	llm     Generator
	prompts Renderer
	log     *slog.Logger
	timeout time.Duration

	mu        sync.RWMutex
	rulesPath string
	rules     []compiledRule
}

// Options configures a Classifier.
type Options struct {
	RulesFile string // optional; embedded defaults when empty
	LLM       Generator
	Prompts   Renderer
	Logger    *slog.Logger
	Timeout   time.Duration // defaults to DefaultTimeout
}

// NewClassifier loads and compiles the rule list and wires the LLM pass.
func NewClassifier(opts Options) (*Classifier, error) {
	if opts.LLM == nil {
		return nil, fmt.Errorf("intent: LLM generator required")
	}
	if opts.Prompts == nil {
		return nil, fmt.Errorf("intent: prompt renderer required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	rules, err := LoadRules(opts.RulesFile)
	if err != nil {
		return nil, err
	}
	compiled, err := compileRules(rules)
	if err != nil {
		return nil, err
	}

	return &Classifier{
		llm:       opts.LLM,
		prompts:   opts.Prompts,
		log:       opts.Logger.With("component", "intent"),
		timeout:   opts.Timeout,
		rulesPath: opts.RulesFile,
		rules:     compiled,
	}, nil
}

// ReloadRules re-reads the rule file and swaps the compiled list in.
// Any load or compile error keeps the current rules serving.
func (c *Classifier) ReloadRules() error {
	rules, err := LoadRules(c.rulesPath)
	if err != nil {
		return err
	}
	compiled, err := compileRules(rules)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.rules = compiled
	c.mu.Unlock()
	c.log.Info("intent rules reloaded", "rules", len(compiled))
	return nil
}

// Classify resolves message to an intent. It never fails: when the
// pattern pass misses and every LLM attempt errors or answers outside
// the vocabulary, the result is general_info at zero confidence.
func (c *Classifier) Classify(ctx context.Context, message string) Result {
	if res, ok := c.matchPattern(message); ok {
		return res
	}

	res, err := c.classifyLLM(ctx, message)
	if err != nil {
		c.log.Warn("llm classification failed, using default intent", "error", err)
		return Result{Intent: IntentGeneralInfo, Confidence: ConfidenceDefault, Source: SourceDefault}
	}
	return res
}

func (c *Classifier) matchPattern(message string) (Result, bool) {
	lowered := strings.ToLower(message)

	c.mu.RLock()
	rules := c.rules
	c.mu.RUnlock()

	for _, r := range rules {
		if r.matches(lowered) {
			return Result{Intent: r.intent, Confidence: ConfidencePattern, Source: SourcePattern}, true
		}
	}
	return Result{}, false
}

func (c *Classifier) classifyLLM(ctx context.Context, message string) (Result, error) {
	promptText, err := c.prompts.Render(promptName, map[string]any{
		"intents": strings.Join(Intents(), ", "),
		"message": message,
	})
	if err != nil {
		return Result{}, fmt.Errorf("render intent prompt: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := &llm.Request{Prompt: promptText, MaxTokens: 16}
	resp, err := c.llm.GenerateValidated(ctx, req, func(r *llm.Response) error {
		if _, ok := normalize(r.Text); !ok {
			return fmt.Errorf("%q is not in the intent set", strings.TrimSpace(r.Text))
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	name, _ := normalize(resp.Text)
	if resp.Provider == c.llm.Primary() {
		return Result{Intent: name, Confidence: ConfidenceLLMPrimary, Source: SourceLLMPrimary}, nil
	}
	return Result{Intent: name, Confidence: ConfidenceLLMFallback, Source: SourceLLMFallback}, nil
}

// normalize trims, lowercases, and strips punctuation from a model
// answer, then checks it against the closed set.
func normalize(text string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), r == '_', unicode.IsSpace(r):
			return r
		default:
			return -1
		}
	}, s)
	s = strings.TrimSpace(s)
	if Valid(s) {
		return s, true
	}
	return "", false
}
