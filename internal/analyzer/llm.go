package analyzer

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"ideaforge/internal/hierarchy"
	"ideaforge/internal/provider"
)

// LLMConfig configures the bundled OpenAI-compatible analyzer.
type LLMConfig struct {
	Name        string // analyzer name, also used in provenance
	Provider    string // caller name this analyzer routes through
	APIKey      string
	BaseURL     string // empty for api.openai.com, or any compatible endpoint
	Model       string
	Levels      []hierarchy.Level // empty means all expandable levels
	Priority    int
	Temperature float32
	MaxTokens   int
}

// LLMAnalyzer expands a parent into child candidates by prompting an
// OpenAI-compatible chat model per level. It is the reference Analyzer
// implementation; callers can register any number of alternatives.
type LLMAnalyzer struct {
	cfg    LLMConfig
	client *openai.Client
}

// NewLLMAnalyzer builds the analyzer. The API key may be empty when the
// endpoint does not require one (local gateways).
func NewLLMAnalyzer(cfg LLMConfig) (*LLMAnalyzer, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("llm analyzer requires a name")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm analyzer %s requires a model", cfg.Name)
	}
	if len(cfg.Levels) == 0 {
		cfg.Levels = hierarchy.ExpandableLevels()
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.1 // low temperature for structured output
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &LLMAnalyzer{
		cfg:    cfg,
		client: openai.NewClientWithConfig(clientCfg),
	}, nil
}

// Describe advertises the analyzer's capability set.
func (a *LLMAnalyzer) Describe() Descriptor {
	return Descriptor{
		Name:     a.cfg.Name,
		Provider: a.cfg.Provider,
		Levels:   append([]hierarchy.Level(nil), a.cfg.Levels...),
		Fields:   append([]Field(nil), MergeFields...),
		Priority: a.cfg.Priority,
	}
}

// Analyze prompts the model for children of the request's parent.
func (a *LLMAnalyzer) Analyze(ctx context.Context, req Request) (Result, error) {
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       a.cfg.Model,
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(req)},
		},
	})
	if err != nil {
		return Result{}, a.classify(err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, provider.Retryable(a.cfg.Provider, fmt.Errorf("no completion returned"))
	}

	candidates, err := ParseResponse(resp.Choices[0].Message.Content)
	if err != nil {
		// A malformed response is the model's fault, not the request's;
		// retrying gets a fresh sample.
		return Result{}, provider.Retryable(a.cfg.Provider, err)
	}
	return Result{Provider: a.cfg.Name, Candidates: candidates}, nil
}

// classify maps transport errors onto the provider taxonomy.
func (a *LLMAnalyzer) classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusUnauthorized,
			apiErr.HTTPStatusCode == http.StatusForbidden:
			return provider.FatalAuth(a.cfg.Provider, err)
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests,
			apiErr.HTTPStatusCode >= 500:
			return provider.Retryable(a.cfg.Provider, err)
		case apiErr.HTTPStatusCode >= 400:
			return provider.FatalClient(a.cfg.Provider, err)
		}
	}
	// Network-level trouble.
	return provider.Retryable(a.cfg.Provider, err)
}
