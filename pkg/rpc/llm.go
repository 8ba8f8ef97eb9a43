package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	openai "github.com/sashabaranov/go-openai"
)

// LLMProviderConfig configures one OpenAI-compatible chat provider. All the
// deployed providers (vLLM, OpenRouter, Groq, OpenAI) speak the same Chat
// Completions surface; only base URL, key, and model differ. The fallback
// order is the configuration order, never hardcoded.
type LLMProviderConfig struct {
	Name        string        `yaml:"name"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxTokens   int           `yaml:"max_tokens"` // per-turn token cap for this provider
	Temperature float32       `yaml:"temperature"`
}

type llmProvider struct {
	cfg    LLMProviderConfig
	client *openai.Client
}

// LLMClient tries providers in configured order; the first non-error
// response wins. Structured outputs (JSONSchema set) are validated before
// being accepted; a provider returning invalid JSON counts as a provider
// failure and the chain moves on.
type LLMClient struct {
	providers []llmProvider
}

// NewLLMClient builds the provider chain. At least one provider is required.
func NewLLMClient(providers []LLMProviderConfig) (*LLMClient, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("llm: at least one provider is required")
	}
	chain := make([]llmProvider, 0, len(providers))
	for _, p := range providers {
		if p.Name == "" || p.Model == "" {
			return nil, fmt.Errorf("llm: provider name and model are required")
		}
		cfg := openai.DefaultConfig(p.APIKey)
		if p.BaseURL != "" {
			cfg.BaseURL = p.BaseURL
		}
		timeout := p.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		cfg.HTTPClient = &http.Client{Timeout: timeout}
		chain = append(chain, llmProvider{cfg: p, client: openai.NewClientWithConfig(cfg)})
	}
	return &LLMClient{providers: chain}, nil
}

// Chat implements LLM.
func (c *LLMClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var lastErr error
	for _, p := range c.providers {
		resp, err := c.callProvider(ctx, p, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, WrapError(KindCancelled, "llm: context done", ctx.Err())
		}
		slog.Warn("LLM provider failed, trying next",
			"provider", p.cfg.Name, "error", err)
		lastErr = err
	}
	return nil, WrapError(KindTransient, "llm: all providers failed", lastErr)
}

func (c *LLMClient) callProvider(ctx context.Context, p llmProvider, req ChatRequest) (*ChatResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		role := m.Role
		if role == "" {
			role = openai.ChatMessageRoleUser
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if p.cfg.MaxTokens > 0 && (maxTokens == 0 || maxTokens > p.cfg.MaxTokens) {
		maxTokens = p.cfg.MaxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.cfg.Temperature
	}

	completion := openai.ChatCompletionRequest{
		Model:       p.cfg.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
	if req.JSONSchema != nil {
		completion.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, completion)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", p.cfg.Name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("provider %s: empty completion", p.cfg.Name)
	}
	content := resp.Choices[0].Message.Content

	if req.JSONSchema != nil {
		if err := validateAgainstSchema(content, req.JSONSchema); err != nil {
			return nil, fmt.Errorf("provider %s: structured output rejected: %w", p.cfg.Name, err)
		}
	}

	return &ChatResponse{Content: content, Provider: p.cfg.Name}, nil
}

// validateAgainstSchema checks that content is JSON conforming to schema.
// Models wrap JSON in markdown fences often enough that we strip them first.
func validateAgainstSchema(content string, schema map[string]any) error {
	cleaned := StripJSONFences(content)

	var value any
	if err := json.Unmarshal([]byte(cleaned), &value); err != nil {
		return fmt.Errorf("not valid JSON: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inline://schema.json", schema); err != nil {
		return fmt.Errorf("bad schema: %w", err)
	}
	sch, err := compiler.Compile("inline://schema.json")
	if err != nil {
		return fmt.Errorf("bad schema: %w", err)
	}
	if err := sch.Validate(value); err != nil {
		return fmt.Errorf("schema violation: %w", err)
	}
	return nil
}

// DisabledLLM stands in when no provider is configured. Every call fails
// transiently so callers fall back to their static behavior.
type DisabledLLM struct{}

// Chat implements LLM.
func (DisabledLLM) Chat(context.Context, ChatRequest) (*ChatResponse, error) {
	return nil, NewError(KindTransient, "llm: no providers configured")
}

// StripJSONFences removes a surrounding ```json ... ``` block if present.
func StripJSONFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
