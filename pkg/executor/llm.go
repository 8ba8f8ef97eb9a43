package executor

import (
	"context"
	"encoding/json"

	"github.com/convogrid/convogrid/pkg/rpc"
)

// languageMatchInstruction is appended to every system prompt so the model
// answers in whatever language the user wrote in.
const languageMatchInstruction = "Always reply in the same language the user wrote their message in."

// defaultLLMMaxTokens is the per-turn token cap applied when a flow author
// does not set one.
const defaultLLMMaxTokens = 512

// LLMExecutor generates natural language or structured JSON through the
// provider chain.
type LLMExecutor struct {
	llm rpc.LLM
}

// NewLLMExecutor creates the llm executor.
func NewLLMExecutor(llm rpc.LLM) *LLMExecutor {
	return &LLMExecutor{llm: llm}
}

// Name implements Executor.
func (e *LLMExecutor) Name() string { return "llm" }

// NeedsUserInput implements Executor.
func (e *LLMExecutor) NeedsUserInput() bool { return false }

// Execute implements Executor. With jsonSchema set the validated JSON is
// parsed and returned as the output value; otherwise the raw text is both
// the output and the user-visible response.
func (e *LLMExecutor) Execute(ctx context.Context, config map[string]any, tc *TurnContext) (*Result, error) {
	systemPrompt := cfgString(config, "system_prompt")
	if systemPrompt == "" {
		return nil, rpc.NewError(rpc.KindInternal, "llm: system_prompt is required")
	}
	systemPrompt += "\n" + languageMatchInstruction

	userPrompt := cfgString(config, "user_prompt")
	if userPrompt == "" {
		userPrompt = tc.LastUserMessage()
	}

	req := rpc.ChatRequest{
		SystemPrompt: systemPrompt,
		Messages:     []rpc.ChatMessage{{Role: "user", Content: userPrompt}},
		MaxTokens:    cfgInt(config, "max_tokens", defaultLLMMaxTokens),
	}
	if temp, ok := cfgFloat(config, "temperature"); ok {
		req.Temperature = float32(temp)
	}
	schema := cfgMap(config, "json_schema")
	if schema != nil {
		req.JSONSchema = schema
	}

	resp, err := e.llm.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	if schema != nil {
		var parsed any
		if err := json.Unmarshal([]byte(rpc.StripJSONFences(resp.Content)), &parsed); err != nil {
			// The client already validated against the schema; reaching this
			// means the provider chain misbehaved.
			return nil, rpc.WrapError(rpc.KindUpstream, "llm: unparseable structured output", err)
		}
		return &Result{Output: parsed}, nil
	}

	return &Result{Output: resp.Content, Response: resp.Content}, nil
}
