package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/convogrid/convogrid/pkg/rpc"
)

// Events emitted by the nlu executor.
const (
	EventHighConf = "high_conf"
	EventLowConf  = "low_conf"
)

// NLUExecutor classifies intent and extracts entities. Two-stage: the fast
// classifier runs first; below the confidence threshold it falls back to the
// LLM constrained to the closed intent list.
type NLUExecutor struct {
	nlu       rpc.NLU
	llm       rpc.LLM
	threshold float64
	intents   func() []string // closed intent set: flow triggers + conversational intents
}

// NewNLUExecutor creates the nlu executor. intents supplies the closed
// intent set (flow triggers plus the fixed conversational intents) at call
// time so late-registered flows are picked up.
func NewNLUExecutor(nlu rpc.NLU, llm rpc.LLM, threshold float64, intents func() []string) *NLUExecutor {
	if threshold <= 0 {
		threshold = 0.65
	}
	return &NLUExecutor{nlu: nlu, llm: llm, threshold: threshold, intents: intents}
}

// Name implements Executor.
func (e *NLUExecutor) Name() string { return "nlu" }

// NeedsUserInput implements Executor.
func (e *NLUExecutor) NeedsUserInput() bool { return false }

// Execute implements Executor.
func (e *NLUExecutor) Execute(ctx context.Context, config map[string]any, tc *TurnContext) (*Result, error) {
	text := cfgString(config, "text")
	if text == "" {
		text = tc.LastUserMessage()
	}
	if text == "" {
		return nil, rpc.NewError(rpc.KindValidation, "nlu: no text to classify")
	}

	res, err := e.Classify(ctx, text)
	if err != nil {
		return nil, err
	}

	event := EventHighConf
	if res.Confidence < e.threshold {
		event = EventLowConf
	}
	return &Result{
		Output: map[string]any{
			"intent":     res.Intent,
			"confidence": res.Confidence,
			"entities":   res.Entities,
		},
		Events: []string{event},
	}, nil
}

// Classify runs the two-stage classification. Exposed for the orchestrator,
// which classifies directly rather than through the engine.
func (e *NLUExecutor) Classify(ctx context.Context, text string) (*rpc.IntentResult, error) {
	res, err := e.nlu.Classify(ctx, text)
	if err == nil && res.Confidence >= e.threshold {
		return res, nil
	}
	if err != nil {
		slog.Warn("NLU classifier failed, falling back to LLM", "error", err)
	}

	fallback, fbErr := e.llmClassify(ctx, text)
	if fbErr != nil {
		if err == nil {
			// Classifier worked but was unsure; its guess beats nothing.
			return res, nil
		}
		return nil, err
	}
	return fallback, nil
}

// llmClassify asks the LLM for an intent from the closed list, as strict
// JSON.
func (e *NLUExecutor) llmClassify(ctx context.Context, text string) (*rpc.IntentResult, error) {
	intents := e.intents()
	if len(intents) == 0 {
		return nil, rpc.NewError(rpc.KindInternal, "nlu: no intents registered")
	}

	schema := map[string]any{
		"type":     "object",
		"required": []any{"intent", "confidence"},
		"properties": map[string]any{
			"intent":     map[string]any{"type": "string", "enum": toAnySlice(intents)},
			"confidence": map[string]any{"type": "number"},
			"entities":   map[string]any{"type": "object"},
		},
	}
	resp, err := e.llm.Chat(ctx, rpc.ChatRequest{
		SystemPrompt: fmt.Sprintf(
			"Classify the user message into exactly one of these intents: %s. "+
				"Respond with JSON {\"intent\", \"confidence\", \"entities\"} and nothing else.",
			strings.Join(intents, ", ")),
		Messages:   []rpc.ChatMessage{{Role: "user", Content: text}},
		MaxTokens:  200,
		JSONSchema: schema,
	})
	if err != nil {
		return nil, err
	}

	var out rpc.IntentResult
	if err := json.Unmarshal([]byte(rpc.StripJSONFences(resp.Content)), &out); err != nil {
		return nil, rpc.WrapError(rpc.KindUpstream, "nlu: bad LLM classification", err)
	}
	return &out, nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
