package executor

import (
	"context"

	"github.com/convogrid/convogrid/pkg/rpc"
)

// ResponseExecutor emits a static or interpolated message with optional
// buttons and cards. Pure UI: it never pauses by itself; the state type
// decides whether the flow waits.
type ResponseExecutor struct{}

// NewResponseExecutor creates the response executor.
func NewResponseExecutor() *ResponseExecutor { return &ResponseExecutor{} }

// Name implements Executor.
func (e *ResponseExecutor) Name() string { return "response" }

// NeedsUserInput implements Executor.
func (e *ResponseExecutor) NeedsUserInput() bool { return false }

// Execute implements Executor.
func (e *ResponseExecutor) Execute(_ context.Context, config map[string]any, _ *TurnContext) (*Result, error) {
	message := cfgString(config, "message")
	if message == "" {
		return nil, rpc.NewError(rpc.KindInternal, "response: message is required")
	}
	return &Result{
		Response: message,
		Buttons:  cfgButtons(cfgSlice(config, "buttons")),
		Cards:    cfgCards(cfgSlice(config, "cards")),
	}, nil
}
