package executor

import (
	"context"

	"github.com/convogrid/convogrid/pkg/rpc"
)

// PHPAPIExecutor is the generic call into the business backend by action
// code. Auth, vendor, and delivery sub-flows are built on it.
type PHPAPIExecutor struct {
	backend rpc.Backend
}

// NewPHPAPIExecutor creates the php_api executor.
func NewPHPAPIExecutor(backend rpc.Backend) *PHPAPIExecutor {
	return &PHPAPIExecutor{backend: backend}
}

// Name implements Executor.
func (e *PHPAPIExecutor) Name() string { return "php_api" }

// NeedsUserInput implements Executor.
func (e *PHPAPIExecutor) NeedsUserInput() bool { return false }

// Execute implements Executor.
func (e *PHPAPIExecutor) Execute(ctx context.Context, config map[string]any, _ *TurnContext) (*Result, error) {
	action := cfgString(config, "action")
	if action == "" {
		return nil, rpc.NewError(rpc.KindInternal, "php_api: action is required")
	}

	data, err := e.backend.Call(ctx, action, cfgMap(config, "params"), cfgString(config, "token"))
	if err != nil {
		if rpc.KindOf(err) == rpc.KindUpstream {
			// Business errors branch the flow rather than failing the run.
			return &Result{
				Output: map[string]any{"error": err.Error()},
				Events: []string{EventFailed},
			}, nil
		}
		return nil, err
	}
	return &Result{
		Output: map[string]any{"data": data},
		Events: []string{EventSuccess},
	}, nil
}
