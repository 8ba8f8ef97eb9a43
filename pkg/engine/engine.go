// Package engine executes flow state machines: it starts and resumes runs,
// drives the per-state advance loop with its auto-advance cap, applies
// per-state error policy, and persists runs and step records.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/convogrid/convogrid/pkg/executor"
	"github.com/convogrid/convogrid/pkg/flow"
	"github.com/convogrid/convogrid/pkg/models"
	"github.com/convogrid/convogrid/pkg/rpc"
	"github.com/convogrid/convogrid/pkg/telemetry"
)

// Defaults for the engine limits.
const (
	DefaultAutoAdvanceMax  = 25
	DefaultTurnBudget      = 45 * time.Second
	DefaultExecutorTimeout = 10 * time.Second
	DefaultLLMTimeout      = 30 * time.Second
	DefaultNLUTimeout      = 3 * time.Second
)

// Config bounds one engine instance.
type Config struct {
	// AutoAdvanceMax caps state transitions per inbound message.
	AutoAdvanceMax int
	// TurnBudget bounds the total executor time of one turn.
	TurnBudget time.Duration
	// ExecutorTimeouts overrides the per-executor invocation timeout by name.
	ExecutorTimeouts map[string]time.Duration
	// ExecutorRetries overrides the per-executor default retry attempt count
	// by name. A state's on_error policy still wins.
	ExecutorRetries map[string]int
}

func (c Config) withDefaults() Config {
	if c.AutoAdvanceMax <= 0 {
		c.AutoAdvanceMax = DefaultAutoAdvanceMax
	}
	if c.TurnBudget <= 0 {
		c.TurnBudget = DefaultTurnBudget
	}
	return c
}

// Engine runs flows for sessions. All methods are safe for concurrent use
// across sessions; per-session serialization is the orchestrator's job.
type Engine struct {
	flows     *flow.Registry
	executors *executor.Registry
	store     RunStore
	metrics   *telemetry.Metrics
	cfg       Config
}

// New wires an engine.
func New(flows *flow.Registry, executors *executor.Registry, store RunStore, metrics *telemetry.Metrics, cfg Config) *Engine {
	return &Engine{
		flows:     flows,
		executors: executors,
		store:     store,
		metrics:   metrics,
		cfg:       cfg.withDefaults(),
	}
}

// TurnResult is the outcome of one started or resumed turn.
type TurnResult struct {
	Reply *models.Reply
	Run   *models.FlowRun
}

// StartFlow creates a run for the flow, seeds its context, and performs the
// initial advance pass. Any run still active for the session is cancelled
// first, so a session never holds two active runs.
func (e *Engine) StartFlow(ctx context.Context, flowID, sessionID string, initialContext map[string]any) (*TurnResult, error) {
	def, err := e.flows.Get(flowID)
	if err != nil {
		return nil, rpc.WrapError(rpc.KindInternal, "unknown flow", err)
	}

	if prev, err := e.store.ActiveRun(ctx, sessionID); err == nil {
		slog.Info("Cancelling previous active run before start",
			"session_id", sessionID, "run_id", prev.RunID, "flow_id", prev.FlowID)
		if err := e.cancelRun(ctx, prev); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, ErrNoActiveRun) {
		return nil, rpc.WrapError(rpc.KindInternal, "loading active run", err)
	}

	now := time.Now()
	run := &models.FlowRun{
		RunID:        uuid.NewString(),
		FlowID:       def.ID,
		FlowVersion:  def.Version,
		SessionID:    sessionID,
		CurrentState: def.InitialState,
		Status:       models.RunRunning,
		Context:      copyMap(initialContext),
		StartedAt:    now,
		UpdatedAt:    now,
	}
	if run.Context == nil {
		run.Context = make(map[string]any)
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, rpc.WrapError(rpc.KindInternal, "persisting run", err)
	}
	e.metrics.FlowStarted(ctx, def.ID)
	slog.Info("Flow started", "flow_id", def.ID, "run_id", run.RunID, "session_id", sessionID)

	reply, err := e.advance(ctx, def, run, models.EventFlowStarted)
	return &TurnResult{Reply: reply, Run: run}, err
}

// ResumeFlow loads the session's active run, injects the user message, and
// advances.
func (e *Engine) ResumeFlow(ctx context.Context, sessionID, userMessage string, extra map[string]any) (*TurnResult, error) {
	run, err := e.store.ActiveRun(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNoActiveRun) {
			return nil, err
		}
		return nil, rpc.WrapError(rpc.KindInternal, "loading active run", err)
	}
	def, err := e.flows.Get(run.FlowID)
	if err != nil {
		// The run references a definition that disappeared from the
		// registry; fail it so the session can start fresh.
		ferr := rpc.WrapError(rpc.KindInternal, "run references unknown flow", err)
		return nil, e.failRun(ctx, run, ferr)
	}

	run.Context["_last_user_message"] = userMessage
	for k, v := range extra {
		run.Context[k] = v
	}

	reply, err := e.advance(ctx, def, run, models.EventUserMessage)
	return &TurnResult{Reply: reply, Run: run}, err
}

// GetActiveFlow returns the session's active run, or nil when there is none
// or the run references an unknown flow.
func (e *Engine) GetActiveFlow(ctx context.Context, sessionID string) (*models.FlowRun, error) {
	run, err := e.store.ActiveRun(ctx, sessionID)
	if errors.Is(err, ErrNoActiveRun) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := e.flows.Get(run.FlowID); err != nil {
		return nil, nil
	}
	return run, nil
}

// CancelActive cancels the session's active run, if any. Returns the
// cancelled run or nil.
func (e *Engine) CancelActive(ctx context.Context, sessionID string) (*models.FlowRun, error) {
	run, err := e.store.ActiveRun(ctx, sessionID)
	if errors.Is(err, ErrNoActiveRun) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := e.cancelRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (e *Engine) cancelRun(ctx context.Context, run *models.FlowRun) error {
	now := time.Now()
	run.Status = models.RunCancelled
	run.UpdatedAt = now
	run.CompletedAt = &now
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return rpc.WrapError(rpc.KindInternal, "cancelling run", err)
	}
	slog.Info("Run cancelled", "run_id", run.RunID, "flow_id", run.FlowID)
	return nil
}

func (e *Engine) executorTimeout(name string) time.Duration {
	if d, ok := e.cfg.ExecutorTimeouts[name]; ok && d > 0 {
		return d
	}
	switch name {
	case "llm":
		return DefaultLLMTimeout
	case "nlu":
		return DefaultNLUTimeout
	default:
		return DefaultExecutorTimeout
	}
}

func (e *Engine) failRun(ctx context.Context, run *models.FlowRun, cause error) error {
	now := time.Now()
	run.Status = models.RunFailed
	run.UpdatedAt = now
	run.CompletedAt = &now
	if err := e.store.UpdateRun(ctx, run); err != nil {
		slog.Error("Failed to persist failed run", "run_id", run.RunID, "error", err)
	}
	kind := string(rpc.KindOf(cause))
	e.metrics.FlowFailed(ctx, run.FlowID, kind)
	slog.Error("Run failed", "run_id", run.RunID, "flow_id", run.FlowID,
		"state", run.CurrentState, "kind", kind, "error", cause)
	e.recordStep(ctx, run, models.EventError, nil, nil)
	return cause
}

func (e *Engine) recordStep(ctx context.Context, run *models.FlowRun, event string, actions []models.ActionRecord, delta map[string]any) {
	step := &models.FlowRunStep{
		RunID:           run.RunID,
		State:           run.CurrentState,
		Event:           event,
		ActionsExecuted: actions,
		OutputDelta:     delta,
		Timestamp:       time.Now(),
	}
	// Best-effort audit trail; a failed write never fails the turn.
	if err := e.store.AppendStep(ctx, step); err != nil {
		slog.Warn("Failed to append step record", "run_id", run.RunID, "state", run.CurrentState, "error", err)
	}
}

func fmtActionError(action *models.Action, err error) error {
	return fmt.Errorf("executor %s: %w", action.Executor, err)
}
