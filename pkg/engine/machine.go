package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/convogrid/convogrid/pkg/executor"
	"github.com/convogrid/convogrid/pkg/flow"
	"github.com/convogrid/convogrid/pkg/models"
	"github.com/convogrid/convogrid/pkg/rpc"
	"github.com/convogrid/convogrid/pkg/template"
)

// defaultTransientBackoff is the single retry backoff applied to transient
// errors on states that declare no on_error policy.
const defaultTransientBackoff = 250 * time.Millisecond

// advance drives the run until it pauses, completes, or fails. One call
// handles one inbound event plus every auto-advanced state after it, bounded
// by AutoAdvanceMax and TurnBudget.
func (e *Engine) advance(ctx context.Context, def *models.FlowDefinition, run *models.FlowRun, inbound string) (*models.Reply, error) {
	turnCtx, cancel := context.WithTimeout(ctx, e.cfg.TurnBudget)
	defer cancel()

	reply := &models.Reply{SessionID: run.SessionID}
	event := inbound
	traceID := uuid.NewString()

	for hops := 0; ; hops++ {
		if hops >= e.cfg.AutoAdvanceMax {
			e.metrics.LoopCapHit(ctx, run.FlowID)
			return reply, e.failRun(ctx, run,
				rpc.NewError(rpc.KindInternal, fmt.Sprintf("auto-advance loop detected after %d transitions", hops)))
		}
		if err := turnCtx.Err(); err != nil {
			// Turn budget exhausted: the turn fails but the run keeps its
			// last persisted state.
			return reply, rpc.WrapError(rpc.KindTransient, "turn budget exceeded", err)
		}

		state := def.States[run.CurrentState]
		if state == nil {
			return reply, e.failRun(ctx, run,
				rpc.NewError(rpc.KindInternal, fmt.Sprintf("run references invalid state '%s'", run.CurrentState)))
		}

		run.Context["_last_event"] = event
		run.Context["system"] = map[string]any{
			"sessionId": run.SessionID,
			"phone":     sessionPhone(run.Context),
			"now":       time.Now().Format(time.RFC3339),
			"traceId":   traceID,
			"flowId":    run.FlowID,
			"runId":     run.RunID,
			"state":     run.CurrentState,
		}

		// A wait state resumed by an external event routes on that event
		// without re-running its prompt actions.
		resumedWait := state.Type == models.StateWait && event != "" && event != models.EventFlowStarted

		var (
			candidates  []string
			records     []models.ActionRecord
			paused      bool
			forcedNext  string
			forcedEvent string
		)

		switch {
		case state.Type == models.StateDecision:
			for _, cond := range state.Conditions {
				if template.Evaluate(cond.Expression, run.Context) {
					candidates = append(candidates, cond.Event)
					break
				}
			}

		case resumedWait:
			candidates = append(candidates, event)

		default:
			for i := range state.Actions {
				action := &state.Actions[i]
				res, rec, err := e.runAction(turnCtx, state, action, run)
				records = append(records, rec)
				if err != nil {
					if rpc.KindOf(err) == rpc.KindCancelled {
						return reply, err
					}
					switch {
					case state.OnError != nil && state.OnError.FallbackState != "":
						forcedNext = state.OnError.FallbackState
						forcedEvent = models.EventError
					default:
						if to, ok := state.Transitions[models.EventError]; ok {
							forcedNext = to
							forcedEvent = models.EventError
						} else {
							return reply, e.failRun(ctx, run, fmtActionError(action, err))
						}
					}
					break
				}
				if action.Output != "" && res.Output != nil {
					template.Merge(run.Context, action.Output, res.Output)
				}
				reply.Append(res.Response, res.Cards, res.Buttons)
				candidates = append(candidates, res.Events...)
				if impl, ok := e.executors.Get(action.Executor); ok && impl.NeedsUserInput() && !res.Pause {
					// The inbound message is spent; downstream states must
					// not re-consume it.
					run.Context["_last_user_message"] = ""
				}
				if res.Pause {
					paused = true
					break
				}
			}
		}

		// Entering a wait state always suspends after its actions ran.
		if forcedNext == "" && state.Type == models.StateWait && !resumedWait {
			paused = true
		}

		if forcedNext == "" && def.IsFinal(run.CurrentState) {
			e.recordStep(ctx, run, event, records, nil)
			return reply, e.completeRun(ctx, run)
		}

		if paused {
			e.recordStep(ctx, run, event, records, nil)
			return reply, e.suspendRun(ctx, run)
		}

		next, chosenEvent := forcedNext, forcedEvent
		if next == "" {
			for _, ev := range candidates {
				if to, ok := state.Transitions[ev]; ok {
					next, chosenEvent = to, ev
					break
				}
			}
		}
		if next == "" {
			// Nothing matched: wait for input if the flow routes it,
			// otherwise suspend on the current state.
			if to, ok := state.Transitions[models.EventWaitingForInput]; ok {
				next, chosenEvent = to, models.EventWaitingForInput
			} else {
				e.recordStep(ctx, run, event, records, nil)
				return reply, e.suspendRun(ctx, run)
			}
		}

		// Cancellation check: a reset command may have flipped the run while
		// executors were in flight.
		if fresh, err := e.store.GetRun(ctx, run.RunID); err == nil && fresh.Status == models.RunCancelled {
			run.Status = models.RunCancelled
			return reply, rpc.NewError(rpc.KindCancelled, "run cancelled")
		}

		slog.Info("State transition",
			"run_id", run.RunID, "from", run.CurrentState, "to", next, "event", chosenEvent)
		e.recordStep(ctx, run, chosenEvent, records, nil)

		run.CurrentState = next
		run.Status = models.RunRunning
		run.UpdatedAt = time.Now()
		if err := e.store.UpdateRun(ctx, run); err != nil {
			return reply, rpc.WrapError(rpc.KindInternal, "persisting run", err)
		}

		event = ""
	}
}

func (e *Engine) completeRun(ctx context.Context, run *models.FlowRun) error {
	now := time.Now()
	run.Status = models.RunCompleted
	run.Progress = 1
	run.UpdatedAt = now
	run.CompletedAt = &now
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return rpc.WrapError(rpc.KindInternal, "persisting completed run", err)
	}
	e.metrics.FlowCompleted(ctx, run.FlowID)
	slog.Info("Flow completed", "run_id", run.RunID, "flow_id", run.FlowID, "state", run.CurrentState)
	return nil
}

func (e *Engine) suspendRun(ctx context.Context, run *models.FlowRun) error {
	run.Status = models.RunWaiting
	run.UpdatedAt = time.Now()
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return rpc.WrapError(rpc.KindInternal, "persisting suspended run", err)
	}
	return nil
}

// runAction invokes one executor with interpolated config, applying the
// state's retry policy. Transient errors on states without a policy get one
// retry with a short backoff.
func (e *Engine) runAction(ctx context.Context, state *models.State, action *models.Action, run *models.FlowRun) (*executor.Result, models.ActionRecord, error) {
	rec := models.ActionRecord{Executor: action.Executor}

	impl, ok := e.executors.Get(action.Executor)
	if !ok {
		rec.Error = "executor not registered"
		return nil, rec, rpc.NewError(rpc.KindInternal, fmt.Sprintf("executor '%s' not registered", action.Executor))
	}

	// Retry attempts: flow on_error wins, then the configured per-executor
	// default, then a single retry for transient errors.
	attempts := 1
	if configured, ok := e.cfg.ExecutorRetries[action.Executor]; ok {
		attempts = configured
	}
	backoff := defaultTransientBackoff
	if state.OnError != nil && state.OnError.Retry != nil {
		attempts = state.OnError.Retry.Attempts
		if state.OnError.Retry.BackoffMs > 0 {
			backoff = time.Duration(state.OnError.Retry.BackoffMs) * time.Millisecond
		}
	}

	var lastErr error
	for try := 0; ; try++ {
		cfg := template.InterpolateConfig(action.Config, run.Context)
		tc := &executor.TurnContext{
			SessionID: run.SessionID,
			RunID:     run.RunID,
			State:     run.CurrentState,
			Data:      run.Context,
		}

		callCtx, cancel := context.WithTimeout(ctx, e.executorTimeout(action.Executor))
		start := time.Now()
		res, err := safeExecute(callCtx, impl, cfg, tc)
		cancel()

		durationMs := time.Since(start).Milliseconds()
		rec.DurationMs += durationMs
		rec.OK = err == nil
		e.metrics.ExecutorCall(ctx, action.Executor, durationMs, err == nil)
		if err == nil {
			slog.Info("Executor finished", "executor", action.Executor, "duration_ms", durationMs, "ok", true)
			return res, rec, nil
		}
		slog.Warn("Executor failed", "executor", action.Executor, "duration_ms", durationMs,
			"error_kind", string(rpc.KindOf(err)), "error", err)
		rec.Error = err.Error()
		lastErr = err

		if !rpc.IsRetryable(err) || try >= attempts {
			return nil, rec, lastErr
		}
		delay := backoff << try
		select {
		case <-ctx.Done():
			return nil, rec, lastErr
		case <-time.After(delay):
		}
	}
}

// sessionPhone reads the phone out of the session snapshot seeded into the
// run context at turn start. Empty for unauthenticated sessions.
func sessionPhone(ctx map[string]any) string {
	if sess, ok := ctx["session"].(map[string]any); ok {
		if p, ok := sess["phone"].(string); ok {
			return p
		}
	}
	return ""
}

// safeExecute guards the executor boundary: a panicking executor becomes an
// internal error instead of taking the worker down.
func safeExecute(ctx context.Context, impl executor.Executor, cfg map[string]any, tc *executor.TurnContext) (res *executor.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = rpc.NewError(rpc.KindInternal, fmt.Sprintf("executor panic: %v", r))
		}
	}()
	res, err = impl.Execute(ctx, cfg, tc)
	if err == nil && res == nil {
		err = rpc.NewError(rpc.KindInternal, "executor returned no result")
	}
	return res, err
}

// SyncDefinitions upserts every registered definition into durable storage.
// Called at boot after validation so operators can inspect what is live.
func (e *Engine) SyncDefinitions(ctx context.Context) error {
	for _, def := range e.flows.All() {
		if err := e.store.UpsertDefinition(ctx, def); err != nil {
			return fmt.Errorf("upserting flow %s v%d: %w", def.ID, def.Version, err)
		}
	}
	return nil
}

// Flows exposes the registry for the orchestrator's trigger lookups.
func (e *Engine) Flows() *flow.Registry { return e.flows }
