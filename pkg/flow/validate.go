package flow

import (
	"fmt"
	"log/slog"

	"github.com/convogrid/convogrid/pkg/models"
	"github.com/convogrid/convogrid/pkg/template"
)

// Validate checks one flow definition for structural soundness. knownExecutor
// reports whether an executor name is registered; pass nil to skip executor
// checks (used by tooling that validates definitions without a wired engine).
//
// Checks, in order:
//  1. Identity fields and version are set.
//  2. initial_state and every final state name an existing state.
//  3. Every transition target and on_error fallback names an existing state.
//  4. Every action references a registered executor and its config templates
//     parse; decision conditions parse and map to declared transitions.
//  5. No non-final state is a dead end (a state with no way out).
//
// Unreachable states are logged as a warning, not rejected: flow authors
// park work-in-progress branches behind unreferenced states.
func Validate(def *models.FlowDefinition, knownExecutor func(string) bool) error {
	if def.ID == "" {
		return NewValidationError("", "", "id", fmt.Errorf("%w: id is required", ErrValidationFailed))
	}
	if def.Version < 1 {
		return NewValidationError(def.ID, "", "version", fmt.Errorf("must be at least 1"))
	}
	if def.Name == "" {
		return NewValidationError(def.ID, "", "name", fmt.Errorf("name is required"))
	}
	if len(def.States) == 0 {
		return NewValidationError(def.ID, "", "states", fmt.Errorf("at least one state required"))
	}
	if def.InitialState == "" {
		return NewValidationError(def.ID, "", "initial_state", fmt.Errorf("initial_state is required"))
	}
	if _, ok := def.States[def.InitialState]; !ok {
		return NewValidationError(def.ID, "", "initial_state", fmt.Errorf("state '%s' not defined", def.InitialState))
	}
	if len(def.FinalStates) == 0 {
		return NewValidationError(def.ID, "", "final_states", fmt.Errorf("at least one final state required"))
	}
	for _, fs := range def.FinalStates {
		s, ok := def.States[fs]
		if !ok {
			return NewValidationError(def.ID, "", "final_states", fmt.Errorf("state '%s' not defined", fs))
		}
		if s.Type != models.StateEnd {
			return NewValidationError(def.ID, fs, "type", fmt.Errorf("final state must be type 'end', got '%s'", s.Type))
		}
	}

	for name, state := range def.States {
		if err := validateState(def, name, state, knownExecutor); err != nil {
			return err
		}
	}

	if unreachable := unreachableStates(def); len(unreachable) > 0 {
		slog.Warn("Flow has unreachable states", "flow_id", def.ID, "states", unreachable)
	}
	return nil
}

func validateState(def *models.FlowDefinition, name string, state *models.State, knownExecutor func(string) bool) error {
	switch state.Type {
	case models.StateAction, models.StateDecision, models.StateWait, models.StateEnd:
	default:
		return NewValidationError(def.ID, name, "type", fmt.Errorf("unknown state type '%s'", state.Type))
	}

	// End states are terminal and listed; everything else must be listed
	// nowhere in final_states.
	if state.Type == models.StateEnd && !def.IsFinal(name) {
		return NewValidationError(def.ID, name, "type", fmt.Errorf("end state must be listed in final_states"))
	}

	for target, to := range state.Transitions {
		if target == "" {
			return NewValidationError(def.ID, name, "transitions", fmt.Errorf("empty event name"))
		}
		if _, ok := def.States[to]; !ok {
			return NewValidationError(def.ID, name, "transitions",
				fmt.Errorf("event '%s' targets undefined state '%s'", target, to))
		}
	}

	if state.OnError != nil {
		if fb := state.OnError.FallbackState; fb != "" {
			if _, ok := def.States[fb]; !ok {
				return NewValidationError(def.ID, name, "on_error.fallback_state",
					fmt.Errorf("undefined state '%s'", fb))
			}
		}
		if r := state.OnError.Retry; r != nil {
			if r.Attempts < 0 {
				return NewValidationError(def.ID, name, "on_error.retry.attempts", fmt.Errorf("must not be negative"))
			}
			if r.BackoffMs < 0 {
				return NewValidationError(def.ID, name, "on_error.retry.backoff_ms", fmt.Errorf("must not be negative"))
			}
		}
	}

	switch state.Type {
	case models.StateDecision:
		if len(state.Actions) > 0 {
			return NewValidationError(def.ID, name, "actions", fmt.Errorf("decision states cannot have actions"))
		}
		if len(state.Conditions) == 0 {
			return NewValidationError(def.ID, name, "conditions", fmt.Errorf("decision states need at least one condition"))
		}
		for i, c := range state.Conditions {
			if err := template.ValidateExpression(c.Expression); err != nil {
				return NewValidationError(def.ID, name, fmt.Sprintf("conditions[%d].expression", i), err)
			}
			if c.Event == "" {
				return NewValidationError(def.ID, name, fmt.Sprintf("conditions[%d].event", i), fmt.Errorf("event is required"))
			}
			if _, ok := state.Transitions[c.Event]; !ok {
				return NewValidationError(def.ID, name, fmt.Sprintf("conditions[%d].event", i),
					fmt.Errorf("event '%s' has no transition", c.Event))
			}
		}
	default:
		if len(state.Conditions) > 0 {
			return NewValidationError(def.ID, name, "conditions", fmt.Errorf("conditions are only valid on decision states"))
		}
		for i, a := range state.Actions {
			if a.Executor == "" {
				return NewValidationError(def.ID, name, fmt.Sprintf("actions[%d].executor", i), fmt.Errorf("executor is required"))
			}
			if knownExecutor != nil && !knownExecutor(a.Executor) {
				return NewValidationError(def.ID, name, fmt.Sprintf("actions[%d].executor", i),
					fmt.Errorf("executor '%s' is not registered", a.Executor))
			}
			if err := template.CheckTemplates(a.Config); err != nil {
				return NewValidationError(def.ID, name, fmt.Sprintf("actions[%d].config", i), err)
			}
		}
	}

	// Dead-end check: a non-final state with no transitions can never finish
	// the flow.
	if !def.IsFinal(name) && len(state.Transitions) == 0 {
		return NewValidationError(def.ID, name, "transitions",
			fmt.Errorf("non-final state has no transitions (dead end)"))
	}
	return nil
}

// unreachableStates walks transitions and error fallbacks from the initial
// state and returns the states never visited.
func unreachableStates(def *models.FlowDefinition) []string {
	visited := map[string]bool{def.InitialState: true}
	queue := []string{def.InitialState}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		state := def.States[name]
		if state == nil {
			continue
		}
		for _, to := range state.Transitions {
			if !visited[to] {
				visited[to] = true
				queue = append(queue, to)
			}
		}
		if state.OnError != nil && state.OnError.FallbackState != "" {
			if fb := state.OnError.FallbackState; !visited[fb] {
				visited[fb] = true
				queue = append(queue, fb)
			}
		}
	}

	var unreachable []string
	for name := range def.States {
		if !visited[name] {
			unreachable = append(unreachable, name)
		}
	}
	return unreachable
}
