// Package models contains the shared domain types: flow definitions, flow
// runs, sessions, replies, and auth records. Types here carry no behavior
// beyond small helpers; they are shared by the engine, executors, stores,
// and the gateway.
package models

// Module is the business domain a flow belongs to. It routes search and
// pricing to the right backend index/rate table.
type Module string

// Known modules.
const (
	ModuleFood            Module = "food"
	ModuleParcel          Module = "parcel"
	ModuleEcommerce       Module = "ecommerce"
	ModuleGeneral         Module = "general"
	ModuleVendor          Module = "vendor"
	ModuleDelivery        Module = "delivery"
	ModulePersonalization Module = "personalization"
	ModuleLocation        Module = "location"
)

// StateType determines how the engine treats a state.
type StateType string

// State types.
const (
	// StateAction runs actions then evaluates transitions; pauses if nothing
	// matches.
	StateAction StateType = "action"
	// StateDecision is pure routing: no side effects, first true condition
	// supplies the event.
	StateDecision StateType = "decision"
	// StateWait runs actions (typically a response) then unconditionally
	// pauses until a matching event arrives.
	StateWait StateType = "wait"
	// StateEnd is terminal.
	StateEnd StateType = "end"
)

// Event names synthesized by the engine itself. Flow-specific events
// (found, address_valid, in_zone, ...) are emitted by executors.
const (
	EventFlowStarted     = "flow_started"
	EventUserMessage     = "user_message"
	EventWaitingForInput = "waiting_for_input"
	EventError           = "error"
)

// FlowDefinition is an immutable, versioned state-machine description of one
// dialog. Registered at boot from code or YAML; validated before use.
type FlowDefinition struct {
	ID           string            `json:"id" yaml:"id"`
	Version      int               `json:"version" yaml:"version"`
	Name         string            `json:"name" yaml:"name"`
	Module       Module            `json:"module" yaml:"module"`
	Trigger      string            `json:"trigger,omitempty" yaml:"trigger,omitempty"` // intent name; empty for sub-flows
	RequiresAuth bool              `json:"requires_auth,omitempty" yaml:"requires_auth,omitempty"`
	InitialState string            `json:"initial_state" yaml:"initial_state"`
	FinalStates  []string          `json:"final_states" yaml:"final_states"`
	States       map[string]*State `json:"states" yaml:"states"`
}

// IsFinal reports whether the named state is one of the flow's final states.
func (f *FlowDefinition) IsFinal(state string) bool {
	for _, s := range f.FinalStates {
		if s == state {
			return true
		}
	}
	return false
}

// State is one node of a flow.
type State struct {
	Type        StateType         `json:"type" yaml:"type"`
	Actions     []Action          `json:"actions,omitempty" yaml:"actions,omitempty"`
	Transitions map[string]string `json:"transitions,omitempty" yaml:"transitions,omitempty"` // event → state
	Conditions  []Condition       `json:"conditions,omitempty" yaml:"conditions,omitempty"`   // decision states only
	OnError     *OnError          `json:"on_error,omitempty" yaml:"on_error,omitempty"`
}

// Condition pairs a boolean expression with the event it produces when true.
// Evaluated in declared order by decision states.
type Condition struct {
	Expression string `json:"expression" yaml:"expression"`
	Event      string `json:"event" yaml:"event"`
}

// Action is one executor invocation within a state. Config may contain
// {{path}} placeholders resolved against the run context before invocation.
// Output names the context key the executor's return value is stored under.
type Action struct {
	Executor string         `json:"executor" yaml:"executor"`
	Config   map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Output   string         `json:"output,omitempty" yaml:"output,omitempty"`
}

// OnError is the per-state error policy.
type OnError struct {
	Retry         *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
	FallbackState string       `json:"fallback_state,omitempty" yaml:"fallback_state,omitempty"`
}

// RetryPolicy bounds retries of a failing retryable action.
type RetryPolicy struct {
	Attempts  int `json:"attempts" yaml:"attempts"`
	BackoffMs int `json:"backoff_ms" yaml:"backoff_ms"`
}
