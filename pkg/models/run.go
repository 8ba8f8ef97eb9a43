package models

import "time"

// RunStatus is the lifecycle status of a flow run.
type RunStatus string

// Run statuses.
const (
	RunRunning   RunStatus = "running"
	RunWaiting   RunStatus = "waiting"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Active reports whether the run still owns its session's active-run slot.
func (s RunStatus) Active() bool {
	return s == RunRunning || s == RunWaiting
}

// FlowRun is one active instance of a flow for one session. A session has at
// most one run with an active status at any instant.
type FlowRun struct {
	RunID        string         `json:"run_id"`
	FlowID       string         `json:"flow_id"`
	FlowVersion  int            `json:"flow_version"`
	SessionID    string         `json:"session_id"`
	CurrentState string         `json:"current_state"`
	Status       RunStatus      `json:"status"`
	Context      map[string]any `json:"context"`
	Progress     float64        `json:"progress"`
	StartedAt    time.Time      `json:"started_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// FlowRunStep is one append-only audit record: one state execution within a
// turn, with per-action timings and the context delta it produced.
type FlowRunStep struct {
	RunID           string         `json:"run_id"`
	StepIndex       int            `json:"step_index"`
	State           string         `json:"state"`
	Event           string         `json:"event"`
	ActionsExecuted []ActionRecord `json:"actions_executed,omitempty"`
	OutputDelta     map[string]any `json:"output_delta,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// ActionRecord captures one executor invocation inside a step.
type ActionRecord struct {
	Executor   string `json:"executor"`
	DurationMs int64  `json:"duration_ms"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
}
