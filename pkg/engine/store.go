package engine

import (
	"context"
	"errors"
	"time"

	"github.com/convogrid/convogrid/pkg/models"
)

// ErrNoActiveRun indicates the session has no run in an active status.
var ErrNoActiveRun = errors.New("no active run for session")

// ErrRunNotFound indicates the run ID is unknown.
var ErrRunNotFound = errors.New("run not found")

// RunStore is the durable storage behind the engine: flow runs updated in
// place, steps append-only, definitions upserted by (id, version).
//
// AppendStep assigns the step index itself (monotonic per run); the caller's
// StepIndex is ignored. Step writes are best-effort: the engine logs append
// failures and moves on, while run reads/writes are authoritative.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.FlowRun) error
	UpdateRun(ctx context.Context, run *models.FlowRun) error
	GetRun(ctx context.Context, runID string) (*models.FlowRun, error)
	// ActiveRun returns the session's single run with status running or
	// waiting, or ErrNoActiveRun.
	ActiveRun(ctx context.Context, sessionID string) (*models.FlowRun, error)
	AppendStep(ctx context.Context, step *models.FlowRunStep) error
	Steps(ctx context.Context, runID string) ([]*models.FlowRunStep, error)
	// UpsertDefinition persists a validated definition keyed by (id, version)
	// and moves the latest-version pointer.
	UpsertDefinition(ctx context.Context, def *models.FlowDefinition) error
	// FailStaleRuns marks active runs idle longer than maxIdle as failed and
	// returns how many were swept.
	FailStaleRuns(ctx context.Context, maxIdle time.Duration) (int, error)
}
