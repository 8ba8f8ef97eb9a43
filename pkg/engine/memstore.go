package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/convogrid/convogrid/pkg/models"
)

// MemoryRunStore is the in-memory RunStore used by tests and single-node
// development setups. Runs and steps are deep-copied on the way in and out so
// callers cannot alias store state.
type MemoryRunStore struct {
	mu    sync.RWMutex
	runs  map[string]*models.FlowRun
	steps map[string][]*models.FlowRunStep
	defs  map[string]*models.FlowDefinition // keyed "id@version"
}

// NewMemoryRunStore creates an empty store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs:  make(map[string]*models.FlowRun),
		steps: make(map[string][]*models.FlowRunStep),
		defs:  make(map[string]*models.FlowDefinition),
	}
}

// CreateRun implements RunStore.
func (s *MemoryRunStore) CreateRun(_ context.Context, run *models.FlowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.RunID]; exists {
		return fmt.Errorf("run %s already exists", run.RunID)
	}
	s.runs[run.RunID] = copyRun(run)
	return nil
}

// UpdateRun implements RunStore.
func (s *MemoryRunStore) UpdateRun(_ context.Context, run *models.FlowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.RunID]; !exists {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.RunID)
	}
	s.runs[run.RunID] = copyRun(run)
	return nil
}

// GetRun implements RunStore.
func (s *MemoryRunStore) GetRun(_ context.Context, runID string) (*models.FlowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return copyRun(run), nil
}

// ActiveRun implements RunStore.
func (s *MemoryRunStore) ActiveRun(_ context.Context, sessionID string) (*models.FlowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, run := range s.runs {
		if run.SessionID == sessionID && run.Status.Active() {
			return copyRun(run), nil
		}
	}
	return nil, ErrNoActiveRun
}

// AppendStep implements RunStore.
func (s *MemoryRunStore) AppendStep(_ context.Context, step *models.FlowRunStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *step
	cp.StepIndex = len(s.steps[step.RunID])
	s.steps[step.RunID] = append(s.steps[step.RunID], &cp)
	return nil
}

// Steps implements RunStore.
func (s *MemoryRunStore) Steps(_ context.Context, runID string) ([]*models.FlowRunStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.FlowRunStep, len(s.steps[runID]))
	for i, step := range s.steps[runID] {
		cp := *step
		out[i] = &cp
	}
	return out, nil
}

// UpsertDefinition implements RunStore.
func (s *MemoryRunStore) UpsertDefinition(_ context.Context, def *models.FlowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[fmt.Sprintf("%s@%d", def.ID, def.Version)] = def
	return nil
}

// FailStaleRuns implements RunStore.
func (s *MemoryRunStore) FailStaleRuns(_ context.Context, maxIdle time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	swept := 0
	for _, run := range s.runs {
		if run.Status.Active() && run.UpdatedAt.Before(cutoff) {
			now := time.Now()
			run.Status = models.RunFailed
			run.UpdatedAt = now
			run.CompletedAt = &now
			swept++
		}
	}
	return swept, nil
}

func copyRun(run *models.FlowRun) *models.FlowRun {
	cp := *run
	cp.Context = copyMap(run.Context)
	return &cp
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = copyMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
