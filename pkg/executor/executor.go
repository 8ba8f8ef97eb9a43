// Package executor defines the uniform action-handler contract the state
// machine engine invokes, the name→executor registry, and the concrete
// executors (response, llm, nlu, search, address, distance, zone, pricing,
// order, external_search, selection, php_api).
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/convogrid/convogrid/pkg/models"
)

// TurnContext is the per-invocation view handed to executors. Data is the
// run context after interpolation sources were applied; executors must treat
// it as read-only and never touch the system.* or session.* namespaces;
// they return an Output that the engine merges under the action's output key.
type TurnContext struct {
	SessionID string
	RunID     string
	State     string
	Data      map[string]any
}

// LastUserMessage returns the raw inbound text of the current turn.
func (tc *TurnContext) LastUserMessage() string {
	if s, ok := tc.Data["_last_user_message"].(string); ok {
		return s
	}
	return ""
}

// LastEvent returns the event that caused the current transition.
func (tc *TurnContext) LastEvent() string {
	if s, ok := tc.Data["_last_event"].(string); ok {
		return s
	}
	return ""
}

// Result is what an executor hands back to the engine. An executor either
// succeeds (Output/Response populated) or returns a classified error from
// Execute; it never panics across the boundary (the engine still recovers
// defensively and converts to an internal error).
type Result struct {
	Output   any             // stored under action.output
	Events   []string        // candidate events offered to the state machine
	Response string          // text appended to the turn's reply
	Cards    []models.Card   // UI cards appended to the reply
	Buttons  []models.Button // buttons appended to the reply
	Pause    bool            // engine must pause after this action
}

// Executor is the uniform contract every action handler satisfies.
type Executor interface {
	// Name is the registry key referenced by flow actions.
	Name() string
	// Execute runs the action with its interpolated config.
	Execute(ctx context.Context, config map[string]any, tc *TurnContext) (*Result, error)
	// NeedsUserInput declares whether this executor consumes the inbound
	// user message. The engine will not auto-advance into a state whose
	// first action needs user input.
	NeedsUserInput() bool
}

// Registry is the name→executor lookup. Registration closes before the
// engine accepts traffic; duplicate names are a startup error.
type Registry struct {
	mu     sync.RWMutex
	m      map[string]Executor
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[string]Executor)}
}

// Register adds an executor. Duplicate names and post-close registration are
// errors.
func (r *Registry) Register(e Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("executor registry is closed, cannot register %q", e.Name())
	}
	if _, exists := r.m[e.Name()]; exists {
		return fmt.Errorf("duplicate executor registration: %q", e.Name())
	}
	r.m[e.Name()] = e
	return nil
}

// Close seals the registry. Called once at the end of startup wiring.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// Get returns the named executor.
func (r *Registry) Get(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.m[name]
	return e, ok
}

// Has reports whether the name is registered. Handed to the flow validator
// as its executor-existence check.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns all registered executor names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.m))
	for n := range r.m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
