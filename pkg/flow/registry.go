package flow

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/convogrid/convogrid/pkg/models"
)

// DefaultCacheTTL is how long the registry serves its cache before
// re-running the loader. Edited YAML files under the config dir are picked
// up within this window without a restart.
const DefaultCacheTTL = 5 * time.Minute

// Registry is the in-memory flow lookup: by ID for resuming runs, by trigger
// for intent routing. Reload failures keep the previous cache.
type Registry struct {
	loader func() ([]*models.FlowDefinition, error)
	ttl    time.Duration

	mu        sync.RWMutex
	byID      map[string]*models.FlowDefinition
	byTrigger map[string]*models.FlowDefinition
	loadedAt  time.Time
}

// NewRegistry builds a registry around a loader and performs the initial
// load. ttl <= 0 selects DefaultCacheTTL.
func NewRegistry(loader func() ([]*models.FlowDefinition, error), ttl time.Duration) (*Registry, error) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	r := &Registry{loader: loader, ttl: ttl}
	if err := r.reload(); err != nil {
		return nil, fmt.Errorf("initial flow load failed: %w", err)
	}
	return r, nil
}

// Get returns the definition with the given ID.
func (r *Registry) Get(id string) (*models.FlowDefinition, error) {
	r.refreshIfStale()
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, id)
	}
	return def, nil
}

// ByTrigger returns the flow claiming the given intent.
func (r *Registry) ByTrigger(intent string) (*models.FlowDefinition, error) {
	r.refreshIfStale()
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byTrigger[intent]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoFlowForTrigger, intent)
	}
	return def, nil
}

// Triggers returns all registered trigger intents, sorted. The NLU fallback
// uses this as its closed intent set.
func (r *Registry) Triggers() []string {
	r.refreshIfStale()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byTrigger))
	for t := range r.byTrigger {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// All returns every registered definition, sorted by ID.
func (r *Registry) All() []*models.FlowDefinition {
	r.refreshIfStale()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.FlowDefinition, 0, len(r.byID))
	for _, def := range r.byID {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Invalidate forces the next read to reload.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadedAt = time.Time{}
}

func (r *Registry) refreshIfStale() {
	r.mu.RLock()
	stale := time.Since(r.loadedAt) > r.ttl
	r.mu.RUnlock()
	if !stale {
		return
	}
	if err := r.reload(); err != nil {
		// Serve the previous cache rather than failing reads.
		slog.Warn("Flow registry reload failed, keeping cached definitions", "error", err)
		r.mu.Lock()
		r.loadedAt = time.Now()
		r.mu.Unlock()
	}
}

func (r *Registry) reload() error {
	defs, err := r.loader()
	if err != nil {
		return err
	}
	byID := make(map[string]*models.FlowDefinition, len(defs))
	byTrigger := make(map[string]*models.FlowDefinition)
	for _, def := range defs {
		byID[def.ID] = def
		if def.Trigger != "" {
			byTrigger[def.Trigger] = def
		}
	}

	r.mu.Lock()
	r.byID = byID
	r.byTrigger = byTrigger
	r.loadedAt = time.Now()
	r.mu.Unlock()

	slog.Info("Flow registry loaded", "flows", len(byID), "triggers", len(byTrigger))
	return nil
}
