// Package cleanup runs the background janitor: stale active runs are failed
// so sessions can start fresh, and the dedup cache is scrubbed of expired
// entries.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/convogrid/convogrid/pkg/engine"
	"github.com/convogrid/convogrid/pkg/orchestrator"
)

// Defaults for the janitor.
const (
	DefaultInterval   = time.Minute
	DefaultRunMaxIdle = 30 * time.Minute
)

// Config bounds the janitor.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration
	// RunMaxIdle is how long an active run may sit untouched before it is
	// failed.
	RunMaxIdle time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.RunMaxIdle <= 0 {
		c.RunMaxIdle = DefaultRunMaxIdle
	}
	return c
}

// Service is the periodic sweeper. All operations are idempotent and safe to
// run from multiple instances.
type Service struct {
	store engine.RunStore
	dedup *orchestrator.Dedup
	cfg   Config

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the janitor.
func NewService(store engine.RunStore, dedup *orchestrator.Dedup, cfg Config) *Service {
	return &Service{store: store, dedup: dedup, cfg: cfg.withDefaults()}
}

// Start launches the background loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Janitor started", "interval", s.cfg.Interval, "run_max_idle", s.cfg.RunMaxIdle)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Janitor stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	if s.store != nil {
		count, err := s.store.FailStaleRuns(ctx, s.cfg.RunMaxIdle)
		if err != nil {
			slog.Error("Janitor: stale run sweep failed", "error", err)
		} else if count > 0 {
			slog.Info("Janitor: failed stale runs", "count", count)
		}
	}

	if s.dedup != nil {
		if removed := s.dedup.Scrub(); removed > 0 {
			slog.Debug("Janitor: scrubbed dedup cache", "removed", removed)
		}
	}
}
