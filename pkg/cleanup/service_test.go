package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convogrid/convogrid/pkg/engine"
	"github.com/convogrid/convogrid/pkg/models"
	"github.com/convogrid/convogrid/pkg/orchestrator"
)

func TestSweepFailsStaleRuns(t *testing.T) {
	store := engine.NewMemoryRunStore()
	ctx := context.Background()

	stale := &models.FlowRun{
		RunID: "r-stale", FlowID: "f", SessionID: "s1",
		Status: models.RunWaiting, Context: map[string]any{},
		StartedAt: time.Now().Add(-time.Hour), UpdatedAt: time.Now().Add(-time.Hour),
	}
	fresh := &models.FlowRun{
		RunID: "r-fresh", FlowID: "f", SessionID: "s2",
		Status: models.RunWaiting, Context: map[string]any{},
		StartedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, store.CreateRun(ctx, stale))
	require.NoError(t, store.CreateRun(ctx, fresh))

	svc := NewService(store, nil, Config{RunMaxIdle: 30 * time.Minute})
	svc.sweep(ctx)

	got, err := store.GetRun(ctx, "r-stale")
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, got.Status)

	got, err = store.GetRun(ctx, "r-fresh")
	require.NoError(t, err)
	assert.Equal(t, models.RunWaiting, got.Status)
}

func TestSweepScrubsDedup(t *testing.T) {
	dedup := orchestrator.NewDedup(time.Millisecond)
	dedup.Duplicate("s", "hello")
	time.Sleep(5 * time.Millisecond)

	svc := NewService(nil, dedup, Config{})
	svc.sweep(context.Background())
	assert.Equal(t, 0, dedup.Len())
}

func TestStartStop(t *testing.T) {
	svc := NewService(engine.NewMemoryRunStore(), orchestrator.NewDedup(0), Config{Interval: 10 * time.Millisecond})
	svc.Start(context.Background())
	time.Sleep(25 * time.Millisecond)
	svc.Stop()
}
