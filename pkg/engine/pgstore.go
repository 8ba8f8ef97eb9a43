package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/convogrid/convogrid/pkg/models"
)

// PGRunStore is the PostgreSQL-backed RunStore. Runs are updated in place,
// steps are append-only with the index assigned transactionally, definitions
// are upserted by (id, version) with a latest pointer.
type PGRunStore struct {
	db *sql.DB
}

// NewPGRunStore wraps an open connection pool.
func NewPGRunStore(db *sql.DB) *PGRunStore {
	return &PGRunStore{db: db}
}

// CreateRun implements RunStore.
func (s *PGRunStore) CreateRun(ctx context.Context, run *models.FlowRun) error {
	contextJSON, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("encoding run context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flow_runs
			(run_id, flow_id, flow_version, session_id, current_state, status,
			 context, progress, started_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.RunID, run.FlowID, run.FlowVersion, run.SessionID, run.CurrentState,
		string(run.Status), contextJSON, run.Progress, run.StartedAt, run.UpdatedAt,
		run.CompletedAt)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", run.RunID, err)
	}
	return nil
}

// UpdateRun implements RunStore.
func (s *PGRunStore) UpdateRun(ctx context.Context, run *models.FlowRun) error {
	contextJSON, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("encoding run context: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE flow_runs
		SET current_state = $2, status = $3, context = $4, progress = $5,
		    updated_at = $6, completed_at = $7
		WHERE run_id = $1`,
		run.RunID, run.CurrentState, string(run.Status), contextJSON,
		run.Progress, run.UpdatedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("updating run %s: %w", run.RunID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.RunID)
	}
	return nil
}

// GetRun implements RunStore.
func (s *PGRunStore) GetRun(ctx context.Context, runID string) (*models.FlowRun, error) {
	return s.scanRun(s.db.QueryRowContext(ctx, `
		SELECT run_id, flow_id, flow_version, session_id, current_state, status,
		       context, progress, started_at, updated_at, completed_at
		FROM flow_runs
		WHERE run_id = $1`, runID), ErrRunNotFound)
}

// ActiveRun implements RunStore. The partial unique index guarantees at most
// one matching row per session.
func (s *PGRunStore) ActiveRun(ctx context.Context, sessionID string) (*models.FlowRun, error) {
	return s.scanRun(s.db.QueryRowContext(ctx, `
		SELECT run_id, flow_id, flow_version, session_id, current_state, status,
		       context, progress, started_at, updated_at, completed_at
		FROM flow_runs
		WHERE session_id = $1 AND status IN ('running', 'waiting')`, sessionID), ErrNoActiveRun)
}

func (s *PGRunStore) scanRun(row *sql.Row, notFound error) (*models.FlowRun, error) {
	var (
		run         models.FlowRun
		status      string
		contextJSON []byte
		completedAt sql.NullTime
	)
	err := row.Scan(&run.RunID, &run.FlowID, &run.FlowVersion, &run.SessionID,
		&run.CurrentState, &status, &contextJSON, &run.Progress,
		&run.StartedAt, &run.UpdatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning run: %w", err)
	}

	run.Status = models.RunStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if err := json.Unmarshal(contextJSON, &run.Context); err != nil {
		return nil, fmt.Errorf("decoding run context: %w", err)
	}
	if run.Context == nil {
		run.Context = make(map[string]any)
	}
	return &run, nil
}

// AppendStep implements RunStore. The step index is assigned inside the
// insert so concurrent turns on different runs never contend.
func (s *PGRunStore) AppendStep(ctx context.Context, step *models.FlowRunStep) error {
	actionsJSON, err := json.Marshal(step.ActionsExecuted)
	if err != nil {
		return fmt.Errorf("encoding step actions: %w", err)
	}
	deltaJSON, err := json.Marshal(step.OutputDelta)
	if err != nil {
		return fmt.Errorf("encoding step delta: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO flow_run_steps (run_id, step_index, state, event, actions, output_delta, ts)
		SELECT $1, COALESCE(MAX(step_index) + 1, 0), $2, $3, $4, $5, $6
		FROM flow_run_steps WHERE run_id = $1
		RETURNING step_index`,
		step.RunID, step.State, step.Event, actionsJSON, deltaJSON, step.Timestamp,
	).Scan(&step.StepIndex)
	if err != nil {
		return fmt.Errorf("appending step for run %s: %w", step.RunID, err)
	}
	return nil
}

// Steps implements RunStore.
func (s *PGRunStore) Steps(ctx context.Context, runID string) ([]*models.FlowRunStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, step_index, state, event, actions, output_delta, ts
		FROM flow_run_steps
		WHERE run_id = $1
		ORDER BY step_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying steps for run %s: %w", runID, err)
	}
	defer rows.Close()

	var steps []*models.FlowRunStep
	for rows.Next() {
		var (
			step        models.FlowRunStep
			actionsJSON []byte
			deltaJSON   []byte
		)
		if err := rows.Scan(&step.RunID, &step.StepIndex, &step.State, &step.Event,
			&actionsJSON, &deltaJSON, &step.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning step: %w", err)
		}
		if len(actionsJSON) > 0 {
			if err := json.Unmarshal(actionsJSON, &step.ActionsExecuted); err != nil {
				return nil, fmt.Errorf("decoding step actions: %w", err)
			}
		}
		if len(deltaJSON) > 0 {
			if err := json.Unmarshal(deltaJSON, &step.OutputDelta); err != nil {
				return nil, fmt.Errorf("decoding step delta: %w", err)
			}
		}
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}

// UpsertDefinition implements RunStore.
func (s *PGRunStore) UpsertDefinition(ctx context.Context, def *models.FlowDefinition) error {
	defJSON, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encoding definition %s: %w", def.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert for %s: %w", def.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE flow_definitions SET is_latest = FALSE WHERE id = $1 AND version <> $2`,
		def.ID, def.Version); err != nil {
		return fmt.Errorf("demoting old versions of %s: %w", def.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO flow_definitions (id, version, definition, is_latest, updated_at)
		VALUES ($1, $2, $3, TRUE, now())
		ON CONFLICT (id, version)
		DO UPDATE SET definition = EXCLUDED.definition, is_latest = TRUE, updated_at = now()`,
		def.ID, def.Version, defJSON); err != nil {
		return fmt.Errorf("upserting definition %s: %w", def.ID, err)
	}
	return tx.Commit()
}

// FailStaleRuns implements RunStore.
func (s *PGRunStore) FailStaleRuns(ctx context.Context, maxIdle time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxIdle)
	result, err := s.db.ExecContext(ctx, `
		UPDATE flow_runs
		SET status = 'failed', updated_at = now(), completed_at = now()
		WHERE status IN ('running', 'waiting') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweeping stale runs: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}
