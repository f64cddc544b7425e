package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/libra-sh/deploy-engine/internal/models"
)

// RunRepository defines the interface for workflow run persistence.
type RunRepository interface {
	// CreateRun inserts a new run in running state.
	CreateRun(ctx context.Context, run *models.WorkflowRun) error

	// GetRun retrieves a run by id.
	GetRun(ctx context.Context, id string) (*models.WorkflowRun, error)

	// UpdateRunStatus moves a run to a terminal or intermediate status.
	UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, failedStep, errMsg *string) error

	// ListRunsByStatus lists runs in a given status, oldest first.
	ListRunsByStatus(ctx context.Context, status models.RunStatus) ([]*models.WorkflowRun, error)

	// MarkStaleRunsFailed fails running runs not updated within olderThan.
	// Returns the number of runs reaped.
	MarkStaleRunsFailed(ctx context.Context, olderThan time.Duration) (int64, error)

	// GetStep retrieves the persisted record for one step of a run.
	GetStep(ctx context.Context, runID, stepName string) (*models.WorkflowStep, error)

	// SaveStep upserts a step record. A later save for the same (run, step)
	// replaces the earlier one.
	SaveStep(ctx context.Context, step *models.WorkflowStep) error

	// ListSteps lists all recorded steps of a run, oldest first.
	ListSteps(ctx context.Context, runID string) ([]*models.WorkflowStep, error)
}

type runRepo struct {
	pool *pgxpool.Pool
}

var _ RunRepository = (*runRepo)(nil)

// NewRunRepository creates a new workflow run repository.
func NewRunRepository(pool *pgxpool.Pool) RunRepository {
	return &runRepo{pool: pool}
}

// CreateRun inserts a new run in running state.
func (r *runRepo) CreateRun(ctx context.Context, run *models.WorkflowRun) error {
	query := `
		INSERT INTO workflow_runs (id, project_id, organization_id, user_id, status)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := r.pool.Exec(ctx, query,
		run.ID,
		run.ProjectID,
		run.OrganizationID,
		run.UserID,
		run.Status,
	)
	if err != nil {
		return fmt.Errorf("CreateRun: %w", err)
	}
	return nil
}

// GetRun retrieves a run by id.
func (r *runRepo) GetRun(ctx context.Context, id string) (*models.WorkflowRun, error) {
	query := `
		SELECT id, project_id, organization_id, user_id, status,
		       failed_step, error_message, created_at, updated_at
		FROM workflow_runs
		WHERE id = $1`

	var run models.WorkflowRun
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&run.ID,
		&run.ProjectID,
		&run.OrganizationID,
		&run.UserID,
		&run.Status,
		&run.FailedStep,
		&run.ErrorMessage,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetRun: %w", err)
	}
	return &run, nil
}

// UpdateRunStatus moves a run to a new status.
func (r *runRepo) UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, failedStep, errMsg *string) error {
	query := `
		UPDATE workflow_runs
		SET status = $2, failed_step = $3, error_message = $4, updated_at = NOW()
		WHERE id = $1`

	tag, err := r.pool.Exec(ctx, query, id, status, failedStep, errMsg)
	if err != nil {
		return fmt.Errorf("UpdateRunStatus: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRunsByStatus lists runs in a given status, oldest first.
func (r *runRepo) ListRunsByStatus(ctx context.Context, status models.RunStatus) ([]*models.WorkflowRun, error) {
	query := `
		SELECT id, project_id, organization_id, user_id, status,
		       failed_step, error_message, created_at, updated_at
		FROM workflow_runs
		WHERE status = $1
		ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("ListRunsByStatus: %w", err)
	}
	defer rows.Close()

	var runs []*models.WorkflowRun
	for rows.Next() {
		var run models.WorkflowRun
		if err := rows.Scan(
			&run.ID,
			&run.ProjectID,
			&run.OrganizationID,
			&run.UserID,
			&run.Status,
			&run.FailedStep,
			&run.ErrorMessage,
			&run.CreatedAt,
			&run.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("ListRunsByStatus: scan: %w", err)
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// MarkStaleRunsFailed fails running runs whose last update is older than the cutoff.
func (r *runRepo) MarkStaleRunsFailed(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		UPDATE workflow_runs
		SET status = $1, error_message = 'workflow abandoned after process restart', updated_at = NOW()
		WHERE status = $2 AND updated_at < NOW() - $3::interval`

	interval := fmt.Sprintf("%d seconds", int(olderThan.Seconds()))
	tag, err := r.pool.Exec(ctx, query, models.RunStatusFailed, models.RunStatusRunning, interval)
	if err != nil {
		return 0, fmt.Errorf("MarkStaleRunsFailed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetStep retrieves the persisted record for one step of a run.
func (r *runRepo) GetStep(ctx context.Context, runID, stepName string) (*models.WorkflowStep, error) {
	query := `
		SELECT run_id, step_name, attempt, status, started_at, finished_at, result, error_message
		FROM workflow_steps
		WHERE run_id = $1 AND step_name = $2`

	var step models.WorkflowStep
	err := r.pool.QueryRow(ctx, query, runID, stepName).Scan(
		&step.RunID,
		&step.StepName,
		&step.Attempt,
		&step.Status,
		&step.StartedAt,
		&step.FinishedAt,
		&step.Result,
		&step.ErrorMessage,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetStep: %w", err)
	}
	return &step, nil
}

// SaveStep upserts a step record.
func (r *runRepo) SaveStep(ctx context.Context, step *models.WorkflowStep) error {
	query := `
		INSERT INTO workflow_steps (run_id, step_name, attempt, status, started_at, finished_at, result, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, step_name)
		DO UPDATE SET attempt = EXCLUDED.attempt,
		              status = EXCLUDED.status,
		              started_at = EXCLUDED.started_at,
		              finished_at = EXCLUDED.finished_at,
		              result = EXCLUDED.result,
		              error_message = EXCLUDED.error_message`

	_, err := r.pool.Exec(ctx, query,
		step.RunID,
		step.StepName,
		step.Attempt,
		step.Status,
		step.StartedAt,
		step.FinishedAt,
		step.Result,
		step.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("SaveStep: %w", err)
	}
	return nil
}

// ListSteps lists all recorded steps of a run, oldest first.
func (r *runRepo) ListSteps(ctx context.Context, runID string) ([]*models.WorkflowStep, error) {
	query := `
		SELECT run_id, step_name, attempt, status, started_at, finished_at, result, error_message
		FROM workflow_steps
		WHERE run_id = $1
		ORDER BY started_at ASC`

	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("ListSteps: %w", err)
	}
	defer rows.Close()

	var steps []*models.WorkflowStep
	for rows.Next() {
		var step models.WorkflowStep
		if err := rows.Scan(
			&step.RunID,
			&step.StepName,
			&step.Attempt,
			&step.Status,
			&step.StartedAt,
			&step.FinishedAt,
			&step.Result,
			&step.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("ListSteps: scan: %w", err)
		}
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}
