// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/libra-sh/deploy-engine/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ProjectRepository defines the interface for project operations.
type ProjectRepository interface {
	// GetByIDAndOrg retrieves a project scoped to its owning organization.
	GetByIDAndOrg(ctx context.Context, projectID, orgID string) (*models.Project, error)

	// BeginDeployment marks an active project as preparing and records the
	// workflow driving it. Fails with ErrNotFound if the project does not
	// exist or is inactive.
	BeginDeployment(ctx context.Context, projectID, orgID, workflowID string) error

	// SetDeploymentStatus updates only the deployment status column.
	SetDeploymentStatus(ctx context.Context, projectID string, status models.DeploymentStatus) error

	// FinishDeployment records the production URL and marks the project
	// deployed. The workflow id stays on the row for audit.
	FinishDeployment(ctx context.Context, projectID, deployURL string) error

	// FailDeployment marks the project failed, keeping the workflow id.
	FailDeployment(ctx context.Context, projectID string) error
}

type projectRepo struct {
	pool *pgxpool.Pool
}

var _ ProjectRepository = (*projectRepo)(nil)

// NewProjectRepository creates a new project repository.
func NewProjectRepository(pool *pgxpool.Pool) ProjectRepository {
	return &projectRepo{pool: pool}
}

// GetByIDAndOrg retrieves a project scoped to its owning organization.
func (r *projectRepo) GetByIDAndOrg(ctx context.Context, projectID, orgID string) (*models.Project, error) {
	query := `
		SELECT id, organization_id, is_active, message_history,
		       production_deploy_url, workflow_id, deployment_status,
		       knowledge, created_at, updated_at
		FROM projects
		WHERE id = $1 AND organization_id = $2`

	var p models.Project
	err := r.pool.QueryRow(ctx, query, projectID, orgID).Scan(
		&p.ID,
		&p.OrganizationID,
		&p.IsActive,
		&p.MessageHistory,
		&p.ProductionDeployURL,
		&p.WorkflowID,
		&p.DeploymentStatus,
		&p.Knowledge,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetByIDAndOrg: %w", err)
	}
	return &p, nil
}

// BeginDeployment marks an active project as preparing under workflowID.
func (r *projectRepo) BeginDeployment(ctx context.Context, projectID, orgID, workflowID string) error {
	query := `
		UPDATE projects
		SET workflow_id = $3,
		    deployment_status = $4,
		    updated_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND is_active`

	tag, err := r.pool.Exec(ctx, query, projectID, orgID, workflowID, models.DeploymentPreparing)
	if err != nil {
		return fmt.Errorf("BeginDeployment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDeploymentStatus updates only the deployment status column.
func (r *projectRepo) SetDeploymentStatus(ctx context.Context, projectID string, status models.DeploymentStatus) error {
	query := `
		UPDATE projects
		SET deployment_status = $2, updated_at = NOW()
		WHERE id = $1`

	tag, err := r.pool.Exec(ctx, query, projectID, status)
	if err != nil {
		return fmt.Errorf("SetDeploymentStatus: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishDeployment records the production URL and marks the project deployed.
// The workflow id set by BeginDeployment is kept for audit.
func (r *projectRepo) FinishDeployment(ctx context.Context, projectID, deployURL string) error {
	query := `
		UPDATE projects
		SET production_deploy_url = $2,
		    deployment_status = $3,
		    updated_at = NOW()
		WHERE id = $1`

	tag, err := r.pool.Exec(ctx, query, projectID, deployURL, models.DeploymentDeployed)
	if err != nil {
		return fmt.Errorf("FinishDeployment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FailDeployment marks the project failed. The workflow id set by
// BeginDeployment is kept for audit.
func (r *projectRepo) FailDeployment(ctx context.Context, projectID string) error {
	query := `
		UPDATE projects
		SET deployment_status = $2,
		    updated_at = NOW()
		WHERE id = $1`

	tag, err := r.pool.Exec(ctx, query, projectID, models.DeploymentFailed)
	if err != nil {
		return fmt.Errorf("FailDeployment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
