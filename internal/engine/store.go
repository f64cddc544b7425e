package engine

import (
	"context"

	"github.com/libra-sh/deploy-engine/internal/models"
)

// StepStore persists step outcomes for resume. repository.RunRepository
// satisfies it; tests use an in-memory implementation.
type StepStore interface {
	// GetStep returns the record for (runID, stepName), or
	// repository.ErrNotFound when the step has never finished.
	GetStep(ctx context.Context, runID, stepName string) (*models.WorkflowStep, error)

	// SaveStep upserts a step record.
	SaveStep(ctx context.Context, step *models.WorkflowStep) error
}
