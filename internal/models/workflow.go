package models

import (
	"encoding/json"
	"time"
)

// RunStatus tracks the lifecycle of one workflow run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// WorkflowRun is one durable execution of the deployment pipeline.
type WorkflowRun struct {
	ID             string    `json:"id" db:"id"`
	ProjectID      string    `json:"project_id" db:"project_id"`
	OrganizationID string    `json:"organization_id" db:"organization_id"`
	UserID         string    `json:"user_id" db:"user_id"`
	Status         RunStatus `json:"status" db:"status"`
	FailedStep     *string   `json:"failed_step,omitempty" db:"failed_step"`
	ErrorMessage   *string   `json:"error_message,omitempty" db:"error_message"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// StepStatus is the terminal outcome of one step execution.
type StepStatus string

const (
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// WorkflowStep is the persisted record of one step within a run. A completed
// step's Result is returned on resume instead of re-running the step.
type WorkflowStep struct {
	RunID        string          `json:"run_id" db:"run_id"`
	StepName     string          `json:"step_name" db:"step_name"`
	Attempt      int             `json:"attempt" db:"attempt"`
	Status       StepStatus      `json:"status" db:"status"`
	StartedAt    time.Time       `json:"started_at" db:"started_at"`
	FinishedAt   time.Time       `json:"finished_at" db:"finished_at"`
	Result       json.RawMessage `json:"result,omitempty" db:"result"`
	ErrorMessage *string         `json:"error_message,omitempty" db:"error_message"`
}
