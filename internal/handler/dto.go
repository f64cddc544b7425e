package handler

import (
	"time"

	"github.com/libra-sh/deploy-engine/internal/engine"
	"github.com/libra-sh/deploy-engine/internal/models"
)

// statusDetails is the minimal status envelope used on create and cancel.
type statusDetails struct {
	Status string `json:"status"`
}

// createDeploymentResponse is the response for POST /v1/deployments.
type createDeploymentResponse struct {
	ID      string        `json:"id"`
	Details statusDetails `json:"details"`
}

// stepResponse is one step's externally visible state.
type stepResponse struct {
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Attempt    int       `json:"attempt"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Error      string    `json:"error,omitempty"`
}

// deploymentResponse is the response for GET /v1/deployments/{id}.
type deploymentResponse struct {
	ID         string         `json:"id"`
	ProjectID  string         `json:"projectId"`
	Status     string         `json:"status"`
	FailedStep string         `json:"failedStep,omitempty"`
	Error      string         `json:"error,omitempty"`
	Steps      []stepResponse `json:"steps,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// externalStatus maps internal run statuses onto the caller contract:
// running | completed | errored | terminated.
func externalStatus(status models.RunStatus) string {
	switch status {
	case models.RunStatusCompleted:
		return "completed"
	case models.RunStatusFailed:
		return "errored"
	case models.RunStatusCancelled:
		return "terminated"
	default:
		return "running"
	}
}

func toDeploymentResponse(details *engine.RunDetails) deploymentResponse {
	run := details.Run
	resp := deploymentResponse{
		ID:        run.ID,
		ProjectID: run.ProjectID,
		Status:    externalStatus(run.Status),
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
	}
	if run.FailedStep != nil {
		resp.FailedStep = *run.FailedStep
	}
	if run.ErrorMessage != nil {
		resp.Error = *run.ErrorMessage
	}

	for _, step := range details.Steps {
		sr := stepResponse{
			Name:       step.StepName,
			Status:     string(step.Status),
			Attempt:    step.Attempt,
			StartedAt:  step.StartedAt,
			FinishedAt: step.FinishedAt,
		}
		if step.ErrorMessage != nil {
			sr.Error = *step.ErrorMessage
		}
		resp.Steps = append(resp.Steps, sr)
	}
	return resp
}
