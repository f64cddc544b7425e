// Package models defines the data models for the deploy engine.
package models

import (
	"encoding/json"
	"time"
)

// DeploymentStatus tracks where a project is in its deployment lifecycle.
type DeploymentStatus string

const (
	// DeploymentIdle means no deployment has run or the last one finished long ago.
	DeploymentIdle DeploymentStatus = "idle"
	// DeploymentPreparing means validation and quota checks have passed.
	DeploymentPreparing DeploymentStatus = "preparing"
	// DeploymentBuilding means the project is being built in a sandbox.
	DeploymentBuilding DeploymentStatus = "building"
	// DeploymentDeploying means the built worker is being pushed to the edge.
	DeploymentDeploying DeploymentStatus = "deploying"
	// DeploymentDeployed means the worker is live.
	DeploymentDeployed DeploymentStatus = "deployed"
	// DeploymentFailed means the last deployment terminally failed.
	DeploymentFailed DeploymentStatus = "failed"
)

// Project represents a user project owned by an organization.
type Project struct {
	ID                  string           `json:"id" db:"id"`
	OrganizationID      string           `json:"organization_id" db:"organization_id"`
	IsActive            bool             `json:"is_active" db:"is_active"`
	MessageHistory      json.RawMessage  `json:"message_history" db:"message_history"`
	ProductionDeployURL *string          `json:"production_deploy_url,omitempty" db:"production_deploy_url"`
	WorkflowID          *string          `json:"workflow_id,omitempty" db:"workflow_id"`
	DeploymentStatus    DeploymentStatus `json:"deployment_status" db:"deployment_status"`
	Knowledge           *string          `json:"knowledge,omitempty" db:"knowledge"`
	CreatedAt           time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at" db:"updated_at"`
}
