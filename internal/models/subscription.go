package models

import (
	"time"

	"github.com/google/uuid"
)

// PlanName identifies a subscription tier. PlanFree is the distinguished
// free tier; every other value is treated as a paid plan.
type PlanName string

const (
	PlanFree PlanName = "FREE"
	PlanPro  PlanName = "PRO"
	PlanMax  PlanName = "MAX"
)

// IsFree reports whether the plan is the free tier.
func (p PlanName) IsFree() bool {
	return p == PlanFree
}

// SubscriptionLimit is the per-organization, per-plan quota row.
type SubscriptionLimit struct {
	ID             uuid.UUID `json:"id" db:"id"`
	OrganizationID string    `json:"organization_id" db:"organization_id"`
	PlanName       PlanName  `json:"plan_name" db:"plan_name"`
	PlanID         string    `json:"plan_id" db:"plan_id"`
	IsActive       bool      `json:"is_active" db:"is_active"`
	AINums         int       `json:"ai_nums" db:"ai_nums"`
	EnhanceNums    int       `json:"enhance_nums" db:"enhance_nums"`
	UploadLimit    int       `json:"upload_limit" db:"upload_limit"`
	DeployLimit    int       `json:"deploy_limit" db:"deploy_limit"`
	Seats          int       `json:"seats" db:"seats"`
	ProjectNums    int       `json:"project_nums" db:"project_nums"`
	PeriodStart    time.Time `json:"period_start" db:"period_start"`
	PeriodEnd      time.Time `json:"period_end" db:"period_end"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// PlanLimits holds the default quota allocation for a plan.
type PlanLimits struct {
	AINums      int
	EnhanceNums int
	UploadLimit int
	DeployLimit int
	Seats       int
	ProjectNums int
}

var planLimits = map[PlanName]PlanLimits{
	PlanFree: {
		AINums:      10,
		EnhanceNums: 10,
		UploadLimit: 5,
		DeployLimit: 5,
		Seats:       1,
		ProjectNums: 3,
	},
	PlanPro: {
		AINums:      200,
		EnhanceNums: 200,
		UploadLimit: 100,
		DeployLimit: 100,
		Seats:       5,
		ProjectNums: 20,
	},
	PlanMax: {
		AINums:      1000,
		EnhanceNums: 1000,
		UploadLimit: 500,
		DeployLimit: 500,
		Seats:       20,
		ProjectNums: 100,
	},
}

// GetPlanLimits returns the default quota allocation for a plan.
// Unknown plans fall back to the free tier defaults.
func GetPlanLimits(plan PlanName) PlanLimits {
	if limits, ok := planLimits[plan]; ok {
		return limits
	}
	return planLimits[PlanFree]
}
