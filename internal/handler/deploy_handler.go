// Package handler implements the HTTP API for deployment workflows.
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/libra-sh/deploy-engine/internal/engine"
	"github.com/libra-sh/deploy-engine/internal/models"
	apierrors "github.com/libra-sh/deploy-engine/internal/pkg/errors"
	"github.com/libra-sh/deploy-engine/internal/pkg/response"
	"github.com/libra-sh/deploy-engine/internal/pkg/ulid"
)

// DeploymentService is the engine surface the handler depends on.
type DeploymentService interface {
	CreateDeployment(ctx context.Context, params engine.DeploymentParams) (*models.WorkflowRun, error)
	GetDeployment(ctx context.Context, id string) (*engine.RunDetails, error)
	CancelDeployment(ctx context.Context, id string) error
}

// DeploymentHandler handles deployment-related HTTP requests.
type DeploymentHandler struct {
	service DeploymentService
}

// NewDeploymentHandler creates a new deployment handler.
func NewDeploymentHandler(service DeploymentService) *DeploymentHandler {
	return &DeploymentHandler{service: service}
}

// Routes returns a chi router with all deployment routes configured.
func (h *DeploymentHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)            // POST /v1/deployments
	r.Get("/{id}", h.Get)            // GET /v1/deployments/{id}
	r.Get("/{id}/status", h.Get)     // GET /v1/deployments/{id}/status (alias)
	r.Post("/{id}/cancel", h.Cancel) // POST /v1/deployments/{id}/cancel

	return r
}

// Create handles POST /v1/deployments
func (h *DeploymentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var params engine.DeploymentParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("invalid request body"))
		return
	}

	// The engine is authoritative against the stored project record;
	// client-supplied snapshots are a tainted input.
	if isPresent(params.InitFiles) {
		response.Error(w, apierrors.NewValidationError("initFiles", "initFiles is derived server-side and must not be supplied"))
		return
	}
	if isPresent(params.HistoryMessages) {
		response.Error(w, apierrors.NewValidationError("historyMessages", "historyMessages is read from the project record and must not be supplied"))
		return
	}

	run, err := h.service.CreateDeployment(r.Context(), params)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.Accepted(w, createDeploymentResponse{
		ID:      run.ID,
		Details: statusDetails{Status: externalStatus(run.Status)},
	})
}

// Get handles GET /v1/deployments/{id}
func (h *DeploymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !ulid.IsValid(id) {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("invalid deployment ID"))
		return
	}

	details, err := h.service.GetDeployment(r.Context(), id)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, toDeploymentResponse(details))
}

// Cancel handles POST /v1/deployments/{id}/cancel
func (h *DeploymentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !ulid.IsValid(id) {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("invalid deployment ID"))
		return
	}

	if err := h.service.CancelDeployment(r.Context(), id); err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, statusDetails{Status: "terminating"})
}

// isPresent reports whether a raw JSON field carries a real value.
func isPresent(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}
