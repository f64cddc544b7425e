package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/libra-sh/deploy-engine/internal/config"
	"github.com/libra-sh/deploy-engine/internal/database"
	"github.com/libra-sh/deploy-engine/internal/history"
	"github.com/libra-sh/deploy-engine/internal/models"
	apierrors "github.com/libra-sh/deploy-engine/internal/pkg/errors"
	"github.com/libra-sh/deploy-engine/internal/pkg/ulid"
	"github.com/libra-sh/deploy-engine/internal/quota"
	"github.com/libra-sh/deploy-engine/internal/repository"
	"github.com/libra-sh/deploy-engine/internal/sandbox"
)

// DeploymentParams is the payload that starts a deployment. InitFiles and
// HistoryMessages are accepted for wire compatibility but must be empty:
// the engine is authoritative against the stored project record.
type DeploymentParams struct {
	ProjectID       string          `json:"projectId" validate:"required,max=128"`
	OrgID           string          `json:"orgId" validate:"required,max=128"`
	UserID          string          `json:"userId" validate:"required,max=128"`
	CustomDomain    string          `json:"customDomain,omitempty" validate:"omitempty,hostname_rfc1123"`
	InitFiles       json.RawMessage `json:"initFiles,omitempty"`
	HistoryMessages json.RawMessage `json:"historyMessages,omitempty"`
}

// RunDetails is the engine's view of one run for status queries.
type RunDetails struct {
	Run   *models.WorkflowRun    `json:"run"`
	Steps []*models.WorkflowStep `json:"steps,omitempty"`
}

const (
	runCacheKeyPrefix = "deploy:run:"
	runCacheTTL       = 10 * time.Second
)

// Engine creates, resumes, and cancels deployment workflows. One Engine per
// process; each workflow runs on its own goroutine with strictly sequential
// steps.
type Engine struct {
	cfg          *config.Config
	projects     repository.ProjectRepository
	runs         repository.RunRepository
	ledger       quota.Ledger
	sandboxes    *sandbox.Registry
	materializer *history.Materializer
	cache        *database.Redis
	validate     *validator.Validate
	logger       *slog.Logger

	mu          sync.Mutex
	runningJobs map[string]context.CancelFunc
	wg          sync.WaitGroup

	// sleep overrides the executor's backoff wait; tests skip real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine wires the engine with its collaborators. cache may be nil; the
// engine then serves status queries straight from the database.
func NewEngine(
	cfg *config.Config,
	projects repository.ProjectRepository,
	runs repository.RunRepository,
	ledger quota.Ledger,
	sandboxes *sandbox.Registry,
	cache *database.Redis,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:          cfg,
		projects:     projects,
		runs:         runs,
		ledger:       ledger,
		sandboxes:    sandboxes,
		materializer: history.NewMaterializer(logger),
		cache:        cache,
		validate:     validator.New(),
		logger:       logger,
		runningJobs:  make(map[string]context.CancelFunc),
	}
}

// CreateDeployment validates params, records a new run, and starts its
// workflow goroutine. The run id is returned immediately; callers poll
// GetDeployment for progress.
func (e *Engine) CreateDeployment(ctx context.Context, params DeploymentParams) (*models.WorkflowRun, error) {
	if err := e.validate.Struct(params); err != nil {
		return nil, apierrors.ErrBadRequest.WithDetails(err.Error())
	}

	run := &models.WorkflowRun{
		ID:             ulid.New(),
		ProjectID:      params.ProjectID,
		OrganizationID: params.OrgID,
		UserID:         params.UserID,
		Status:         models.RunStatusRunning,
	}
	if err := e.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("CreateDeployment: %w", err)
	}

	e.start(run)
	return run, nil
}

// GetDeployment returns a run with its recorded steps, served from the
// short-lived cache when possible.
func (e *Engine) GetDeployment(ctx context.Context, id string) (*RunDetails, error) {
	cacheKey := runCacheKeyPrefix + id
	if e.cache != nil {
		if cached, err := e.cache.Get(ctx, cacheKey); err == nil && cached != "" {
			var details RunDetails
			if err := json.Unmarshal([]byte(cached), &details); err == nil {
				return &details, nil
			}
		}
	}

	run, err := e.runs.GetRun(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, apierrors.NewNotFoundError("deployment")
		}
		return nil, fmt.Errorf("GetDeployment: %w", err)
	}

	steps, err := e.runs.ListSteps(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("GetDeployment: %w", err)
	}

	details := &RunDetails{Run: run, Steps: steps}
	if e.cache != nil {
		if data, err := json.Marshal(details); err == nil {
			if err := e.cache.Set(ctx, cacheKey, string(data), runCacheTTL); err != nil {
				e.logger.Debug("run cache write failed", slog.String("error", err.Error()))
			}
		}
	}
	return details, nil
}

// CancelDeployment requests a cooperative stop. A workflow owned by this
// process is cancelled between steps; a run owned by a dead process is
// marked terminated directly.
func (e *Engine) CancelDeployment(ctx context.Context, id string) error {
	e.mu.Lock()
	cancel, owned := e.runningJobs[id]
	e.mu.Unlock()

	if owned {
		cancel()
		return nil
	}

	run, err := e.runs.GetRun(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return apierrors.NewNotFoundError("deployment")
		}
		return fmt.Errorf("CancelDeployment: %w", err)
	}
	if run.Status != models.RunStatusRunning {
		return apierrors.ErrConflict.WithMessage("Deployment already finished")
	}

	if err := e.runs.UpdateRunStatus(ctx, id, models.RunStatusCancelled, nil, nil); err != nil {
		return fmt.Errorf("CancelDeployment: %w", err)
	}
	e.invalidateCache(ctx, id)
	return nil
}

// ResumePending restarts workflows that were running when the previous
// process stopped. Completed steps replay from their persisted results.
func (e *Engine) ResumePending(ctx context.Context) error {
	runs, err := e.runs.ListRunsByStatus(ctx, models.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("ResumePending: %w", err)
	}

	for _, run := range runs {
		e.logger.Info("resuming workflow",
			slog.String("run_id", run.ID),
			slog.String("project_id", run.ProjectID))
		e.start(run)
	}

	if len(runs) > 0 {
		e.logger.Info("pending workflows resumed", slog.Int("count", len(runs)))
	}
	return nil
}

// StartReaper periodically fails runs that stopped heartbeating, covering
// processes that died without resuming their work.
func (e *Engine) StartReaper(ctx context.Context, interval time.Duration) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reaped, err := e.runs.MarkStaleRunsFailed(ctx, e.cfg.Deploy.StaleRunAfter)
				if err != nil {
					e.logger.Error("stale run reaper failed", slog.String("error", err.Error()))
					continue
				}
				if reaped > 0 {
					staleRunsReaped.Add(float64(reaped))
					e.logger.Warn("stale workflows reaped", slog.Int64("count", reaped))
				}
			}
		}
	}()
}

// Shutdown cancels all running workflows and waits for them to record their
// final state.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	for _, cancel := range e.runningJobs {
		cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// start launches one workflow goroutine and registers its cancel handle.
func (e *Engine) start(run *models.WorkflowRun) {
	ctx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	e.runningJobs[run.ID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	activeWorkflows.Inc()

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.runningJobs, run.ID)
			e.mu.Unlock()
			cancel()
			activeWorkflows.Dec()
			e.wg.Done()
		}()
		e.runWorkflow(ctx, run)
	}()
}

// runWorkflow executes the pipeline and records the terminal state.
func (e *Engine) runWorkflow(ctx context.Context, run *models.WorkflowRun) {
	started := time.Now()
	logger := e.logger.With(
		slog.String("run_id", run.ID),
		slog.String("project_id", run.ProjectID),
		slog.String("org_id", run.OrganizationID))
	logger.Info("workflow started")

	ex := NewExecutor(run.ID, e.runs, logger)
	ex.sanitize = func(msg string) string {
		return apierrors.Sanitize(msg, e.cfg.Cloudflare.APIToken, e.cfg.Cloudflare.AccountID)
	}
	if e.sleep != nil {
		ex.sleep = e.sleep
	}

	workerURL, failedStep, err := e.runSteps(ctx, run, ex)

	// Terminal bookkeeping must survive workflow cancellation.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err != nil {
		e.failWorkflow(finishCtx, run, failedStep, err, logger)
		workflowsTotal.WithLabelValues("failed").Inc()
		workflowDuration.Observe(time.Since(started).Seconds())
		return
	}

	if err := e.runs.UpdateRunStatus(finishCtx, run.ID, models.RunStatusCompleted, nil, nil); err != nil {
		logger.Error("failed to mark run completed", slog.String("error", err.Error()))
	}
	e.invalidateCache(finishCtx, run.ID)

	workflowsTotal.WithLabelValues("completed").Inc()
	workflowDuration.Observe(time.Since(started).Seconds())
	logger.Info("workflow completed",
		slog.String("worker_url", workerURL),
		slog.Float64("duration_sec", time.Since(started).Seconds()))
}

// failWorkflow records a failed or cancelled run, marks the project, and
// tears down any sandbox the run still holds. Deploy quota is intentionally
// not refunded here.
func (e *Engine) failWorkflow(ctx context.Context, run *models.WorkflowRun, failedStep string, stepErr error, logger *slog.Logger) {
	status := models.RunStatusFailed
	if errors.Is(stepErr, apierrors.ErrCancelled) {
		status = models.RunStatusCancelled
	}

	msg := apierrors.Sanitize(stepErr.Error(), e.cfg.Cloudflare.APIToken, e.cfg.Cloudflare.AccountID)
	if err := e.runs.UpdateRunStatus(ctx, run.ID, status, &failedStep, &msg); err != nil {
		logger.Error("failed to mark run failed", slog.String("error", err.Error()))
	}

	if failedStep != stepValidateAndPrepare {
		if err := e.projects.FailDeployment(ctx, run.ProjectID); err != nil {
			logger.Error("failed to mark project failed", slog.String("error", err.Error()))
		}
	}

	// A sandbox created before the failure would otherwise live until the
	// provider reaps it.
	if prior, err := e.runs.GetStep(ctx, run.ID, stepCreateSandbox); err == nil && prior.Status == models.StepStatusCompleted {
		var sbx sandboxResult
		if err := json.Unmarshal(prior.Result, &sbx); err == nil {
			e.terminateSandbox(ctx, run.ID, sbx)
		}
	}

	e.invalidateCache(ctx, run.ID)
	logger.Warn("workflow failed",
		slog.String("failed_step", failedStep),
		slog.String("status", string(status)),
		slog.String("error", msg))
}

func (e *Engine) invalidateCache(ctx context.Context, runID string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Delete(ctx, runCacheKeyPrefix+runID); err != nil {
		e.logger.Debug("run cache invalidation failed", slog.String("error", err.Error()))
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}
