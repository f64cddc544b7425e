package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/libra-sh/deploy-engine/internal/history"
	"github.com/libra-sh/deploy-engine/internal/models"
	apierrors "github.com/libra-sh/deploy-engine/internal/pkg/errors"
	"github.com/libra-sh/deploy-engine/internal/sandbox"
)

// Step names, in pipeline order.
const (
	stepValidateAndPrepare = "validate-and-prepare"
	stepCreateSandbox      = "create-sandbox"
	stepSyncFiles          = "sync-files"
	stepBuildProject       = "build-project"
	stepDeployToCloudflare = "deploy-to-cloudflare"
	stepUpdateAndCleanup   = "update-database-and-cleanup"
)

// sandboxRootPath is where the builder template lives inside every sandbox.
var sandboxRootPath = "/home/user/vite-shadcn-template-builder-libra/"

// mockSandboxPrefix marks sandboxes that need no remote termination.
const mockSandboxPrefix = "sandbox-"

// builderTemplateName is the embedded file template all projects start from.
const builderTemplateName = "vite-shadcn-template-builder-libra"

// Per-step execution policies. Sandbox creation and edge deploys back off
// exponentially; everything else retries on a short linear schedule.
var (
	policyPrepare = StepPolicy{Retry: RetryPolicy{Limit: 3, Delay: 2 * time.Second, Backoff: BackoffLinear}, Timeout: 60 * time.Second}
	policySandbox = StepPolicy{Retry: RetryPolicy{Limit: 2, Delay: 5 * time.Second, Backoff: BackoffExponential}, Timeout: 60 * time.Second}
	policySync    = StepPolicy{Retry: RetryPolicy{Limit: 3, Delay: 3 * time.Second, Backoff: BackoffLinear}, Timeout: 60 * time.Second}
	policyBuild   = StepPolicy{Retry: RetryPolicy{Limit: 2, Delay: 10 * time.Second, Backoff: BackoffLinear}, Timeout: 60 * time.Second}
	policyDeploy  = StepPolicy{Retry: RetryPolicy{Limit: 5, Delay: 5 * time.Second, Backoff: BackoffExponential}, Timeout: 60 * time.Second}
	policyCleanup = StepPolicy{Retry: RetryPolicy{Limit: 3, Delay: 2 * time.Second, Backoff: BackoffLinear}, Timeout: 60 * time.Second}
)

// Step result types. These are the durable cross-step state: anything a
// later step (or a resumed run) needs must live here.
type prepareResult struct {
	WorkerName    string `json:"workerName"`
	Template      string `json:"template"`
	TimeoutSec    int    `json:"timeoutSec"`
	QuotaDeducted bool   `json:"quotaDeducted"`
}

type sandboxResult struct {
	SandboxID string `json:"sandboxId"`
	Provider  string `json:"provider"`
}

type syncResult struct {
	FilesSynced int  `json:"filesSynced"`
	BuildReady  bool `json:"buildReady"`
}

type buildResult struct {
	BuildSuccess bool   `json:"buildSuccess"`
	Output       string `json:"output"`
}

type deployResult struct {
	WorkerURL string `json:"workerUrl"`
}

type cleanupResult struct {
	DatabaseUpdated bool `json:"databaseUpdated"`
	SandboxCleaned  bool `json:"sandboxCleaned"`
}

// runSteps drives the six-step pipeline for one run. It returns the final
// worker URL on success, and the name of the failed step otherwise.
func (e *Engine) runSteps(ctx context.Context, run *models.WorkflowRun, ex *Executor) (string, string, error) {
	prep, err := Do(ctx, ex, stepValidateAndPrepare, policyPrepare, func(ctx context.Context) (prepareResult, error) {
		return e.validateAndPrepare(ctx, run)
	})
	if err != nil {
		return "", stepValidateAndPrepare, err
	}

	sbx, err := Do(ctx, ex, stepCreateSandbox, policySandbox, func(ctx context.Context) (sandboxResult, error) {
		return e.createSandbox(ctx, prep)
	})
	if err != nil {
		return "", stepCreateSandbox, err
	}

	if _, err := Do(ctx, ex, stepSyncFiles, policySync, func(ctx context.Context) (syncResult, error) {
		return e.syncFiles(ctx, run, sbx)
	}); err != nil {
		return "", stepSyncFiles, err
	}

	if _, err := Do(ctx, ex, stepBuildProject, policyBuild, func(ctx context.Context) (buildResult, error) {
		return e.buildProject(ctx, run, sbx)
	}); err != nil {
		return "", stepBuildProject, err
	}

	deploy, err := Do(ctx, ex, stepDeployToCloudflare, policyDeploy, func(ctx context.Context) (deployResult, error) {
		return e.deployToCloudflare(ctx, run, prep, sbx)
	})
	if err != nil {
		return "", stepDeployToCloudflare, err
	}

	if _, err := Do(ctx, ex, stepUpdateAndCleanup, policyCleanup, func(ctx context.Context) (cleanupResult, error) {
		return e.updateDatabaseAndCleanup(ctx, run, sbx, deploy.WorkerURL)
	}); err != nil {
		return "", stepUpdateAndCleanup, err
	}

	return deploy.WorkerURL, "", nil
}

// validateAndPrepare deducts quota exactly once, then validates the project
// row and marks it preparing. Quota exhaustion and validation failures are
// permanent; only transient DB errors consume the retry budget.
func (e *Engine) validateAndPrepare(ctx context.Context, run *models.WorkflowRun) (prepareResult, error) {
	var zero prepareResult

	if e.cfg.Cloudflare.AccountID == "" || e.cfg.Cloudflare.APIToken == "" {
		return zero, apierrors.Permanent(fmt.Errorf("cloudflare credentials are not configured"))
	}

	ok, err := e.ledger.DeductDeploy(ctx, run.OrganizationID)
	if err != nil {
		return zero, fmt.Errorf("deduct deploy quota: %w", err)
	}
	if !ok {
		quotaDenialsTotal.Inc()
		return zero, apierrors.ErrQuotaExhausted
	}

	project, err := e.projects.GetByIDAndOrg(ctx, run.ProjectID, run.OrganizationID)
	if err != nil {
		if apierrors.IsPermanent(err) {
			return zero, err
		}
		if isNotFound(err) {
			return zero, apierrors.ErrProjectNotFound
		}
		return zero, fmt.Errorf("load project: %w", err)
	}
	if !project.IsActive {
		return zero, apierrors.ErrProjectInactive
	}

	if err := e.projects.BeginDeployment(ctx, run.ProjectID, run.OrganizationID, run.ID); err != nil {
		if isNotFound(err) {
			return zero, apierrors.ErrProjectInactive
		}
		return zero, fmt.Errorf("mark project preparing: %w", err)
	}

	provider, err := e.sandboxes.Default()
	if err != nil {
		return zero, apierrors.Permanent(err)
	}

	return prepareResult{
		WorkerName:    run.ProjectID + "-worker",
		Template:      sandbox.TemplateFor(provider.Name()),
		TimeoutSec:    180,
		QuotaDeducted: true,
	}, nil
}

// createSandbox provisions the build environment with the edge credentials
// in its environment. The sandbox id persists in the step result, so a
// resumed run reattaches instead of creating a second sandbox.
func (e *Engine) createSandbox(ctx context.Context, prep prepareResult) (sandboxResult, error) {
	var zero sandboxResult

	provider, err := e.sandboxes.Default()
	if err != nil {
		return zero, apierrors.Permanent(err)
	}

	sb, err := provider.Create(ctx, sandbox.CreateParams{
		Template: prep.Template,
		Timeout:  time.Duration(prep.TimeoutSec) * time.Second,
		Env: map[string]string{
			"CLOUDFLARE_ACCOUNT_ID": e.cfg.Cloudflare.AccountID,
			"CLOUDFLARE_API_TOKEN":  e.cfg.Cloudflare.APIToken,
		},
	})
	if err != nil {
		return zero, fmt.Errorf("create sandbox: %w", err)
	}

	return sandboxResult{SandboxID: sb.ID(), Provider: provider.Name()}, nil
}

// syncFiles folds the stored history onto the builder template and writes
// the resulting tree into the sandbox. Template-owned paths never leave the
// process.
func (e *Engine) syncFiles(ctx context.Context, run *models.WorkflowRun, sbx sandboxResult) (syncResult, error) {
	var zero syncResult

	sb, err := e.connectSandbox(ctx, sbx)
	if err != nil {
		return zero, err
	}

	// Re-read the row: history may have grown since the workflow started.
	project, err := e.projects.GetByIDAndOrg(ctx, run.ProjectID, run.OrganizationID)
	if err != nil {
		return zero, fmt.Errorf("reload project: %w", err)
	}

	tree, err := history.LoadTemplate(builderTemplateName)
	if err != nil {
		return zero, apierrors.Permanent(err)
	}

	fileMap, installs := e.materializer.Materialize(tree, project.MessageHistory)
	fileMap = history.FilterExcluded(fileMap)

	for _, inst := range installs {
		e.logger.Info("install manifest entry",
			slog.String("run_id", run.ID),
			slog.String("command", inst.Command),
			slog.Any("packages", inst.Packages))
	}

	files := make([]sandbox.File, 0, len(fileMap))
	for p, entry := range fileMap {
		files = append(files, sandbox.File{
			Path:     sandboxRootPath + p,
			Content:  entry.Content,
			IsBinary: entry.IsBinary,
		})
	}

	if len(files) == 0 {
		return syncResult{FilesSynced: 0, BuildReady: true}, nil
	}

	res, err := sb.WriteFiles(ctx, files)
	if err != nil {
		return zero, fmt.Errorf("write files: %w", err)
	}
	if !res.Success {
		return zero, fmt.Errorf("file sync incomplete, failed paths: %s", strings.Join(res.FailedPaths(), ", "))
	}

	return syncResult{FilesSynced: len(files), BuildReady: true}, nil
}

// buildProject installs dependencies and builds inside the sandbox.
func (e *Engine) buildProject(ctx context.Context, run *models.WorkflowRun, sbx sandboxResult) (buildResult, error) {
	var zero buildResult

	if err := e.projects.SetDeploymentStatus(ctx, run.ProjectID, models.DeploymentBuilding); err != nil {
		return zero, fmt.Errorf("mark project building: %w", err)
	}

	sb, err := e.connectSandbox(ctx, sbx)
	if err != nil {
		return zero, err
	}

	opts := sandbox.ExecOptions{
		Timeout: e.cfg.Deploy.BuildTimeout,
		OnStderr: func(line string) {
			e.logger.Debug("build output",
				slog.String("run_id", run.ID),
				slog.String("line", line))
		},
	}

	install, err := sb.ExecuteCommand(ctx, buildCommand(sandboxRootPath, "bun install"), opts)
	if err != nil {
		return zero, fmt.Errorf("bun install: %w", err)
	}
	if install.ExitCode != 0 {
		return zero, apierrors.NewBuildError(install.ExitCode, install.Stdout, install.Stderr)
	}

	build, err := sb.ExecuteCommand(ctx, buildCommand(sandboxRootPath, "bun run build"), opts)
	if err != nil {
		return zero, fmt.Errorf("bun run build: %w", err)
	}
	if build.ExitCode != 0 {
		return zero, apierrors.NewBuildError(build.ExitCode, build.Stdout, build.Stderr)
	}

	return buildResult{BuildSuccess: true, Output: build.Stdout}, nil
}

// deployToCloudflare pushes the built worker into the dispatch namespace and
// derives its public URL from the dispatcher domain.
func (e *Engine) deployToCloudflare(ctx context.Context, run *models.WorkflowRun, prep prepareResult, sbx sandboxResult) (deployResult, error) {
	var zero deployResult

	if err := e.projects.SetDeploymentStatus(ctx, run.ProjectID, models.DeploymentDeploying); err != nil {
		return zero, fmt.Errorf("mark project deploying: %w", err)
	}

	sb, err := e.connectSandbox(ctx, sbx)
	if err != nil {
		return zero, err
	}

	cmd := fmt.Sprintf("bun wrangler deploy --dispatch-namespace %s --name %s",
		e.cfg.Cloudflare.DispatchNamespace, prep.WorkerName)

	res, err := sb.ExecuteCommand(ctx, buildCommand(sandboxRootPath, cmd), sandbox.ExecOptions{
		Timeout: e.cfg.Deploy.DeployTimeout,
	})
	if err != nil {
		return zero, fmt.Errorf("wrangler deploy: %w", err)
	}
	if res.ExitCode != 0 {
		return zero, apierrors.NewDeployError(res.ExitCode, res.Stdout, res.Stderr)
	}

	url := fmt.Sprintf("https://%s.%s", prep.WorkerName, e.cfg.Deploy.DispatcherDomain())
	return deployResult{WorkerURL: url}, nil
}

// updateDatabaseAndCleanup records the live URL and then tears down the
// sandbox. Termination runs even when the DB update fails; a termination
// failure is logged but never fails the step.
func (e *Engine) updateDatabaseAndCleanup(ctx context.Context, run *models.WorkflowRun, sbx sandboxResult, workerURL string) (cleanupResult, error) {
	dbErr := e.projects.FinishDeployment(ctx, run.ProjectID, workerURL)

	cleaned := e.terminateSandbox(ctx, run.ID, sbx)

	if dbErr != nil {
		return cleanupResult{}, fmt.Errorf("record deploy url: %w", dbErr)
	}
	return cleanupResult{DatabaseUpdated: true, SandboxCleaned: cleaned}, nil
}

// terminateSandbox destroys the run's sandbox. Mock sandboxes have nothing
// to terminate remotely and are skipped.
func (e *Engine) terminateSandbox(ctx context.Context, runID string, sbx sandboxResult) bool {
	if sbx.SandboxID == "" || strings.HasPrefix(sbx.SandboxID, mockSandboxPrefix) {
		return true
	}

	provider, err := e.sandboxes.Get(sbx.Provider)
	if err != nil {
		e.logger.Warn("sandbox provider missing at cleanup",
			slog.String("run_id", runID),
			slog.String("provider", sbx.Provider))
		return false
	}

	if err := provider.Terminate(ctx, sbx.SandboxID, e.cfg.Deploy.CleanupTimeout); err != nil {
		e.logger.Warn("sandbox termination failed, relying on provider timeout",
			slog.String("run_id", runID),
			slog.String("sandbox_id", sbx.SandboxID),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

// connectSandbox reattaches to the sandbox created in step 2.
func (e *Engine) connectSandbox(ctx context.Context, sbx sandboxResult) (sandbox.Sandbox, error) {
	provider, err := e.sandboxes.Get(sbx.Provider)
	if err != nil {
		return nil, apierrors.Permanent(err)
	}

	sb, err := provider.Connect(ctx, sbx.SandboxID)
	if err != nil {
		return nil, fmt.Errorf("connect sandbox %s: %w", sbx.SandboxID, err)
	}
	return sb, nil
}

func buildCommand(root, cmd string) string {
	return fmt.Sprintf("cd %s && %s", strings.TrimSuffix(root, "/"), cmd)
}
