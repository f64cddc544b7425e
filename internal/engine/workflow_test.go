package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/libra-sh/deploy-engine/internal/config"
	"github.com/libra-sh/deploy-engine/internal/models"
	"github.com/libra-sh/deploy-engine/internal/quota"
	"github.com/libra-sh/deploy-engine/internal/repository"
	"github.com/libra-sh/deploy-engine/internal/sandbox"
)

// MockProjectRepository is a mock implementation of repository.ProjectRepository.
type MockProjectRepository struct {
	mock.Mock
}

func (m *MockProjectRepository) GetByIDAndOrg(ctx context.Context, projectID, orgID string) (*models.Project, error) {
	args := m.Called(ctx, projectID, orgID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Project), args.Error(1)
}

func (m *MockProjectRepository) BeginDeployment(ctx context.Context, projectID, orgID, workflowID string) error {
	return m.Called(ctx, projectID, orgID, workflowID).Error(0)
}

func (m *MockProjectRepository) SetDeploymentStatus(ctx context.Context, projectID string, status models.DeploymentStatus) error {
	return m.Called(ctx, projectID, status).Error(0)
}

func (m *MockProjectRepository) FinishDeployment(ctx context.Context, projectID, deployURL string) error {
	return m.Called(ctx, projectID, deployURL).Error(0)
}

func (m *MockProjectRepository) FailDeployment(ctx context.Context, projectID string) error {
	return m.Called(ctx, projectID).Error(0)
}

// MockLedger is a mock implementation of quota.Ledger.
type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) DeductDeploy(ctx context.Context, orgID string) (bool, error) {
	args := m.Called(ctx, orgID)
	return args.Bool(0), args.Error(1)
}

func (m *MockLedger) DeductUpload(ctx context.Context, orgID string) (bool, error) {
	args := m.Called(ctx, orgID)
	return args.Bool(0), args.Error(1)
}

func (m *MockLedger) RestoreUpload(ctx context.Context, orgID string) (*quota.RestoreResult, error) {
	args := m.Called(ctx, orgID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*quota.RestoreResult), args.Error(1)
}

// fakeRunRepo is an in-memory repository.RunRepository.
type fakeRunRepo struct {
	mu    sync.Mutex
	runs  map[string]*models.WorkflowRun
	steps map[string]*models.WorkflowStep
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{
		runs:  make(map[string]*models.WorkflowRun),
		steps: make(map[string]*models.WorkflowStep),
	}
}

func (f *fakeRunRepo) CreateRun(_ context.Context, run *models.WorkflowRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *run
	f.runs[run.ID] = &copied
	return nil
}

func (f *fakeRunRepo) GetRun(_ context.Context, id string) (*models.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *run
	return &copied, nil
}

func (f *fakeRunRepo) UpdateRunStatus(_ context.Context, id string, status models.RunStatus, failedStep, errMsg *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return repository.ErrNotFound
	}
	run.Status = status
	run.FailedStep = failedStep
	run.ErrorMessage = errMsg
	return nil
}

func (f *fakeRunRepo) ListRunsByStatus(_ context.Context, status models.RunStatus) ([]*models.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.WorkflowRun
	for _, run := range f.runs {
		if run.Status == status {
			copied := *run
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeRunRepo) MarkStaleRunsFailed(_ context.Context, _ time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeRunRepo) GetStep(_ context.Context, runID, stepName string) (*models.WorkflowStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	step, ok := f.steps[runID+"/"+stepName]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *step
	return &copied, nil
}

func (f *fakeRunRepo) SaveStep(_ context.Context, step *models.WorkflowStep) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *step
	f.steps[step.RunID+"/"+step.StepName] = &copied
	return nil
}

func (f *fakeRunRepo) ListSteps(_ context.Context, runID string) ([]*models.WorkflowStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.WorkflowStep
	for key, step := range f.steps {
		if strings.HasPrefix(key, runID+"/") {
			copied := *step
			out = append(out, &copied)
		}
	}
	return out, nil
}

// testHarness wires an Engine against mocks and a mock sandbox provider.
type testHarness struct {
	engine   *Engine
	projects *MockProjectRepository
	ledger   *MockLedger
	runs     *fakeRunRepo
	provider *sandbox.MockProvider
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	cfg := &config.Config{}
	cfg.Cloudflare.AccountID = "acct-1"
	cfg.Cloudflare.APIToken = "tok-secret"
	cfg.Cloudflare.DispatchNamespace = "libra-dispatcher"
	cfg.Deploy.BuildTimeout = time.Minute
	cfg.Deploy.DeployTimeout = time.Minute
	cfg.Deploy.CleanupTimeout = 10 * time.Second

	provider := sandbox.NewMockProvider()
	registry := sandbox.NewRegistry(config.SandboxConfig{DefaultProvider: sandbox.ProviderMock}, nil)
	registry.Register(provider)

	projects := new(MockProjectRepository)
	ledger := new(MockLedger)
	runs := newFakeRunRepo()

	e := NewEngine(cfg, projects, runs, ledger, registry, nil, nil)
	e.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	return &testHarness{engine: e, projects: projects, ledger: ledger, runs: runs, provider: provider}
}

func (h *testHarness) newRun(t *testing.T, projectID, orgID string) *models.WorkflowRun {
	t.Helper()
	run := &models.WorkflowRun{
		ID:             "run-" + projectID,
		ProjectID:      projectID,
		OrganizationID: orgID,
		UserID:         "user-1",
		Status:         models.RunStatusRunning,
	}
	require.NoError(t, h.runs.CreateRun(context.Background(), run))
	return run
}

func activeProject(projectID, orgID, historyJSON string) *models.Project {
	return &models.Project{
		ID:               projectID,
		OrganizationID:   orgID,
		IsActive:         true,
		MessageHistory:   json.RawMessage(historyJSON),
		DeploymentStatus: models.DeploymentIdle,
	}
}

func TestWorkflow_HappyPath(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	historyJSON := `[{"type":"file","path":"src/App.tsx","modified":"X","original":null}]`
	project := activeProject("proj-A", "org-A", historyJSON)

	h.ledger.On("DeductDeploy", mock.Anything, "org-A").Return(true, nil).Once()
	h.projects.On("GetByIDAndOrg", mock.Anything, "proj-A", "org-A").Return(project, nil)
	h.projects.On("BeginDeployment", mock.Anything, "proj-A", "org-A", "run-proj-A").Return(nil)
	h.projects.On("SetDeploymentStatus", mock.Anything, "proj-A", models.DeploymentBuilding).Return(nil)
	h.projects.On("SetDeploymentStatus", mock.Anything, "proj-A", models.DeploymentDeploying).Return(nil)
	h.projects.On("FinishDeployment", mock.Anything, "proj-A", "https://proj-A-worker.libra.sh").Return(nil)

	run := h.newRun(t, "proj-A", "org-A")
	h.engine.runWorkflow(ctx, run)

	final, err := h.runs.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, final.Status)

	// Exactly one sandbox, and the history edit landed under the template root.
	assert.Equal(t, int64(1), h.provider.Created())
	sb, err := h.provider.Connect(ctx, "sandbox-1")
	require.NoError(t, err)
	msb := sb.(*sandbox.MockSandbox)

	appFile, ok := msb.Files["/home/user/vite-shadcn-template-builder-libra/src/App.tsx"]
	require.True(t, ok)
	assert.Equal(t, "X", appFile.Content)

	// Template-owned paths never reach the sandbox.
	for path := range msb.Files {
		assert.NotContains(t, path, "/public/")
		assert.False(t, strings.HasSuffix(path, "tailwind.config.ts"), "excluded path written: %s", path)
		assert.False(t, strings.Contains(path, "/components/ui/"), "excluded path written: %s", path)
	}

	// Build and deploy ran in order inside the sandbox.
	require.Len(t, msb.Commands, 3)
	assert.Contains(t, msb.Commands[0], "bun install")
	assert.Contains(t, msb.Commands[1], "bun run build")
	assert.Contains(t, msb.Commands[2], "bun wrangler deploy --dispatch-namespace libra-dispatcher --name proj-A-worker")

	h.ledger.AssertExpectations(t)
	h.projects.AssertExpectations(t)
}

func TestWorkflow_QuotaExhaustion(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.ledger.On("DeductDeploy", mock.Anything, "org-B").Return(false, nil).Once()

	run := h.newRun(t, "proj-B", "org-B")
	h.engine.runWorkflow(ctx, run)

	final, err := h.runs.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, final.Status)
	require.NotNil(t, final.FailedStep)
	assert.Equal(t, stepValidateAndPrepare, *final.FailedStep)
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "quota exhausted")

	// No sandbox was created and the project row was never touched.
	assert.Equal(t, int64(0), h.provider.Created())
	h.projects.AssertNotCalled(t, "BeginDeployment", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	h.projects.AssertNotCalled(t, "FailDeployment", mock.Anything, mock.Anything)
	h.ledger.AssertExpectations(t)
}

func TestWorkflow_ResumeReusesSandbox(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	project := activeProject("proj-C", "org-C", `[]`)
	h.projects.On("GetByIDAndOrg", mock.Anything, "proj-C", "org-C").Return(project, nil)
	h.projects.On("SetDeploymentStatus", mock.Anything, "proj-C", models.DeploymentBuilding).Return(nil)
	h.projects.On("SetDeploymentStatus", mock.Anything, "proj-C", models.DeploymentDeploying).Return(nil)
	h.projects.On("FinishDeployment", mock.Anything, "proj-C", "https://proj-C-worker.libra.sh").Return(nil)

	run := h.newRun(t, "proj-C", "org-C")

	// Simulate a crash after steps 1 and 2 completed: their results are
	// already persisted, including the sandbox created back then.
	sb, err := h.provider.Create(ctx, sandbox.CreateParams{})
	require.NoError(t, err)

	persistStep := func(name string, result any) {
		data, err := json.Marshal(result)
		require.NoError(t, err)
		require.NoError(t, h.runs.SaveStep(ctx, &models.WorkflowStep{
			RunID:      run.ID,
			StepName:   name,
			Attempt:    1,
			Status:     models.StepStatusCompleted,
			StartedAt:  time.Now(),
			FinishedAt: time.Now(),
			Result:     data,
		}))
	}
	persistStep(stepValidateAndPrepare, prepareResult{
		WorkerName: "proj-C-worker", Template: "vite-shadcn-template-builder-libra", TimeoutSec: 180, QuotaDeducted: true,
	})
	persistStep(stepCreateSandbox, sandboxResult{SandboxID: sb.ID(), Provider: sandbox.ProviderMock})

	h.engine.runWorkflow(ctx, run)

	final, err := h.runs.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, final.Status)

	// No second sandbox, no second quota deduction.
	assert.Equal(t, int64(1), h.provider.Created())
	h.ledger.AssertNotCalled(t, "DeductDeploy", mock.Anything, mock.Anything)

	msb := sb.(*sandbox.MockSandbox)
	assert.NotEmpty(t, msb.Files, "resumed run synced files into the original sandbox")
	h.projects.AssertExpectations(t)
}

func TestWorkflow_BuildFailure(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	project := activeProject("proj-D", "org-D", `[]`)
	h.ledger.On("DeductDeploy", mock.Anything, "org-D").Return(true, nil).Once()
	h.projects.On("GetByIDAndOrg", mock.Anything, "proj-D", "org-D").Return(project, nil)
	h.projects.On("BeginDeployment", mock.Anything, "proj-D", "org-D", "run-proj-D").Return(nil)
	h.projects.On("SetDeploymentStatus", mock.Anything, "proj-D", models.DeploymentBuilding).Return(nil)
	h.projects.On("FailDeployment", mock.Anything, "proj-D").Return(nil)

	h.provider.ExecResults["cd /home/user/vite-shadcn-template-builder-libra && bun run build"] = sandbox.ExecResult{
		ExitCode: 1,
		Stderr:   "error TS2304: Cannot find name 'Foo'",
	}

	run := h.newRun(t, "proj-D", "org-D")
	h.engine.runWorkflow(ctx, run)

	final, err := h.runs.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, final.Status)
	require.NotNil(t, final.FailedStep)
	assert.Equal(t, stepBuildProject, *final.FailedStep)
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "TS2304")

	// Quota was deducted once and is not refunded on build failure.
	h.ledger.AssertNumberOfCalls(t, "DeductDeploy", 1)
	h.projects.AssertExpectations(t)
}

func TestWorkflow_SecretsSanitizedInErrors(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	project := activeProject("proj-E", "org-E", `[]`)
	h.ledger.On("DeductDeploy", mock.Anything, "org-E").Return(true, nil).Once()
	h.projects.On("GetByIDAndOrg", mock.Anything, "proj-E", "org-E").Return(project, nil)
	h.projects.On("BeginDeployment", mock.Anything, "proj-E", "org-E", "run-proj-E").Return(nil)
	h.projects.On("SetDeploymentStatus", mock.Anything, "proj-E", mock.Anything).Return(nil)
	h.projects.On("FailDeployment", mock.Anything, "proj-E").Return(nil)

	h.provider.ExecResults["cd /home/user/vite-shadcn-template-builder-libra && bun run build"] = sandbox.ExecResult{
		ExitCode: 1,
		Stderr:   "auth failed for token tok-secret",
	}

	run := h.newRun(t, "proj-E", "org-E")
	h.engine.runWorkflow(ctx, run)

	final, err := h.runs.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, final.ErrorMessage)
	assert.NotContains(t, *final.ErrorMessage, "tok-secret")
	assert.Contains(t, *final.ErrorMessage, "[redacted]")

	// The persisted step record backs the API's step list and must be just
	// as clean as the run-level message.
	step, err := h.runs.GetStep(ctx, run.ID, stepBuildProject)
	require.NoError(t, err)
	require.NotNil(t, step.ErrorMessage)
	assert.NotContains(t, *step.ErrorMessage, "tok-secret")
	assert.Contains(t, *step.ErrorMessage, "[redacted]")
}
