package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libra-sh/deploy-engine/internal/models"
	apierrors "github.com/libra-sh/deploy-engine/internal/pkg/errors"
	"github.com/libra-sh/deploy-engine/internal/repository"
)

// memoryStepStore is an in-memory StepStore for executor tests.
type memoryStepStore struct {
	mu    sync.Mutex
	steps map[string]*models.WorkflowStep
}

func newMemoryStepStore() *memoryStepStore {
	return &memoryStepStore{steps: make(map[string]*models.WorkflowStep)}
}

func (s *memoryStepStore) GetStep(_ context.Context, runID, stepName string) (*models.WorkflowStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[runID+"/"+stepName]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *step
	return &copied, nil
}

func (s *memoryStepStore) SaveStep(_ context.Context, step *models.WorkflowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *step
	s.steps[step.RunID+"/"+step.StepName] = &copied
	return nil
}

func newTestExecutor(store StepStore) *Executor {
	ex := NewExecutor("run-1", store, nil)
	ex.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return ex
}

func quickPolicy(limit int) StepPolicy {
	return StepPolicy{
		Retry:   RetryPolicy{Limit: limit, Delay: time.Millisecond, Backoff: BackoffLinear},
		Timeout: time.Second,
	}
}

func TestDo_PersistsAndResumes(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStepStore()
	ex := newTestExecutor(store)

	calls := 0
	fn := func(ctx context.Context) (string, error) {
		calls++
		return "sbx-1", nil
	}

	got, err := Do(ctx, ex, "create-sandbox", quickPolicy(2), fn)
	require.NoError(t, err)
	assert.Equal(t, "sbx-1", got)
	assert.Equal(t, 1, calls)

	// A second run with the same store resumes from the persisted result.
	got, err = Do(ctx, newTestExecutor(store), "create-sandbox", quickPolicy(2), fn)
	require.NoError(t, err)
	assert.Equal(t, "sbx-1", got)
	assert.Equal(t, 1, calls, "completed step must not re-execute")
}

func TestDo_RetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	ex := newTestExecutor(newMemoryStepStore())

	calls := 0
	got, err := Do(ctx, ex, "sync-files", quickPolicy(3), func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("connection reset")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsRetryBudget(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStepStore()
	ex := newTestExecutor(store)

	calls := 0
	_, err := Do(ctx, ex, "build-project", quickPolicy(2), func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("flaky")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls, "limit 2 means 3 attempts")

	step, serr := store.GetStep(ctx, "run-1", "build-project")
	require.NoError(t, serr)
	assert.Equal(t, models.StepStatusFailed, step.Status)
	require.NotNil(t, step.ErrorMessage)
	assert.Contains(t, *step.ErrorMessage, "flaky")
}

func TestDo_PermanentErrorSkipsRetries(t *testing.T) {
	ctx := context.Background()
	ex := newTestExecutor(newMemoryStepStore())

	calls := 0
	_, err := Do(ctx, ex, "validate-and-prepare", quickPolicy(3), func(ctx context.Context) (int, error) {
		calls++
		return 0, apierrors.ErrQuotaExhausted
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierrors.ErrQuotaExhausted))
	assert.Equal(t, 1, calls, "permanent errors must not retry")
}

func TestDo_PermanentErrorRecordsActualAttempt(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStepStore()
	ex := newTestExecutor(store)

	_, err := Do(ctx, ex, "validate-and-prepare", quickPolicy(3), func(ctx context.Context) (int, error) {
		return 0, apierrors.ErrQuotaExhausted
	})
	require.Error(t, err)

	step, serr := store.GetStep(ctx, "run-1", "validate-and-prepare")
	require.NoError(t, serr)
	assert.Equal(t, models.StepStatusFailed, step.Status)
	assert.Equal(t, 1, step.Attempt, "record carries the attempt that actually failed")
}

func TestDo_SanitizesPersistedErrors(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStepStore()
	ex := newTestExecutor(store)
	ex.sanitize = func(msg string) string {
		return apierrors.Sanitize(msg, "tok-secret")
	}

	_, err := Do(ctx, ex, "build-project", quickPolicy(0), func(ctx context.Context) (int, error) {
		return 0, errors.New("auth failed for token tok-secret")
	})
	require.Error(t, err)

	step, serr := store.GetStep(ctx, "run-1", "build-project")
	require.NoError(t, serr)
	require.NotNil(t, step.ErrorMessage)
	assert.NotContains(t, *step.ErrorMessage, "tok-secret")
	assert.Contains(t, *step.ErrorMessage, "[redacted]")
}

func TestDo_WrappedPermanentErrorSkipsRetries(t *testing.T) {
	ctx := context.Background()
	ex := newTestExecutor(newMemoryStepStore())

	calls := 0
	_, err := Do(ctx, ex, "create-sandbox", quickPolicy(3), func(ctx context.Context) (int, error) {
		calls++
		return 0, apierrors.Permanent(errors.New("bad template"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_TimeoutCancelsAttempt(t *testing.T) {
	ctx := context.Background()
	ex := newTestExecutor(newMemoryStepStore())

	policy := StepPolicy{
		Retry:   RetryPolicy{Limit: 1, Delay: time.Millisecond, Backoff: BackoffLinear},
		Timeout: 10 * time.Millisecond,
	}

	calls := 0
	_, err := Do(ctx, ex, "deploy-to-cloudflare", policy, func(ctx context.Context) (int, error) {
		calls++
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls, "timeout counts as a failed attempt and is retried")
}

func TestDo_CancelledContextStopsBeforeAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ex := newTestExecutor(newMemoryStepStore())

	calls := 0
	_, err := Do(ctx, ex, "sync-files", quickPolicy(3), func(ctx context.Context) (int, error) {
		calls++
		return 1, nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierrors.ErrCancelled))
	assert.Equal(t, 0, calls)
}

func TestDo_CancellationWaitsForInFlightAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ex := newTestExecutor(newMemoryStepStore())

	// Cancellation arrives mid-attempt: the attempt runs to completion on its
	// own timeout, and the next step observes the cancellation.
	got, err := Do(ctx, ex, "build-project", quickPolicy(2), func(attemptCtx context.Context) (int, error) {
		cancel()
		require.NoError(t, attemptCtx.Err(), "in-flight attempt must not be aborted by workflow cancellation")
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, got)

	calls := 0
	_, err = Do(ctx, ex, "deploy-to-cloudflare", quickPolicy(2), func(ctx context.Context) (int, error) {
		calls++
		return 0, nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierrors.ErrCancelled))
	assert.Equal(t, 0, calls)
}

func TestRetryPolicy_DelayFor(t *testing.T) {
	linear := RetryPolicy{Limit: 3, Delay: 2 * time.Second, Backoff: BackoffLinear}
	assert.Equal(t, 2*time.Second, linear.delayFor(1))
	assert.Equal(t, 4*time.Second, linear.delayFor(2))
	assert.Equal(t, 6*time.Second, linear.delayFor(3))

	exp := RetryPolicy{Limit: 5, Delay: 5 * time.Second, Backoff: BackoffExponential}
	assert.Equal(t, 5*time.Second, exp.delayFor(1))
	assert.Equal(t, 10*time.Second, exp.delayFor(2))
	assert.Equal(t, 20*time.Second, exp.delayFor(3))
	assert.Equal(t, 40*time.Second, exp.delayFor(4))
}
