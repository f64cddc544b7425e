package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/libra-sh/deploy-engine/internal/models"
	apierrors "github.com/libra-sh/deploy-engine/internal/pkg/errors"
	"github.com/libra-sh/deploy-engine/internal/repository"
)

// Executor runs the steps of one workflow. Each completed step's result is
// serialized under its name; a resumed run returns the persisted value
// instead of invoking the step again.
type Executor struct {
	runID  string
	store  StepStore
	logger *slog.Logger

	// sanitize scrubs secrets from error text before it is persisted.
	// Step records are served verbatim to API callers.
	sanitize func(msg string) string

	// sleep is replaceable in tests to skip backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor for one run.
func NewExecutor(runID string, store StepStore, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		runID:    runID,
		store:    store,
		logger:   logger,
		sanitize: func(msg string) string { return msg },
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do executes one named step under its policy. On resume, a previously
// completed step is not re-executed: its persisted result is decoded and
// returned. Permanent errors stop the retry loop immediately.
func Do[T any](ctx context.Context, ex *Executor, name string, policy StepPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	prior, err := ex.store.GetStep(ctx, ex.runID, name)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return zero, fmt.Errorf("step %s: load prior result: %w", name, err)
	}
	if prior != nil && prior.Status == models.StepStatusCompleted {
		var v T
		if err := json.Unmarshal(prior.Result, &v); err != nil {
			return zero, fmt.Errorf("step %s: decode persisted result: %w", name, err)
		}
		ex.logger.Info("step resumed from persisted result",
			slog.String("run_id", ex.runID),
			slog.String("step", name))
		return v, nil
	}

	attempts := policy.Retry.Limit + 1
	started := time.Now()

	var lastErr error
	lastAttempt := 1
	for attempt := 1; attempt <= attempts; attempt++ {
		lastAttempt = attempt
		if err := ctx.Err(); err != nil {
			lastErr = apierrors.ErrCancelled
			break
		}

		v, err := runAttempt(ctx, policy.Timeout, fn)
		if err == nil {
			if err := ex.persist(ctx, name, attempt, started, v, nil); err != nil {
				return zero, fmt.Errorf("step %s: %w", name, err)
			}
			stepsTotal.WithLabelValues(name, "completed").Inc()
			return v, nil
		}

		lastErr = err
		ex.logger.Warn("step attempt failed",
			slog.String("run_id", ex.runID),
			slog.String("step", name),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))

		if apierrors.IsPermanent(err) {
			break
		}
		if attempt < attempts {
			stepRetriesTotal.WithLabelValues(name).Inc()
			if err := ex.sleep(ctx, policy.Retry.delayFor(attempt)); err != nil {
				lastErr = apierrors.ErrCancelled
				break
			}
		}
	}

	if err := ex.persist(ctx, name, lastAttempt, started, nil, lastErr); err != nil {
		ex.logger.Error("failed to record step failure",
			slog.String("run_id", ex.runID),
			slog.String("step", name),
			slog.String("error", err.Error()))
	}
	stepsTotal.WithLabelValues(name, "failed").Inc()
	return zero, fmt.Errorf("step %s: %w", name, lastErr)
}

// runAttempt invokes fn once under the step timeout. The attempt context is
// detached from workflow cancellation: an in-flight attempt runs to its own
// timeout, and cancellation takes effect between attempts.
func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
	}
	return fn(ctx)
}

// persist records the terminal outcome of a step.
func (ex *Executor) persist(ctx context.Context, name string, attempt int, started time.Time, result any, stepErr error) error {
	step := &models.WorkflowStep{
		RunID:      ex.runID,
		StepName:   name,
		Attempt:    attempt,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}

	if stepErr == nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		step.Status = models.StepStatusCompleted
		step.Result = data
	} else {
		msg := ex.sanitize(stepErr.Error())
		step.Status = models.StepStatusFailed
		step.ErrorMessage = &msg
	}

	// Persist with a fresh context so a cancelled workflow still records
	// its final step state.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := ex.store.SaveStep(saveCtx, step); err != nil {
		return fmt.Errorf("persist step state: %w", err)
	}
	return nil
}
