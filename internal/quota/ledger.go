package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/libra-sh/deploy-engine/internal/models"
)

// Quota columns the ledger can move. Only these constants are ever
// interpolated into SQL.
const (
	columnDeploy = "deploy_limit"
	columnUpload = "upload_limit"
)

// Tier identifies which subscription row absorbed a restore.
type Tier string

const (
	TierFree Tier = "FREE"
	TierPaid Tier = "PAID"
)

// ErrNoActivePlan is returned when restoration finds no row to credit.
var ErrNoActivePlan = errors.New("no active subscription plan")

// RestoreResult reports where a restored unit landed.
type RestoreResult struct {
	RestoredTo Tier            `json:"restored_to"`
	PlanName   models.PlanName `json:"plan_name"`
}

// Ledger moves deploy and upload quota for organizations. Deduction consumes
// FREE quota before paid; an expired FREE period is refreshed and charged in
// the same row-locked update so the refresh is never wasted.
type Ledger interface {
	// DeductDeploy consumes one deploy unit. Returns false when no tier has
	// quota left.
	DeductDeploy(ctx context.Context, orgID string) (bool, error)

	// DeductUpload consumes one upload unit.
	DeductUpload(ctx context.Context, orgID string) (bool, error)

	// RestoreUpload returns one upload unit, preferring FREE headroom and
	// falling back to the active paid row.
	RestoreUpload(ctx context.Context, orgID string) (*RestoreResult, error)
}

type ledger struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Ledger = (*ledger)(nil)

// NewLedger creates a quota ledger backed by the subscription_limits table.
func NewLedger(pool *pgxpool.Pool, logger *slog.Logger) Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &ledger{pool: pool, logger: logger}
}

func (l *ledger) DeductDeploy(ctx context.Context, orgID string) (bool, error) {
	return l.deduct(ctx, orgID, columnDeploy)
}

func (l *ledger) DeductUpload(ctx context.Context, orgID string) (bool, error) {
	return l.deduct(ctx, orgID, columnUpload)
}

// deduct tries the FREE tier, then an expired-FREE refresh, then paid.
func (l *ledger) deduct(ctx context.Context, orgID, column string) (bool, error) {
	ok, err := l.deductFree(ctx, orgID, column)
	if err != nil {
		return false, fmt.Errorf("deduct: %w", err)
	}
	if ok {
		return true, nil
	}

	ok, err = l.refreshAndDeductFree(ctx, orgID, column)
	if err != nil {
		return false, fmt.Errorf("deduct: %w", err)
	}
	if ok {
		return true, nil
	}

	ok, err = l.deductPaid(ctx, orgID, column)
	if err != nil {
		return false, fmt.Errorf("deduct: %w", err)
	}
	return ok, nil
}

// deductFree is the fast path: one conditional UPDATE against the in-period
// FREE row. Zero rows affected means the tier cannot serve the request.
func (l *ledger) deductFree(ctx context.Context, orgID, column string) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE subscription_limits
		SET %[1]s = %[1]s - 1, updated_at = NOW()
		WHERE organization_id = $1
		  AND plan_name = $2
		  AND is_active
		  AND %[1]s > 0
		  AND period_end >= NOW()
		RETURNING %[1]s`, column)

	var remaining int
	err := l.pool.QueryRow(ctx, query, orgID, models.PlanFree).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	l.logger.Debug("quota deducted",
		slog.String("org_id", orgID),
		slog.String("column", column),
		slog.String("tier", string(TierFree)),
		slog.Int("remaining", remaining))
	return true, nil
}

// refreshAndDeductFree handles an expired FREE period: under a row lock it
// advances the period by whole months, resets quotas to plan defaults, and
// charges the current request in the same update. All time comparisons use
// the database clock.
func (l *ledger) refreshAndDeductFree(ctx context.Context, orgID, column string) (bool, error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var (
		id          string
		periodStart time.Time
		periodEnd   time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT id, period_start, period_end
		FROM subscription_limits
		WHERE organization_id = $1 AND plan_name = $2 AND is_active
		FOR UPDATE`, orgID, models.PlanFree).Scan(&id, &periodStart, &periodEnd)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var dbNow time.Time
	if err := tx.QueryRow(ctx, `SELECT NOW()`).Scan(&dbNow); err != nil {
		return false, err
	}
	if !dbNow.After(periodEnd) {
		// Period still current: the fast path failed because the quota is
		// genuinely exhausted, not expired.
		return false, nil
	}

	newStart, newEnd := advancePeriod(periodStart, dbNow)
	defaults := models.GetPlanLimits(models.PlanFree)

	deployLimit := defaults.DeployLimit
	uploadLimit := defaults.UploadLimit
	switch column {
	case columnDeploy:
		deployLimit--
	case columnUpload:
		uploadLimit--
	}

	_, err = tx.Exec(ctx, `
		UPDATE subscription_limits
		SET period_start = $2,
		    period_end = $3,
		    ai_nums = $4,
		    enhance_nums = $5,
		    upload_limit = $6,
		    deploy_limit = $7,
		    updated_at = NOW()
		WHERE id = $1`,
		id, newStart, newEnd,
		defaults.AINums, defaults.EnhanceNums, uploadLimit, deployLimit)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}

	l.logger.Info("free quota period refreshed",
		slog.String("org_id", orgID),
		slog.String("column", column),
		slog.Time("period_start", newStart),
		slog.Time("period_end", newEnd))
	return true, nil
}

// deductPaid charges the most recently active paid row.
func (l *ledger) deductPaid(ctx context.Context, orgID, column string) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE subscription_limits
		SET %[1]s = %[1]s - 1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM subscription_limits
			WHERE organization_id = $1
			  AND plan_name != $2
			  AND is_active
			  AND %[1]s > 0
			  AND period_end >= NOW()
			ORDER BY created_at DESC
			LIMIT 1
		)
		RETURNING %[1]s, plan_name`, column)

	var (
		remaining int
		plan      models.PlanName
	)
	err := l.pool.QueryRow(ctx, query, orgID, models.PlanFree).Scan(&remaining, &plan)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	l.logger.Debug("quota deducted",
		slog.String("org_id", orgID),
		slog.String("column", column),
		slog.String("tier", string(TierPaid)),
		slog.String("plan", string(plan)),
		slog.Int("remaining", remaining))
	return true, nil
}

// RestoreUpload credits one upload unit. FREE absorbs the restore while it
// has headroom below the plan cap; otherwise the active paid row does. Both
// increments are guarded against over-restoration.
func (l *ledger) RestoreUpload(ctx context.Context, orgID string) (*RestoreResult, error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("RestoreUpload: %w", err)
	}
	defer tx.Rollback(ctx)

	freeCap := models.GetPlanLimits(models.PlanFree).UploadLimit
	restored, err := l.restoreTier(ctx, tx, orgID, true, freeCap)
	if err != nil {
		return nil, fmt.Errorf("RestoreUpload: %w", err)
	}
	if restored != nil {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("RestoreUpload: %w", err)
		}
		return restored, nil
	}

	// Paid fallback. The cap check needs the plan name first, so lock the
	// row, look up its defaults, then apply the guarded increment.
	var plan models.PlanName
	err = tx.QueryRow(ctx, `
		SELECT plan_name FROM subscription_limits
		WHERE organization_id = $1 AND plan_name != $2 AND is_active AND period_end >= NOW()
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE`, orgID, models.PlanFree).Scan(&plan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoActivePlan
	}
	if err != nil {
		return nil, fmt.Errorf("RestoreUpload: %w", err)
	}

	paidCap := models.GetPlanLimits(plan).UploadLimit
	restored, err = l.restoreTier(ctx, tx, orgID, false, paidCap)
	if err != nil {
		return nil, fmt.Errorf("RestoreUpload: %w", err)
	}
	if restored == nil {
		return nil, ErrNoActivePlan
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("RestoreUpload: %w", err)
	}
	return restored, nil
}

// restoreTier applies one guarded increment inside the caller's transaction.
func (l *ledger) restoreTier(ctx context.Context, tx pgx.Tx, orgID string, free bool, maxLimit int) (*RestoreResult, error) {
	comparison := "="
	if !free {
		comparison = "!="
	}

	query := fmt.Sprintf(`
		UPDATE subscription_limits
		SET upload_limit = upload_limit + 1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM subscription_limits
			WHERE organization_id = $1
			  AND plan_name %s $2
			  AND is_active
			  AND period_end >= NOW()
			  AND upload_limit + 1 <= $3
			ORDER BY created_at DESC
			LIMIT 1
		)
		RETURNING plan_name`, comparison)

	var plan models.PlanName
	err := tx.QueryRow(ctx, query, orgID, models.PlanFree, maxLimit).Scan(&plan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	tier := TierPaid
	if free {
		tier = TierFree
	}
	l.logger.Debug("upload quota restored",
		slog.String("org_id", orgID),
		slog.String("tier", string(tier)),
		slog.String("plan", string(plan)))
	return &RestoreResult{RestoredTo: tier, PlanName: plan}, nil
}
