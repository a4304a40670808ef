package purge

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/mkovalenko/community-directory-backend/internal/audit"
	"github.com/mkovalenko/community-directory-backend/internal/places"
	"github.com/mkovalenko/community-directory-backend/internal/subscriptions"
	"github.com/mkovalenko/community-directory-backend/pkg/db/models"
	"github.com/mkovalenko/community-directory-backend/pkg/enums"
	pkgerrors "github.com/mkovalenko/community-directory-backend/pkg/errors"
	"github.com/mkovalenko/community-directory-backend/pkg/logger"
)

// Engine closes paid periods and deletes the premium-only data accrued inside
// them. Purge is idempotent per period: once purge_processed_at is stamped,
// re-invocations skip the delete.
type Engine struct {
	subRepo   subscriptions.Repository
	placeRepo places.Repository
	auditor   *audit.Logger
	logg      *logger.Logger
}

// EngineParams groups dependencies for the purge engine.
type EngineParams struct {
	SubscriptionRepo subscriptions.Repository
	PlaceRepo        places.Repository
	Auditor          *audit.Logger
	Logger           *logger.Logger
}

// NewEngine builds a purge engine.
func NewEngine(params EngineParams) (*Engine, error) {
	if params.SubscriptionRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "subscription repo required")
	}
	if params.PlaceRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "place repo required")
	}
	if params.Auditor == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "audit logger required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Engine{
		subRepo:   params.SubscriptionRepo,
		placeRepo: params.PlaceRepo,
		auditor:   params.Auditor,
		logg:      params.Logger,
	}, nil
}

// ClosePeriodAndPurge stamps the close on an open period and deletes likes
// with timestamps inside [started_at, paid_until). Likes outside the window
// survive. Safe to re-invoke from reconciliation: an already-purged period is
// a no-op.
func (e *Engine) ClosePeriodAndPurge(ctx context.Context, tx *gorm.DB, period *models.SubscriptionPeriod, reason enums.PeriodCloseReason, now time.Time) error {
	if period == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "period required")
	}
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "purge requires a transaction")
	}

	periods := e.subRepo.WithTx(tx)
	likes := e.placeRepo.WithTx(tx)

	changed := false
	if period.ClosedAt == nil {
		closedAt := now
		period.ClosedAt = &closedAt
		period.CloseReason = &reason
		changed = true
	}

	if period.PurgeProcessedAt != nil {
		if changed {
			return periods.SavePeriod(ctx, period)
		}
		return nil
	}

	deleted, err := likes.DeleteLikesWithin(ctx, period.PlaceID, period.StartedAt, period.PaidUntil)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete period likes")
	}

	processedAt := now
	period.PurgeProcessedAt = &processedAt
	if err := periods.SavePeriod(ctx, period); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "stamp period purge")
	}

	if err := e.auditor.Append(tx, period.PlaceID, nil, audit.ActionPeriodPurged, map[string]any{
		"period_id":     period.ID,
		"close_reason":  string(reason),
		"likes_deleted": deleted,
		"started_at":    period.StartedAt,
		"paid_until":    period.PaidUntil,
	}); err != nil {
		return err
	}

	logCtx := e.logg.WithFields(ctx, map[string]any{
		"place_id":      period.PlaceID,
		"period_id":     period.ID,
		"likes_deleted": deleted,
	})
	e.logg.Info(logCtx, "paid period closed and purged")
	return nil
}
