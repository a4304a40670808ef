package subscriptions

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/mkovalenko/community-directory-backend/internal/audit"
	"github.com/mkovalenko/community-directory-backend/internal/places"
	"github.com/mkovalenko/community-directory-backend/pkg/db/models"
	"github.com/mkovalenko/community-directory-backend/pkg/enums"
	pkgerrors "github.com/mkovalenko/community-directory-backend/pkg/errors"
	"github.com/mkovalenko/community-directory-backend/pkg/logger"
	"github.com/mkovalenko/community-directory-backend/pkg/plans"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type purgeEngine interface {
	ClosePeriodAndPurge(ctx context.Context, tx *gorm.DB, period *models.SubscriptionPeriod, reason enums.PeriodCloseReason, now time.Time) error
}

// Service is the owner/admin-facing subscription lifecycle surface. Payment
// notifications go through the payments package instead; this service covers
// the manual paths.
type Service interface {
	GetSubscription(ctx context.Context, placeID int64) (*models.Subscription, error)
	ChangeTier(ctx context.Context, userID, placeID int64, tier enums.Tier) (*models.Subscription, error)
	CancelAutoRenew(ctx context.Context, userID, placeID int64) (*models.Subscription, error)
	AdminSetTier(ctx context.Context, adminID, placeID int64, tier enums.Tier, months int) (*models.Subscription, error)
}

// ServiceParams groups dependencies for the subscription service.
type ServiceParams struct {
	Repo              Repository
	PlaceRepo         places.Repository
	Projector         *Projector
	Purge             purgeEngine
	TransactionRunner txRunner
	Auditor           *audit.Logger
	Logger            *logger.Logger
	IsAdmin           func(userID int64) bool
	Now               func() time.Time
}

type service struct {
	repo      Repository
	placeRepo places.Repository
	projector *Projector
	purge     purgeEngine
	txRunner  txRunner
	auditor   *audit.Logger
	logg      *logger.Logger
	isAdmin   func(userID int64) bool
	now       func() time.Time
}

// NewService builds a subscription service with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "subscription repo required")
	}
	if params.PlaceRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "place repo required")
	}
	if params.Projector == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "projector required")
	}
	if params.Purge == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "purge engine required")
	}
	if params.TransactionRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Auditor == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "audit logger required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	isAdmin := params.IsAdmin
	if isAdmin == nil {
		isAdmin = func(int64) bool { return false }
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &service{
		repo:      params.Repo,
		placeRepo: params.PlaceRepo,
		projector: params.Projector,
		purge:     params.Purge,
		txRunner:  params.TransactionRunner,
		auditor:   params.Auditor,
		logg:      params.Logger,
		isAdmin:   isAdmin,
		now:       now,
	}, nil
}

// GetSubscription returns the lazily-created subscription row for a place.
func (s *service) GetSubscription(ctx context.Context, placeID int64) (*models.Subscription, error) {
	if err := s.requirePlace(ctx, placeID); err != nil {
		return nil, err
	}
	sub, err := s.repo.EnsureSubscription(ctx, placeID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "ensure subscription")
	}
	return sub, nil
}

// ChangeTier is the owner-level manual plan switch. While a subscription is
// canceled and its paid window has not lapsed, the row is locked against
// owner writes: natural expiry or reconciliation performs the downgrade.
func (s *service) ChangeTier(ctx context.Context, userID, placeID int64, tier enums.Tier) (*models.Subscription, error) {
	if !tier.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown tier")
	}
	if err := s.requirePlace(ctx, placeID); err != nil {
		return nil, err
	}
	if err := s.requireOwner(ctx, userID, placeID); err != nil {
		return nil, err
	}

	now := s.now()
	current, err := s.repo.EnsureSubscription(ctx, placeID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "ensure subscription")
	}
	if current.Status == enums.SubscriptionStatusCanceled && !current.IsExpired(now) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation,
			"subscription is canceled but still paid; wait for expiry")
	}
	if tier == enums.TierFree && current.Tier == enums.TierFree {
		// Nothing to change; stay a no-op so retried owner taps are harmless.
		return current, nil
	}

	var result *models.Subscription
	err = s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		// Re-read inside the transaction: a concurrent payment or sweep may
		// have moved the row since the pre-check.
		txRepo := s.repo.WithTx(tx)
		stored, err := txRepo.FindSubscription(ctx, placeID)
		if err != nil {
			return err
		}
		if stored != nil && stored.Status == enums.SubscriptionStatusCanceled && !stored.IsExpired(now) {
			return pkgerrors.New(pkgerrors.CodeValidation,
				"subscription is canceled but still paid; wait for expiry")
		}

		if tier == enums.TierFree {
			if err := s.downgradeInTx(ctx, tx, placeID, enums.PeriodCloseReasonOwnerDowngrade, now); err != nil {
				return err
			}
		} else {
			paidUntil := now.Add(plans.PeriodLength(tier))
			if _, err := s.projector.ApplyPaidSuccess(ctx, tx, placeID, tier, paidUntil, enums.PaymentSourcePlans, now); err != nil {
				return err
			}
		}

		updated, err := txRepo.FindSubscription(ctx, placeID)
		if err != nil {
			return err
		}
		result = updated

		return s.auditor.Append(tx, placeID, audit.Actor(userID), audit.ActionTierChanged, map[string]any{
			"tier":   string(tier),
			"status": statusOf(updated),
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CancelAutoRenew disables future renewal only. Tier, expiry and the verified
// badge stay untouched; a canceled-but-unexpired subscription behaves exactly
// like an active one for permission checks.
func (s *service) CancelAutoRenew(ctx context.Context, userID, placeID int64) (*models.Subscription, error) {
	if err := s.requirePlace(ctx, placeID); err != nil {
		return nil, err
	}
	if err := s.requireOwner(ctx, userID, placeID); err != nil {
		return nil, err
	}

	now := s.now()
	var result *models.Subscription
	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		stored, err := txRepo.FindSubscription(ctx, placeID)
		if err != nil {
			return err
		}
		if stored == nil || !stored.Tier.IsPaid() {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "no paid subscription to cancel")
		}
		if stored.Status == enums.SubscriptionStatusCanceled {
			result = stored
			return nil
		}
		if stored.Status != enums.SubscriptionStatusActive {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "subscription is not active")
		}

		stored.Status = enums.SubscriptionStatusCanceled
		stored.UpdatedAt = now
		if err := txRepo.UpsertSubscription(ctx, stored); err != nil {
			return err
		}
		result = stored

		return s.auditor.Append(tx, placeID, audit.Actor(userID), audit.ActionAutoRenewCanceled, map[string]any{
			"tier":       string(stored.Tier),
			"expires_at": stored.ExpiresAt,
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AdminSetTier is the privileged bypass: any tier, any current state.
// Forcing free closes the open period and purges synchronously.
func (s *service) AdminSetTier(ctx context.Context, adminID, placeID int64, tier enums.Tier, months int) (*models.Subscription, error) {
	if !s.isAdmin(adminID) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "admin access required")
	}
	if !tier.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown tier")
	}
	if err := s.requirePlace(ctx, placeID); err != nil {
		return nil, err
	}
	if months < 1 {
		months = 1
	}

	now := s.now()
	var result *models.Subscription
	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		if _, err := txRepo.EnsureSubscription(ctx, placeID); err != nil {
			return err
		}

		if tier == enums.TierFree {
			if err := s.downgradeInTx(ctx, tx, placeID, enums.PeriodCloseReasonAdminDowngrade, now); err != nil {
				return err
			}
		} else {
			paidUntil := now.Add(time.Duration(months) * plans.PeriodLength(tier))
			if _, err := s.projector.ApplyPaidSuccess(ctx, tx, placeID, tier, paidUntil, enums.PaymentSourcePlans, now); err != nil {
				return err
			}
		}

		updated, err := txRepo.FindSubscription(ctx, placeID)
		if err != nil {
			return err
		}
		result = updated

		return s.auditor.Append(tx, placeID, audit.Actor(adminID), audit.ActionAdminTierSet, map[string]any{
			"tier":   string(tier),
			"months": months,
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) downgradeInTx(ctx context.Context, tx *gorm.DB, placeID int64, reason enums.PeriodCloseReason, now time.Time) error {
	if err := s.projector.DowngradeToFree(ctx, tx, placeID, now); err != nil {
		return err
	}
	open, err := s.repo.WithTx(tx).FindOpenPeriod(ctx, placeID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find open period")
	}
	if open == nil {
		return nil
	}
	return s.purge.ClosePeriodAndPurge(ctx, tx, open, reason, now)
}

func (s *service) requirePlace(ctx context.Context, placeID int64) error {
	place, err := s.placeRepo.FindPlace(ctx, placeID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load place")
	}
	if place == nil {
		return pkgerrors.New(pkgerrors.CodeNotFound, "place not found")
	}
	return nil
}

func (s *service) requireOwner(ctx context.Context, userID, placeID int64) error {
	if s.isAdmin(userID) {
		return nil
	}
	approved, err := s.placeRepo.IsApprovedOwner(ctx, userID, placeID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check owner approval")
	}
	if !approved {
		return pkgerrors.New(pkgerrors.CodeForbidden, "only approved owners can manage this place")
	}
	return nil
}

func statusOf(sub *models.Subscription) string {
	if sub == nil {
		return ""
	}
	return string(sub.Status)
}
