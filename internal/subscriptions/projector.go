package subscriptions

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/mkovalenko/community-directory-backend/internal/places"
	"github.com/mkovalenko/community-directory-backend/pkg/db/models"
	"github.com/mkovalenko/community-directory-backend/pkg/enums"
	pkgerrors "github.com/mkovalenko/community-directory-backend/pkg/errors"
)

// Projector derives the entitlement projection — subscription row, place
// verified flags, open period — from ledger facts. Every method runs inside
// the caller's transaction so the projection commits atomically with the
// payment-event row that justified it.
type Projector struct {
	subRepo   Repository
	placeRepo places.Repository
}

// NewProjector builds an entitlement projector.
func NewProjector(subRepo Repository, placeRepo places.Repository) (*Projector, error) {
	if subRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "subscription repo required")
	}
	if placeRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "place repo required")
	}
	return &Projector{subRepo: subRepo, placeRepo: placeRepo}, nil
}

// ApplyPaidSuccess grants the paid entitlement: subscription becomes
// (tier, active, now..paidUntil), the place verified trio follows, and the
// paid window is recorded — opening a period when none is open, extending the
// open one on renewal.
func (p *Projector) ApplyPaidSuccess(ctx context.Context, tx *gorm.DB, placeID int64, tier enums.Tier, paidUntil time.Time, source enums.PaymentSource, now time.Time) (*models.Subscription, error) {
	if !tier.IsPaid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "paid success requires a paid tier")
	}

	subRepo := p.subRepo.WithTx(tx)
	placeRepo := p.placeRepo.WithTx(tx)

	startsAt := now
	sub := &models.Subscription{
		PlaceID:   placeID,
		Tier:      tier,
		Status:    enums.SubscriptionStatusActive,
		StartsAt:  &startsAt,
		ExpiresAt: &paidUntil,
		UpdatedAt: now,
	}
	if err := subRepo.UpsertSubscription(ctx, sub); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "upsert subscription")
	}

	verifiedTier := tier
	verifiedUntil := paidUntil
	if err := placeRepo.UpdateBusinessFlags(ctx, placeID, places.BusinessFlags{
		BusinessEnabled: true,
		IsVerified:      true,
		VerifiedTier:    &verifiedTier,
		VerifiedUntil:   &verifiedUntil,
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update place verified flags")
	}

	open, err := subRepo.FindOpenPeriod(ctx, placeID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find open period")
	}
	if open == nil {
		period := &models.SubscriptionPeriod{
			PlaceID:   placeID,
			Tier:      tier,
			StartedAt: now,
			PaidUntil: paidUntil,
			Source:    source,
		}
		if err := subRepo.OpenPeriod(ctx, period); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "open period")
		}
	} else {
		// Renewal: extend the open window, never stack a second one.
		open.PaidUntil = paidUntil
		open.Tier = tier
		if err := subRepo.SavePeriod(ctx, open); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "extend open period")
		}
	}

	return sub, nil
}

// DowngradeToFree resets the subscription to free/inactive and clears the
// place verified trio. The open period, if any, is left for the caller to
// close and purge.
func (p *Projector) DowngradeToFree(ctx context.Context, tx *gorm.DB, placeID int64, now time.Time) error {
	subRepo := p.subRepo.WithTx(tx)
	placeRepo := p.placeRepo.WithTx(tx)

	sub := &models.Subscription{
		PlaceID:   placeID,
		Tier:      enums.TierFree,
		Status:    enums.SubscriptionStatusInactive,
		StartsAt:  nil,
		ExpiresAt: nil,
		UpdatedAt: now,
	}
	if err := subRepo.UpsertSubscription(ctx, sub); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "upsert subscription")
	}

	if err := placeRepo.UpdateBusinessFlags(ctx, placeID, places.BusinessFlags{
		BusinessEnabled: true,
		IsVerified:      false,
	}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "clear place verified flags")
	}
	return nil
}

// VerifiedFromSubscription derives the place verified trio from the current
// subscription row. Canceled-but-unexpired keeps its badge until expiry.
func VerifiedFromSubscription(sub *models.Subscription, now time.Time) places.BusinessFlags {
	if sub == nil || !sub.Tier.IsPaid() {
		return places.BusinessFlags{BusinessEnabled: true}
	}
	entitled := sub.Status == enums.SubscriptionStatusActive ||
		(sub.Status == enums.SubscriptionStatusCanceled && !sub.IsExpired(now))
	if !entitled {
		return places.BusinessFlags{BusinessEnabled: true}
	}
	tier := sub.Tier
	return places.BusinessFlags{
		BusinessEnabled: true,
		IsVerified:      true,
		VerifiedTier:    &tier,
		VerifiedUntil:   sub.ExpiresAt,
	}
}
