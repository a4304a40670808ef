package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"github.com/mkovalenko/community-directory-backend/internal/audit"
	"github.com/mkovalenko/community-directory-backend/internal/places"
	"github.com/mkovalenko/community-directory-backend/internal/subscriptions"
	"github.com/mkovalenko/community-directory-backend/pkg/db/models"
	"github.com/mkovalenko/community-directory-backend/pkg/enums"
	pkgerrors "github.com/mkovalenko/community-directory-backend/pkg/errors"
	"github.com/mkovalenko/community-directory-backend/pkg/logger"
	"github.com/mkovalenko/community-directory-backend/pkg/plans"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type adminNotifier interface {
	CreateAdminJob(ctx context.Context, kind string, payload any) error
}

// CreateIntentInput describes a purchase request from the UI layer.
type CreateIntentInput struct {
	UserID   int64                 `validate:"required,gt=0"`
	PlaceID  int64                 `validate:"required,gt=0"`
	Tier     enums.Tier            `validate:"required"`
	Provider enums.PaymentProvider `validate:"required"`
	Source   enums.PaymentSource
}

// SuccessNotification is a provider success callback normalized into
// ledger terms. For the Stars provider the fields come out of the invoice
// payload via DecodeStarsPayload before this struct is built.
type SuccessNotification struct {
	Provider          enums.PaymentProvider `validate:"required"`
	PlaceID           int64                 `validate:"required,gt=0"`
	Tier              enums.Tier            `validate:"required"`
	UserID            int64
	ExternalPaymentID string `validate:"required"`
	AmountStars       int64  `validate:"gte=0"`
	Currency          string
	Source            enums.PaymentSource
	// PaidUntilHint carries the provider's own expiry when it sends one;
	// otherwise the plan period length applies.
	PaidUntilHint *time.Time
	RawPayload    json.RawMessage
}

// TerminalNotification is a cancel, fail or refund callback. Kind accepts
// the raw provider wording; it is normalized before recording.
type TerminalNotification struct {
	Provider          enums.PaymentProvider `validate:"required"`
	PlaceID           int64                 `validate:"gte=0"`
	UserID            int64
	ExternalPaymentID string `validate:"required"`
	Kind              string `validate:"required"`
	AmountStars       int64
	RawPayload        json.RawMessage
}

// Result reports what a notification did. Duplicate means the dedup gate
// swallowed it; the first delivery already applied the effect.
type Result struct {
	Applied      bool
	Duplicate    bool
	Subscription *models.Subscription
}

// Service receives provider notifications and opens purchase intents.
type Service interface {
	CreatePaymentIntent(ctx context.Context, in CreateIntentInput) (*Intent, error)
	ValidatePreCheckout(ctx context.Context, invoicePayload string, amountStars int64) (*StarsPayload, error)
	ApplySuccessfulPayment(ctx context.Context, in SuccessNotification) (*Result, error)
	ApplyTerminalEvent(ctx context.Context, in TerminalNotification) (*Result, error)
	ApplyMockPaymentResult(ctx context.Context, intent Intent, userID int64, outcome string) (*Result, error)
}

// ServiceParams groups dependencies for the payment service.
type ServiceParams struct {
	Repo              subscriptions.Repository
	PlaceRepo         places.Repository
	Projector         *subscriptions.Projector
	TransactionRunner txRunner
	Auditor           *audit.Logger
	Logger            *logger.Logger
	Notifier          adminNotifier
	IsAdmin           func(userID int64) bool
	Now               func() time.Time
}

type service struct {
	repo      subscriptions.Repository
	placeRepo places.Repository
	projector *subscriptions.Projector
	txRunner  txRunner
	auditor   *audit.Logger
	logg      *logger.Logger
	notifier  adminNotifier
	isAdmin   func(userID int64) bool
	now       func() time.Time
	validate  *validator.Validate
}

// NewService builds a payment service with the required dependencies.
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
		txRunner:  params.TransactionRunner,
		auditor:   params.Auditor,
		logg:      params.Logger,
		notifier:  params.Notifier,
		isAdmin:   isAdmin,
		now:       now,
		validate:  validator.New(),
	}, nil
}

// CreatePaymentIntent validates the purchase and allocates an intent with a
// fixed external payment id. The invoice_created event is recorded so the
// whole flow is traceable from the ledger alone.
func (s *service) CreatePaymentIntent(ctx context.Context, in CreateIntentInput) (*Intent, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid payment intent input")
	}
	if !in.Tier.IsPaid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment intents require a paid tier")
	}
	if !in.Source.IsValid() {
		in.Source = enums.PaymentSourceCard
	}

	if err := s.authorizePurchase(ctx, in.UserID, in.PlaceID); err != nil {
		return nil, err
	}

	amount, ok := plans.StarsPrice(in.Tier)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("tier %q has no price", in.Tier))
	}

	provider, err := ProviderFor(in.Provider, s.now)
	if err != nil {
		return nil, err
	}
	intent := provider.CreateIntent(in.UserID, in.PlaceID, in.Tier, amount, in.Source)

	err = s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if _, err := repo.InsertPaymentEvent(ctx, &models.PaymentEvent{
			PlaceID:           intent.PlaceID,
			Provider:          intent.Provider,
			ExternalPaymentID: intent.ExternalPaymentID,
			EventType:         enums.PaymentEventInvoiceCreated,
			AmountStars:       intent.AmountStars,
			Currency:          starsCurrency,
		}); err != nil {
			return err
		}
		return s.auditor.Append(tx, intent.PlaceID, audit.Actor(in.UserID), audit.ActionInvoiceCreated, map[string]any{
			"provider":            string(intent.Provider),
			"tier":                string(intent.Tier),
			"external_payment_id": intent.ExternalPaymentID,
			"amount_stars":        intent.AmountStars,
		})
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record invoice")
	}

	lctx := s.logg.WithFields(ctx, map[string]any{
		"place_id": intent.PlaceID,
		"provider": string(intent.Provider),
		"tier":     string(intent.Tier),
	})
	s.logg.Info(lctx, "payment intent created")
	return &intent, nil
}

// ValidatePreCheckout re-checks a Stars invoice right before the provider
// charges the buyer. The payload may be hours old, so every check runs
// against live state.
func (s *service) ValidatePreCheckout(ctx context.Context, invoicePayload string, amountStars int64) (*StarsPayload, error) {
	payload, err := DecodeStarsPayload(invoicePayload)
	if err != nil {
		return nil, err
	}

	expected, ok := plans.StarsPrice(payload.Tier)
	if !ok || expected != amountStars {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invoice amount does not match the current price")
	}

	if err := s.authorizePurchase(ctx, payload.UserID, payload.PlaceID); err != nil {
		return nil, err
	}
	return payload, nil
}

// ApplySuccessfulPayment records the success event and projects the
// entitlement in one transaction. A duplicate delivery commits nothing and
// reports Duplicate.
func (s *service) ApplySuccessfulPayment(ctx context.Context, in SuccessNotification) (*Result, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid success notification")
	}
	if !in.Tier.IsPaid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "successful payments require a paid tier")
	}
	if in.Currency == "" {
		in.Currency = starsCurrency
	}
	if !in.Source.IsValid() {
		in.Source = enums.PaymentSourceCard
	}
	if _, err := s.requirePlace(ctx, in.PlaceID); err != nil {
		return nil, err
	}

	now := s.now()
	result := &Result{}
	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		event := &models.PaymentEvent{
			PlaceID:           in.PlaceID,
			Provider:          in.Provider,
			ExternalPaymentID: in.ExternalPaymentID,
			EventType:         enums.PaymentEventSuccess,
			AmountStars:       in.AmountStars,
			Currency:          in.Currency,
			RawPayload:        in.RawPayload,
		}
		inserted, err := repo.InsertPaymentEvent(ctx, event)
		if err != nil {
			return err
		}
		if !inserted {
			result.Duplicate = true
			return nil
		}

		paidUntil := s.paidUntil(ctx, repo, in, now)
		sub, err := s.projector.ApplyPaidSuccess(ctx, tx, in.PlaceID, in.Tier, paidUntil, in.Source, now)
		if err != nil {
			return err
		}

		if err := repo.MarkPaymentEventProcessed(ctx, event.ID, now); err != nil {
			return err
		}
		if err := s.auditor.Append(tx, in.PlaceID, audit.Actor(in.UserID), audit.ActionPaymentSuccessApplied, map[string]any{
			"provider":            string(in.Provider),
			"tier":                string(in.Tier),
			"external_payment_id": in.ExternalPaymentID,
			"amount_stars":        in.AmountStars,
			"paid_until":          paidUntil.Format(time.RFC3339),
		}); err != nil {
			return err
		}

		result.Applied = true
		result.Subscription = sub
		return nil
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "apply successful payment")
	}

	lctx := s.logg.WithFields(ctx, map[string]any{
		"place_id":            in.PlaceID,
		"provider":            string(in.Provider),
		"external_payment_id": in.ExternalPaymentID,
	})
	if result.Duplicate {
		s.logg.Info(lctx, "duplicate success notification ignored")
	} else {
		s.logg.Info(lctx, "payment applied")
		s.notify(ctx, "payment_applied", map[string]any{
			"place_id":     in.PlaceID,
			"tier":         string(in.Tier),
			"amount_stars": in.AmountStars,
		})
	}
	return result, nil
}

// ApplyTerminalEvent records a cancel, fail or refund. None of them touch
// the entitlement: cancel and fail arrive before anything was granted, and
// a refund is an accounting fact handled by an operator if at all.
func (s *service) ApplyTerminalEvent(ctx context.Context, in TerminalNotification) (*Result, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid terminal notification")
	}
	kind, err := enums.ParseTerminalKind(in.Kind)
	if err != nil {
		return nil, err
	}
	if _, err := s.requirePlace(ctx, in.PlaceID); err != nil {
		return nil, err
	}

	now := s.now()
	result := &Result{}
	err = s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		event := &models.PaymentEvent{
			PlaceID:           in.PlaceID,
			Provider:          in.Provider,
			ExternalPaymentID: in.ExternalPaymentID,
			EventType:         kind,
			AmountStars:       in.AmountStars,
			Currency:          starsCurrency,
			RawPayload:        in.RawPayload,
		}
		inserted, err := repo.InsertPaymentEvent(ctx, event)
		if err != nil {
			return err
		}
		if !inserted {
			result.Duplicate = true
			return nil
		}

		if err := repo.MarkPaymentEventProcessed(ctx, event.ID, now); err != nil {
			return err
		}
		if err := s.auditor.Append(tx, in.PlaceID, audit.Actor(in.UserID), audit.ActionPaymentTerminalApplied, map[string]any{
			"provider":            string(in.Provider),
			"kind":                string(kind),
			"external_payment_id": in.ExternalPaymentID,
		}); err != nil {
			return err
		}

		result.Applied = true
		return nil
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "apply terminal event")
	}

	if result.Applied && kind == enums.PaymentEventRefund {
		s.notify(ctx, "payment_refunded", map[string]any{
			"place_id":            in.PlaceID,
			"external_payment_id": in.ExternalPaymentID,
			"amount_stars":        in.AmountStars,
		})
	}
	return result, nil
}

// ApplyMockPaymentResult settles a mock intent with the outcome chosen in
// the UI. Success grants the entitlement through the same path as a real
// provider callback.
func (s *service) ApplyMockPaymentResult(ctx context.Context, intent Intent, userID int64, outcome string) (*Result, error) {
	if intent.Provider != enums.PaymentProviderMock {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "mock results only settle mock intents")
	}
	if outcome == string(enums.PaymentEventSuccess) {
		return s.ApplySuccessfulPayment(ctx, SuccessNotification{
			Provider:          intent.Provider,
			PlaceID:           intent.PlaceID,
			Tier:              intent.Tier,
			UserID:            userID,
			ExternalPaymentID: intent.ExternalPaymentID,
			AmountStars:       intent.AmountStars,
			Source:            intent.Source,
		})
	}
	return s.ApplyTerminalEvent(ctx, TerminalNotification{
		Provider:          intent.Provider,
		PlaceID:           intent.PlaceID,
		UserID:            userID,
		ExternalPaymentID: intent.ExternalPaymentID,
		Kind:              outcome,
		AmountStars:       intent.AmountStars,
	})
}

// paidUntil picks the expiry for a granted entitlement: the provider hint
// when present, otherwise the plan period extending the current window on
// renewal instead of stacking.
func (s *service) paidUntil(ctx context.Context, repo subscriptions.Repository, in SuccessNotification, now time.Time) time.Time {
	if in.PaidUntilHint != nil {
		return in.PaidUntilHint.UTC()
	}
	base := now
	if sub, err := repo.FindSubscription(ctx, in.PlaceID); err == nil && sub != nil {
		if sub.Tier.IsPaid() && sub.Status == enums.SubscriptionStatusActive &&
			sub.ExpiresAt != nil && sub.ExpiresAt.After(now) {
			base = *sub.ExpiresAt
		}
	}
	return base.Add(plans.PeriodLength(in.Tier))
}

// requirePlace resolves the place a notification claims to pay for. Provider
// callbacks carry ids from an old invoice, so the place may be gone by now.
func (s *service) requirePlace(ctx context.Context, placeID int64) (*models.Place, error) {
	place, err := s.placeRepo.FindPlace(ctx, placeID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load place")
	}
	if place == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "place not found")
	}
	return place, nil
}

// authorizePurchase requires a live business place and either an approved
// owner or an admin.
func (s *service) authorizePurchase(ctx context.Context, userID, placeID int64) error {
	place, err := s.requirePlace(ctx, placeID)
	if err != nil {
		return err
	}
	if !place.BusinessEnabled {
		return pkgerrors.New(pkgerrors.CodeValidation, "place is not a business listing")
	}
	if s.isAdmin(userID) {
		return nil
	}
	approved, err := s.placeRepo.IsApprovedOwner(ctx, userID, placeID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check ownership")
	}
	if !approved {
		return pkgerrors.New(pkgerrors.CodeForbidden, "only an approved owner can buy a subscription")
	}
	return nil
}

func (s *service) notify(ctx context.Context, kind string, payload map[string]any) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.CreateAdminJob(ctx, kind, payload); err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "job_kind", kind), "admin notification failed")
	}
}

const starsCurrency = "XTR"
