package payments

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mkovalenko/community-directory-backend/internal/audit"
	"github.com/mkovalenko/community-directory-backend/internal/places"
	"github.com/mkovalenko/community-directory-backend/internal/subscriptions"
	"github.com/mkovalenko/community-directory-backend/pkg/db/models"
	"github.com/mkovalenko/community-directory-backend/pkg/enums"
	pkgerrors "github.com/mkovalenko/community-directory-backend/pkg/errors"
	"github.com/mkovalenko/community-directory-backend/pkg/logger"
	"github.com/mkovalenko/community-directory-backend/pkg/retry"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type gormTxRunner struct {
	conn *gorm.DB
}

func (g gormTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return g.conn.Transaction(func(tx *gorm.DB) error {
		return fn(tx)
	})
}

type paymentTestEnv struct {
	conn    *gorm.DB
	svc     Service
	subRepo subscriptions.Repository
	now     time.Time
}

func setupPaymentTest(t *testing.T) *paymentTestEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, conn.AutoMigrate(
		&models.Place{},
		&models.BusinessOwner{},
		&models.Subscription{},
		&models.SubscriptionPeriod{},
		&models.PaymentEvent{},
		&models.AuditLogEntry{},
		&models.PlaceLike{},
	))

	placeRepo := places.NewRepository(conn, retry.DefaultPolicy())
	subRepo := subscriptions.NewRepository(conn, retry.DefaultPolicy())
	projector, err := subscriptions.NewProjector(subRepo, placeRepo)
	require.NoError(t, err)

	svc, err := NewService(ServiceParams{
		Repo:              subRepo,
		PlaceRepo:         placeRepo,
		Projector:         projector,
		TransactionRunner: gormTxRunner{conn: conn},
		Auditor:           audit.NewLogger(),
		Logger:            logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		IsAdmin:           func(id int64) bool { return id == 999 },
		Now:               func() time.Time { return testNow },
	})
	require.NoError(t, err)

	return &paymentTestEnv{conn: conn, svc: svc, subRepo: subRepo, now: testNow}
}

func (e *paymentTestEnv) seedBusinessPlace(t *testing.T, ownerID int64) int64 {
	t.Helper()
	place := &models.Place{ServiceID: 1, Name: "Coffee Point", BusinessEnabled: true}
	require.NoError(t, e.conn.Create(place).Error)
	if ownerID != 0 {
		approvedAt := e.now.Add(-24 * time.Hour)
		require.NoError(t, e.conn.Create(&models.BusinessOwner{
			PlaceID:    place.ID,
			UserID:     ownerID,
			Role:       "owner",
			Status:     enums.OwnerStatusApproved,
			ApprovedAt: &approvedAt,
		}).Error)
	}
	return place.ID
}

func (e *paymentTestEnv) subscription(t *testing.T, placeID int64) *models.Subscription {
	t.Helper()
	sub, err := e.subRepo.FindSubscription(context.Background(), placeID)
	require.NoError(t, err)
	return sub
}

func (e *paymentTestEnv) place(t *testing.T, placeID int64) *models.Place {
	t.Helper()
	var place models.Place
	require.NoError(t, e.conn.First(&place, placeID).Error)
	return &place
}

func successFor(placeID int64, externalID string) SuccessNotification {
	return SuccessNotification{
		Provider:          enums.PaymentProviderTelegramStars,
		PlaceID:           placeID,
		Tier:              enums.TierLight,
		UserID:            42,
		ExternalPaymentID: externalID,
		AmountStars:       1000,
		Source:            enums.PaymentSourceCard,
	}
}

func TestApplySuccessfulPayment_grantsEntitlement(t *testing.T) {
	env := setupPaymentTest(t)
	placeID := env.seedBusinessPlace(t, 42)
	ctx := context.Background()

	result, err := env.svc.ApplySuccessfulPayment(ctx, successFor(placeID, "tg_100_aa"))
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.False(t, result.Duplicate)

	sub := env.subscription(t, placeID)
	require.NotNil(t, sub)
	assert.Equal(t, enums.TierLight, sub.Tier)
	assert.Equal(t, enums.SubscriptionStatusActive, sub.Status)
	require.NotNil(t, sub.ExpiresAt)
	assert.Equal(t, env.now.AddDate(0, 0, 30), sub.ExpiresAt.UTC())

	place := env.place(t, placeID)
	assert.True(t, place.IsVerified)
	require.NotNil(t, place.VerifiedTier)
	assert.Equal(t, enums.TierLight, *place.VerifiedTier)

	var periods []models.SubscriptionPeriod
	require.NoError(t, env.conn.Where("place_id = ?", placeID).Find(&periods).Error)
	require.Len(t, periods, 1)
	assert.Nil(t, periods[0].ClosedAt)

	var entries []models.AuditLogEntry
	require.NoError(t, env.conn.Where("place_id = ? AND action = ?", placeID, audit.ActionPaymentSuccessApplied).Find(&entries).Error)
	assert.Len(t, entries, 1)
}

func TestApplySuccessfulPayment_duplicateIsNotAnError(t *testing.T) {
	env := setupPaymentTest(t)
	placeID := env.seedBusinessPlace(t, 42)
	ctx := context.Background()

	first, err := env.svc.ApplySuccessfulPayment(ctx, successFor(placeID, "tg_100_bb"))
	require.NoError(t, err)
	require.True(t, first.Applied)
	expiry := env.subscription(t, placeID).ExpiresAt.UTC()

	second, err := env.svc.ApplySuccessfulPayment(ctx, successFor(placeID, "tg_100_bb"))
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.True(t, second.Duplicate)

	// The replay must not stack paid time.
	assert.Equal(t, expiry, env.subscription(t, placeID).ExpiresAt.UTC())

	var count int64
	require.NoError(t, env.conn.Model(&models.PaymentEvent{}).
		Where("external_payment_id = ? AND event_type = ?", "tg_100_bb", enums.PaymentEventSuccess).
		Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestApplySuccessfulPayment_renewalExtendsOpenPeriod(t *testing.T) {
	env := setupPaymentTest(t)
	placeID := env.seedBusinessPlace(t, 42)
	ctx := context.Background()

	_, err := env.svc.ApplySuccessfulPayment(ctx, successFor(placeID, "tg_100_cc"))
	require.NoError(t, err)
	_, err = env.svc.ApplySuccessfulPayment(ctx, successFor(placeID, "tg_200_dd"))
	require.NoError(t, err)

	sub := env.subscription(t, placeID)
	assert.Equal(t, env.now.AddDate(0, 0, 60), sub.ExpiresAt.UTC())

	var periods []models.SubscriptionPeriod
	require.NoError(t, env.conn.Where("place_id = ? AND closed_at IS NULL", placeID).Find(&periods).Error)
	require.Len(t, periods, 1)
	assert.Equal(t, env.now.AddDate(0, 0, 60), periods[0].PaidUntil.UTC())
}

func TestApplyTerminalEvent_cancelLeavesNothingGranted(t *testing.T) {
	env := setupPaymentTest(t)
	placeID := env.seedBusinessPlace(t, 42)
	ctx := context.Background()

	result, err := env.svc.ApplyTerminalEvent(ctx, TerminalNotification{
		Provider:          enums.PaymentProviderTelegramStars,
		PlaceID:           placeID,
		UserID:            42,
		ExternalPaymentID: "tg_300_ee",
		Kind:              "cancelled",
	})
	require.NoError(t, err)
	assert.True(t, result.Applied)

	assert.Nil(t, env.subscription(t, placeID))
	assert.False(t, env.place(t, placeID).IsVerified)

	// British and American spellings land on the same dedup key.
	replay, err := env.svc.ApplyTerminalEvent(ctx, TerminalNotification{
		Provider:          enums.PaymentProviderTelegramStars,
		PlaceID:           placeID,
		ExternalPaymentID: "tg_300_ee",
		Kind:              "canceled",
	})
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
}

func TestApplyTerminalEvent_refundKeepsEntitlement(t *testing.T) {
	env := setupPaymentTest(t)
	placeID := env.seedBusinessPlace(t, 42)
	ctx := context.Background()

	_, err := env.svc.ApplySuccessfulPayment(ctx, successFor(placeID, "tg_400_ff"))
	require.NoError(t, err)

	result, err := env.svc.ApplyTerminalEvent(ctx, TerminalNotification{
		Provider:          enums.PaymentProviderTelegramStars,
		PlaceID:           placeID,
		ExternalPaymentID: "tg_400_ff",
		Kind:              "refunded",
		AmountStars:       1000,
	})
	require.NoError(t, err)
	assert.True(t, result.Applied)

	sub := env.subscription(t, placeID)
	assert.Equal(t, enums.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, enums.TierLight, sub.Tier)
	assert.True(t, env.place(t, placeID).IsVerified)
}

func TestApplyMockPaymentResult_matchesProviderSemantics(t *testing.T) {
	env := setupPaymentTest(t)
	placeID := env.seedBusinessPlace(t, 42)
	ctx := context.Background()

	intent, err := env.svc.CreatePaymentIntent(ctx, CreateIntentInput{
		UserID:   42,
		PlaceID:  placeID,
		Tier:     enums.TierPro,
		Provider: enums.PaymentProviderMock,
		Source:   enums.PaymentSourcePlans,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2500), intent.AmountStars)
	assert.Empty(t, intent.InvoicePayload)

	result, err := env.svc.ApplyMockPaymentResult(ctx, *intent, 42, "success")
	require.NoError(t, err)
	assert.True(t, result.Applied)

	sub := env.subscription(t, placeID)
	assert.Equal(t, enums.TierPro, sub.Tier)
	assert.Equal(t, enums.SubscriptionStatusActive, sub.Status)

	replay, err := env.svc.ApplyMockPaymentResult(ctx, *intent, 42, "success")
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
}

func TestApplyMockPaymentResult_failRecordsTerminal(t *testing.T) {
	env := setupPaymentTest(t)
	placeID := env.seedBusinessPlace(t, 42)
	ctx := context.Background()

	intent, err := env.svc.CreatePaymentIntent(ctx, CreateIntentInput{
		UserID:   42,
		PlaceID:  placeID,
		Tier:     enums.TierLight,
		Provider: enums.PaymentProviderMock,
	})
	require.NoError(t, err)

	result, err := env.svc.ApplyMockPaymentResult(ctx, *intent, 42, "failed")
	require.NoError(t, err)
	assert.True(t, result.Applied)

	assert.Nil(t, env.subscription(t, placeID))

	var event models.PaymentEvent
	require.NoError(t, env.conn.
		Where("external_payment_id = ? AND event_type = ?", intent.ExternalPaymentID, enums.PaymentEventFail).
		First(&event).Error)
}

func TestCreatePaymentIntent_requiresApprovedOwner(t *testing.T) {
	env := setupPaymentTest(t)
	placeID := env.seedBusinessPlace(t, 42)
	ctx := context.Background()

	_, err := env.svc.CreatePaymentIntent(ctx, CreateIntentInput{
		UserID:   7,
		PlaceID:  placeID,
		Tier:     enums.TierLight,
		Provider: enums.PaymentProviderTelegramStars,
	})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeForbidden, pkgerrors.CodeOf(err))

	// Admins bypass the ownership check.
	intent, err := env.svc.CreatePaymentIntent(ctx, CreateIntentInput{
		UserID:   999,
		PlaceID:  placeID,
		Tier:     enums.TierLight,
		Provider: enums.PaymentProviderTelegramStars,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, intent.InvoicePayload)

	var event models.PaymentEvent
	require.NoError(t, env.conn.
		Where("external_payment_id = ? AND event_type = ?", intent.ExternalPaymentID, enums.PaymentEventInvoiceCreated).
		First(&event).Error)
}

func TestValidatePreCheckout(t *testing.T) {
	env := setupPaymentTest(t)
	placeID := env.seedBusinessPlace(t, 42)
	ctx := context.Background()

	intent, err := env.svc.CreatePaymentIntent(ctx, CreateIntentInput{
		UserID:   42,
		PlaceID:  placeID,
		Tier:     enums.TierPartner,
		Provider: enums.PaymentProviderTelegramStars,
	})
	require.NoError(t, err)

	payload, err := env.svc.ValidatePreCheckout(ctx, intent.InvoicePayload, 5000)
	require.NoError(t, err)
	assert.Equal(t, placeID, payload.PlaceID)
	assert.Equal(t, enums.TierPartner, payload.Tier)

	_, err = env.svc.ValidatePreCheckout(ctx, intent.InvoicePayload, 4000)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err))

	_, err = env.svc.ValidatePreCheckout(ctx, "garbage", 5000)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err))
}

func TestValidatePreCheckout_rechecksLiveState(t *testing.T) {
	env := setupPaymentTest(t)
	placeID := env.seedBusinessPlace(t, 42)
	ctx := context.Background()

	intent, err := env.svc.CreatePaymentIntent(ctx, CreateIntentInput{
		UserID:   42,
		PlaceID:  placeID,
		Tier:     enums.TierLight,
		Provider: enums.PaymentProviderTelegramStars,
	})
	require.NoError(t, err)

	// Owner approval revoked between invoice and checkout.
	require.NoError(t, env.conn.Model(&models.BusinessOwner{}).
		Where("place_id = ? AND user_id = ?", placeID, int64(42)).
		Update("status", enums.OwnerStatusRejected).Error)

	_, err = env.svc.ValidatePreCheckout(ctx, intent.InvoicePayload, 1000)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeForbidden, pkgerrors.CodeOf(err))
}

func TestApplyNotifications_rejectUnknownPlace(t *testing.T) {
	env := setupPaymentTest(t)
	ctx := context.Background()

	_, err := env.svc.ApplySuccessfulPayment(ctx, successFor(999999, "tg_900_zz"))
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.CodeOf(err))

	sub, err := env.subRepo.FindSubscription(ctx, 999999)
	require.NoError(t, err)
	assert.Nil(t, sub, "no subscription row may appear for an unknown place")

	var events int64
	require.NoError(t, env.conn.Model(&models.PaymentEvent{}).Count(&events).Error)
	assert.Zero(t, events)

	_, err = env.svc.ApplyTerminalEvent(ctx, TerminalNotification{
		Provider:          enums.PaymentProviderTelegramStars,
		PlaceID:           999999,
		UserID:            42,
		ExternalPaymentID: "tg_901_zz",
		Kind:              "refund",
		AmountStars:       1000,
	})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.CodeOf(err))
}
