package reconcile

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
	"github.com/mkovalenko/community-directory-backend/internal/purge"
	"github.com/mkovalenko/community-directory-backend/internal/subscriptions"
	"github.com/mkovalenko/community-directory-backend/pkg/config"
	"github.com/mkovalenko/community-directory-backend/pkg/db/models"
	"github.com/mkovalenko/community-directory-backend/pkg/enums"
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

type sweeperTestEnv struct {
	conn      *gorm.DB
	sweeper   *Sweeper
	projector *subscriptions.Projector
	now       time.Time
}

func setupSweeperTest(t *testing.T) *sweeperTestEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&models.Place{},
		&models.Subscription{},
		&models.SubscriptionPeriod{},
		&models.AuditLogEntry{},
		&models.PlaceLike{},
	))

	placeRepo := places.NewRepository(conn, retry.DefaultPolicy())
	subRepo := subscriptions.NewRepository(conn, retry.DefaultPolicy())
	projector, err := subscriptions.NewProjector(subRepo, placeRepo)
	require.NoError(t, err)

	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	auditor := audit.NewLogger()

	purgeEngine, err := purge.NewEngine(purge.EngineParams{
		SubscriptionRepo: subRepo,
		PlaceRepo:        placeRepo,
		Auditor:          auditor,
		Logger:           logg,
	})
	require.NoError(t, err)

	sweeper, err := NewSweeper(SweeperParams{
		Repo:              subRepo,
		Projector:         projector,
		Purge:             purgeEngine,
		TransactionRunner: gormTxRunner{conn: conn},
		Auditor:           auditor,
		Logger:            logg,
		Config:            config.ReconcileConfig{GraceDays: 3, BatchSize: 2},
		Now:               func() time.Time { return testNow },
	})
	require.NoError(t, err)

	return &sweeperTestEnv{conn: conn, sweeper: sweeper, projector: projector, now: testNow}
}

func (e *sweeperTestEnv) seedPlace(t *testing.T, name string) int64 {
	t.Helper()
	place := &models.Place{ServiceID: 1, Name: name, BusinessEnabled: true}
	require.NoError(t, e.conn.Create(place).Error)
	return place.ID
}

// seedPaid grants a paid entitlement expiring at until and then forces the
// given status on the row.
func (e *sweeperTestEnv) seedPaid(t *testing.T, placeID int64, until time.Time, status enums.SubscriptionStatus) {
	t.Helper()
	require.NoError(t, e.conn.Transaction(func(tx *gorm.DB) error {
		_, err := e.projector.ApplyPaidSuccess(context.Background(), tx, placeID, enums.TierLight, until, enums.PaymentSourceCard, until.AddDate(0, 0, -30))
		return err
	}))
	if status != enums.SubscriptionStatusActive {
		require.NoError(t, e.conn.Model(&models.Subscription{}).
			Where("place_id = ?", placeID).Update("status", status).Error)
	}
}

func (e *sweeperTestEnv) subscription(t *testing.T, placeID int64) *models.Subscription {
	t.Helper()
	var sub models.Subscription
	require.NoError(t, e.conn.Where("place_id = ?", placeID).First(&sub).Error)
	return &sub
}

func TestSweep_downgradesExpiredCanceled(t *testing.T) {
	env := setupSweeperTest(t)
	expired := env.seedPlace(t, "expired-canceled")
	env.seedPaid(t, expired, env.now.Add(-time.Hour), enums.SubscriptionStatusCanceled)
	current := env.seedPlace(t, "still-paid")
	env.seedPaid(t, current, env.now.AddDate(0, 0, 10), enums.SubscriptionStatusCanceled)

	stats, err := env.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 1, stats.ChangedCanceledToFree)
	assert.Zero(t, stats.ChangedPastDueToFree)
	assert.Zero(t, stats.Failed)

	sub := env.subscription(t, expired)
	assert.Equal(t, enums.TierFree, sub.Tier)
	assert.Equal(t, enums.SubscriptionStatusInactive, sub.Status)

	var place models.Place
	require.NoError(t, env.conn.First(&place, expired).Error)
	assert.False(t, place.IsVerified)

	// The unexpired cancellation keeps everything.
	assert.Equal(t, enums.SubscriptionStatusCanceled, env.subscription(t, current).Status)

	var period models.SubscriptionPeriod
	require.NoError(t, env.conn.Where("place_id = ?", expired).First(&period).Error)
	require.NotNil(t, period.CloseReason)
	assert.Equal(t, enums.PeriodCloseReasonExpired, *period.CloseReason)
	assert.NotNil(t, period.PurgeProcessedAt)
}

func TestSweep_honorsPastDueGrace(t *testing.T) {
	env := setupSweeperTest(t)
	inGrace := env.seedPlace(t, "in-grace")
	env.seedPaid(t, inGrace, env.now.AddDate(0, 0, -2), enums.SubscriptionStatusPastDue)
	pastGrace := env.seedPlace(t, "past-grace")
	env.seedPaid(t, pastGrace, env.now.AddDate(0, 0, -4), enums.SubscriptionStatusPastDue)

	stats, err := env.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ChangedPastDueToFree)

	assert.Equal(t, enums.SubscriptionStatusPastDue, env.subscription(t, inGrace).Status)
	assert.Equal(t, enums.TierFree, env.subscription(t, pastGrace).Tier)

	var period models.SubscriptionPeriod
	require.NoError(t, env.conn.Where("place_id = ?", pastGrace).First(&period).Error)
	require.NotNil(t, period.CloseReason)
	assert.Equal(t, enums.PeriodCloseReasonPastDue, *period.CloseReason)
}

func TestSweep_secondRunChangesNothing(t *testing.T) {
	env := setupSweeperTest(t)
	placeID := env.seedPlace(t, "expired")
	env.seedPaid(t, placeID, env.now.Add(-time.Hour), enums.SubscriptionStatusCanceled)

	first, err := env.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first.ChangedCanceledToFree)

	var period models.SubscriptionPeriod
	require.NoError(t, env.conn.Where("place_id = ?", placeID).First(&period).Error)
	stamp := *period.PurgeProcessedAt

	second, err := env.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.ChangedCanceledToFree)
	assert.Zero(t, second.ChangedPastDueToFree)

	require.NoError(t, env.conn.Where("place_id = ?", placeID).First(&period).Error)
	assert.Equal(t, stamp, *period.PurgeProcessedAt)
}

func TestSweep_scansAcrossBatches(t *testing.T) {
	env := setupSweeperTest(t)
	// BatchSize is 2; five places force three batches.
	for i := 0; i < 5; i++ {
		placeID := env.seedPlace(t, fmt.Sprintf("p%d", i))
		env.seedPaid(t, placeID, env.now.Add(-time.Hour), enums.SubscriptionStatusCanceled)
	}

	stats, err := env.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Scanned)
	assert.Equal(t, 5, stats.ChangedCanceledToFree)
}

func TestSweep_finishesInterruptedPurges(t *testing.T) {
	env := setupSweeperTest(t)
	placeID := env.seedPlace(t, "crashed")

	// A closed period whose purge never completed, as left by a crash
	// between the close and the purge stamp.
	closedAt := env.now.Add(-time.Hour)
	reason := enums.PeriodCloseReasonExpired
	period := &models.SubscriptionPeriod{
		PlaceID:     placeID,
		Tier:        enums.TierLight,
		StartedAt:   env.now.AddDate(0, 0, -30),
		PaidUntil:   closedAt,
		Source:      enums.PaymentSourceCard,
		ClosedAt:    &closedAt,
		CloseReason: &reason,
	}
	require.NoError(t, env.conn.Create(period).Error)
	require.NoError(t, env.conn.Create(&models.PlaceLike{
		PlaceID: placeID, ChatID: 1, LikedAt: env.now.AddDate(0, 0, -5),
	}).Error)

	stats, err := env.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RepurgedPeriods)

	var stored models.SubscriptionPeriod
	require.NoError(t, env.conn.First(&stored, period.ID).Error)
	assert.NotNil(t, stored.PurgeProcessedAt)

	var likes int64
	require.NoError(t, env.conn.Model(&models.PlaceLike{}).Count(&likes).Error)
	assert.Zero(t, likes)
}
