package purge

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
	"github.com/mkovalenko/community-directory-backend/pkg/logger"
	"github.com/mkovalenko/community-directory-backend/pkg/retry"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type purgeTestEnv struct {
	conn   *gorm.DB
	engine *Engine
}

func setupPurgeTest(t *testing.T) *purgeTestEnv {
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

	engine, err := NewEngine(EngineParams{
		SubscriptionRepo: subscriptions.NewRepository(conn, retry.DefaultPolicy()),
		PlaceRepo:        places.NewRepository(conn, retry.DefaultPolicy()),
		Auditor:          audit.NewLogger(),
		Logger:           logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
	})
	require.NoError(t, err)
	return &purgeTestEnv{conn: conn, engine: engine}
}

func TestClosePeriodAndPurge_deletesOnlyWindowLikes(t *testing.T) {
	env := setupPurgeTest(t)
	ctx := context.Background()

	startedAt := testNow.AddDate(0, 0, -30)
	paidUntil := testNow
	period := &models.SubscriptionPeriod{
		PlaceID:   1,
		Tier:      enums.TierLight,
		StartedAt: startedAt,
		PaidUntil: paidUntil,
		Source:    enums.PaymentSourceCard,
	}
	require.NoError(t, env.conn.Create(period).Error)

	likes := []models.PlaceLike{
		{PlaceID: 1, ChatID: 1, LikedAt: startedAt.Add(-time.Hour)},     // before window
		{PlaceID: 1, ChatID: 2, LikedAt: startedAt},                     // window start, inclusive
		{PlaceID: 1, ChatID: 3, LikedAt: paidUntil.Add(-2 * time.Hour)}, // inside
		{PlaceID: 1, ChatID: 4, LikedAt: paidUntil},                     // window end, exclusive
		{PlaceID: 1, ChatID: 5, LikedAt: paidUntil.Add(72 * time.Hour)}, // after
		{PlaceID: 2, ChatID: 6, LikedAt: paidUntil.Add(-2 * time.Hour)}, // other place
	}
	for i := range likes {
		require.NoError(t, env.conn.Create(&likes[i]).Error)
	}

	require.NoError(t, env.conn.Transaction(func(tx *gorm.DB) error {
		return env.engine.ClosePeriodAndPurge(ctx, tx, period, enums.PeriodCloseReasonExpired, testNow)
	}))

	var surviving []models.PlaceLike
	require.NoError(t, env.conn.Order("chat_id ASC").Find(&surviving).Error)
	chatIDs := make([]int64, 0, len(surviving))
	for _, like := range surviving {
		chatIDs = append(chatIDs, like.ChatID)
	}
	assert.Equal(t, []int64{1, 4, 5, 6}, chatIDs)

	var stored models.SubscriptionPeriod
	require.NoError(t, env.conn.First(&stored, period.ID).Error)
	require.NotNil(t, stored.ClosedAt)
	require.NotNil(t, stored.CloseReason)
	assert.Equal(t, enums.PeriodCloseReasonExpired, *stored.CloseReason)
	assert.NotNil(t, stored.PurgeProcessedAt)
}

func TestClosePeriodAndPurge_isIdempotent(t *testing.T) {
	env := setupPurgeTest(t)
	ctx := context.Background()

	period := &models.SubscriptionPeriod{
		PlaceID:   1,
		Tier:      enums.TierPro,
		StartedAt: testNow.AddDate(0, 0, -30),
		PaidUntil: testNow,
		Source:    enums.PaymentSourcePlans,
	}
	require.NoError(t, env.conn.Create(period).Error)
	require.NoError(t, env.conn.Create(&models.PlaceLike{PlaceID: 1, ChatID: 1, LikedAt: testNow.Add(-time.Hour)}).Error)

	run := func() error {
		return env.conn.Transaction(func(tx *gorm.DB) error {
			var stored models.SubscriptionPeriod
			if err := tx.First(&stored, period.ID).Error; err != nil {
				return err
			}
			return env.engine.ClosePeriodAndPurge(ctx, tx, &stored, enums.PeriodCloseReasonExpired, testNow)
		})
	}
	require.NoError(t, run())

	var stored models.SubscriptionPeriod
	require.NoError(t, env.conn.First(&stored, period.ID).Error)
	firstStamp := *stored.PurgeProcessedAt

	// A like created after the purge must survive a re-run.
	require.NoError(t, env.conn.Create(&models.PlaceLike{PlaceID: 1, ChatID: 2, LikedAt: testNow.Add(-time.Minute)}).Error)
	require.NoError(t, run())

	require.NoError(t, env.conn.First(&stored, period.ID).Error)
	assert.Equal(t, firstStamp, *stored.PurgeProcessedAt)

	var count int64
	require.NoError(t, env.conn.Model(&models.PlaceLike{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var auditCount int64
	require.NoError(t, env.conn.Model(&models.AuditLogEntry{}).
		Where("action = ?", audit.ActionPeriodPurged).Count(&auditCount).Error)
	assert.Equal(t, int64(1), auditCount)
}
