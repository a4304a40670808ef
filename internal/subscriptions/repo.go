package subscriptions

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mkovalenko/community-directory-backend/pkg/db"
	"github.com/mkovalenko/community-directory-backend/pkg/db/models"
	"github.com/mkovalenko/community-directory-backend/pkg/enums"
	"github.com/mkovalenko/community-directory-backend/pkg/retry"
)

// Repository handles subscription, period and payment-event persistence.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	EnsureSubscription(ctx context.Context, placeID int64) (*models.Subscription, error)
	FindSubscription(ctx context.Context, placeID int64) (*models.Subscription, error)
	UpsertSubscription(ctx context.Context, sub *models.Subscription) error
	ListForReconciliation(ctx context.Context, afterPlaceID int64, limit int) ([]models.Subscription, error)
	FindOpenPeriod(ctx context.Context, placeID int64) (*models.SubscriptionPeriod, error)
	OpenPeriod(ctx context.Context, period *models.SubscriptionPeriod) error
	SavePeriod(ctx context.Context, period *models.SubscriptionPeriod) error
	ListClosedUnpurged(ctx context.Context, limit int) ([]models.SubscriptionPeriod, error)
	InsertPaymentEvent(ctx context.Context, event *models.PaymentEvent) (bool, error)
	MarkPaymentEventProcessed(ctx context.Context, eventID int64, at time.Time) error
	FindPaymentEvent(ctx context.Context, provider enums.PaymentProvider, externalID string, eventType enums.PaymentEventType) (*models.PaymentEvent, error)
}

type repository struct {
	db     *gorm.DB
	policy retry.Policy
}

// NewRepository returns a subscription repository bound to the provided database.
func NewRepository(conn *gorm.DB, policy retry.Policy) Repository {
	return &repository{db: conn, policy: policy}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	// Inside a transaction the busy retry belongs to the transaction owner.
	return &repository{db: tx, policy: retry.Policy{Attempts: 3, BaseDelay: r.policy.BaseDelay}}
}

func (r *repository) write(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, r.policy, db.IsBusy, fn)
}

// EnsureSubscription lazily creates the free/inactive row and reads it back.
// A concurrent creator winning the insert is fine: the read returns their row.
func (r *repository) EnsureSubscription(ctx context.Context, placeID int64) (*models.Subscription, error) {
	seed := &models.Subscription{
		PlaceID: placeID,
		Tier:    enums.TierFree,
		Status:  enums.SubscriptionStatusInactive,
	}
	if err := r.write(ctx, func() error {
		return r.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(seed).Error
	}); err != nil {
		return nil, err
	}
	return r.FindSubscription(ctx, placeID)
}

func (r *repository) FindSubscription(ctx context.Context, placeID int64) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).Where("place_id = ?", placeID).First(&sub).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repository) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	return r.write(ctx, func() error {
		return r.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "place_id"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"tier", "status", "starts_at", "expires_at", "updated_at",
				}),
			}).
			Create(sub).Error
	})
}

// ListForReconciliation returns the next batch in stable ascending place_id
// order. Resuming by key rather than offset keeps the scan correct while
// concurrent writers move rows.
func (r *repository) ListForReconciliation(ctx context.Context, afterPlaceID int64, limit int) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = 200
	}
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("place_id > ?", afterPlaceID).
		Order("place_id ASC").
		Limit(limit).
		Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repository) FindOpenPeriod(ctx context.Context, placeID int64) (*models.SubscriptionPeriod, error) {
	var period models.SubscriptionPeriod
	err := r.db.WithContext(ctx).
		Where("place_id = ? AND closed_at IS NULL", placeID).
		Order("started_at DESC").
		First(&period).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &period, nil
}

func (r *repository) OpenPeriod(ctx context.Context, period *models.SubscriptionPeriod) error {
	return r.write(ctx, func() error {
		return r.db.WithContext(ctx).Create(period).Error
	})
}

func (r *repository) SavePeriod(ctx context.Context, period *models.SubscriptionPeriod) error {
	return r.write(ctx, func() error {
		return r.db.WithContext(ctx).Save(period).Error
	})
}

// ListClosedUnpurged returns closed periods whose purge never completed, for
// crash recovery by the sweep.
func (r *repository) ListClosedUnpurged(ctx context.Context, limit int) ([]models.SubscriptionPeriod, error) {
	if limit <= 0 {
		limit = 100
	}
	var periods []models.SubscriptionPeriod
	err := r.db.WithContext(ctx).
		Where("closed_at IS NOT NULL AND purge_processed_at IS NULL").
		Order("id ASC").
		Limit(limit).
		Find(&periods).Error
	if err != nil {
		return nil, err
	}
	return periods, nil
}

// InsertPaymentEvent appends to the event ledger, reporting false when the
// (provider, external_payment_id, event_type) key already exists. That zero
// rows-affected outcome is the engine's entire idempotency mechanism; a race
// between a duplicate and the authoritative notification is settled by which
// insert wins, not by a lock.
func (r *repository) InsertPaymentEvent(ctx context.Context, event *models.PaymentEvent) (bool, error) {
	var inserted bool
	err := r.write(ctx, func() error {
		result := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns: []clause.Column{
					{Name: "provider"},
					{Name: "external_payment_id"},
					{Name: "event_type"},
				},
				DoNothing: true,
			}).
			Create(event)
		inserted = result.RowsAffected > 0
		return result.Error
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (r *repository) MarkPaymentEventProcessed(ctx context.Context, eventID int64, at time.Time) error {
	return r.write(ctx, func() error {
		return r.db.WithContext(ctx).
			Model(&models.PaymentEvent{}).
			Where("id = ?", eventID).
			Update("processed_at", at).Error
	})
}

func (r *repository) FindPaymentEvent(ctx context.Context, provider enums.PaymentProvider, externalID string, eventType enums.PaymentEventType) (*models.PaymentEvent, error) {
	var event models.PaymentEvent
	err := r.db.WithContext(ctx).
		Where("provider = ? AND external_payment_id = ? AND event_type = ?", provider, externalID, eventType).
		First(&event).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}
