package models

import (
	"time"

	"github.com/mkovalenko/community-directory-backend/pkg/enums"
)

// SubscriptionPeriod is one append-only row per paid window. At most one open
// row (closed_at IS NULL) exists per place; renewals extend paid_until on the
// open row instead of opening a second one.
type SubscriptionPeriod struct {
	ID               int64                    `gorm:"column:id;primaryKey;autoIncrement"`
	PlaceID          int64                    `gorm:"column:place_id;not null;index"`
	Tier             enums.Tier               `gorm:"column:tier;not null"`
	StartedAt        time.Time                `gorm:"column:started_at;not null"`
	PaidUntil        time.Time                `gorm:"column:paid_until;not null"`
	Source           enums.PaymentSource      `gorm:"column:source;not null;default:'card'"`
	ClosedAt         *time.Time               `gorm:"column:closed_at"`
	CloseReason      *enums.PeriodCloseReason `gorm:"column:close_reason"`
	PurgeProcessedAt *time.Time               `gorm:"column:purge_processed_at"`
	CreatedAt        time.Time                `gorm:"column:created_at;autoCreateTime"`
}

func (SubscriptionPeriod) TableName() string { return "business_subscription_periods" }

// IsOpen reports whether the period is still accruing paid time.
func (p *SubscriptionPeriod) IsOpen() bool {
	return p.ClosedAt == nil
}
