package models

import (
	"time"

	"github.com/mkovalenko/community-directory-backend/pkg/enums"
)

// Subscription holds the current entitlement of a place: exactly one row per
// place, created lazily as free/inactive and never deleted on its own.
type Subscription struct {
	PlaceID   int64                    `gorm:"column:place_id;primaryKey"`
	Tier      enums.Tier               `gorm:"column:tier;not null;default:'free'"`
	Status    enums.SubscriptionStatus `gorm:"column:status;not null;default:'inactive'"`
	StartsAt  *time.Time               `gorm:"column:starts_at"`
	ExpiresAt *time.Time               `gorm:"column:expires_at"`
	CreatedAt time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

func (Subscription) TableName() string { return "business_subscriptions" }

// IsExpired reports whether the subscription's paid window has lapsed.
func (s *Subscription) IsExpired(now time.Time) bool {
	return s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}
