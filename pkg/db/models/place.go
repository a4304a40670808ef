package models

import (
	"time"

	"github.com/mkovalenko/community-directory-backend/pkg/enums"
)

// Place is a catalog listing in the community directory. The subscription
// engine owns only the business/verified columns; everything else belongs to
// the directory itself.
type Place struct {
	ID              int64       `gorm:"column:id;primaryKey;autoIncrement"`
	ServiceID       int64       `gorm:"column:service_id;not null;index"`
	Name            string      `gorm:"column:name;not null"`
	Description     string      `gorm:"column:description"`
	Address         string      `gorm:"column:address"`
	BusinessEnabled bool        `gorm:"column:business_enabled;not null;default:false"`
	IsVerified      bool        `gorm:"column:is_verified;not null;default:false"`
	VerifiedTier    *enums.Tier `gorm:"column:verified_tier"`
	VerifiedUntil   *time.Time  `gorm:"column:verified_until"`
	CreatedAt       time.Time   `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time   `gorm:"column:updated_at;autoUpdateTime"`
}

func (Place) TableName() string { return "places" }
