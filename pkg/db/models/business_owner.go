package models

import (
	"time"

	"github.com/mkovalenko/community-directory-backend/pkg/enums"
)

// BusinessOwner links a directory user to a place they manage, gated by
// admin moderation.
type BusinessOwner struct {
	ID         int64             `gorm:"column:id;primaryKey;autoIncrement"`
	PlaceID    int64             `gorm:"column:place_id;not null;uniqueIndex:idx_business_owners_place_user"`
	UserID     int64             `gorm:"column:user_id;not null;uniqueIndex:idx_business_owners_place_user"`
	Role       string            `gorm:"column:role;not null;default:'owner'"`
	Status     enums.OwnerStatus `gorm:"column:status;not null;default:'pending'"`
	CreatedAt  time.Time         `gorm:"column:created_at;autoCreateTime"`
	ApprovedAt *time.Time        `gorm:"column:approved_at"`
	ApprovedBy *int64            `gorm:"column:approved_by"`
}

func (BusinessOwner) TableName() string { return "business_owners" }
