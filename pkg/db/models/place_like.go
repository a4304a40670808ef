package models

import "time"

// PlaceLike is a resident's like on a place. Likes accrued while the place
// enjoyed paid-tier visibility are deleted when that paid period closes.
type PlaceLike struct {
	ID      int64     `gorm:"column:id;primaryKey;autoIncrement"`
	PlaceID int64     `gorm:"column:place_id;not null;index"`
	ChatID  int64     `gorm:"column:chat_id;not null"`
	LikedAt time.Time `gorm:"column:liked_at;not null"`
}

func (PlaceLike) TableName() string { return "place_likes" }
