package models

import (
	"encoding/json"
	"time"
)

// AuditLogEntry is the append-only transition log attached to every
// state-affecting write. ActorUserID is nil for system actors such as the
// reconciliation sweep.
type AuditLogEntry struct {
	ID          int64           `gorm:"column:id;primaryKey;autoIncrement"`
	PlaceID     int64           `gorm:"column:place_id;not null;index"`
	ActorUserID *int64          `gorm:"column:actor_user_id"`
	Action      string          `gorm:"column:action;not null"`
	Payload     json.RawMessage `gorm:"column:payload"`
	CreatedAt   time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (AuditLogEntry) TableName() string { return "business_audit_log" }
