package models

import (
	"encoding/json"
	"time"

	"github.com/mkovalenko/community-directory-backend/pkg/enums"
)

// PaymentEvent is the append-only ledger of provider notifications. The
// unique index over (provider, external_payment_id, event_type) is the single
// idempotency gate of the engine: an insert that affects zero rows means the
// notification was already applied.
type PaymentEvent struct {
	ID                int64                  `gorm:"column:id;primaryKey;autoIncrement"`
	PlaceID           int64                  `gorm:"column:place_id;not null;index"`
	Provider          enums.PaymentProvider  `gorm:"column:provider;not null;uniqueIndex:idx_payment_events_dedup"`
	ExternalPaymentID string                 `gorm:"column:external_payment_id;not null;uniqueIndex:idx_payment_events_dedup"`
	EventType         enums.PaymentEventType `gorm:"column:event_type;not null;uniqueIndex:idx_payment_events_dedup"`
	AmountStars       int64                  `gorm:"column:amount_stars;not null;default:0"`
	Currency          string                 `gorm:"column:currency;not null;default:'XTR'"`
	Status            string                 `gorm:"column:status;not null;default:'recorded'"`
	RawPayload        json.RawMessage        `gorm:"column:raw_payload"`
	CreatedAt         time.Time              `gorm:"column:created_at;autoCreateTime"`
	ProcessedAt       *time.Time             `gorm:"column:processed_at"`
}

func (PaymentEvent) TableName() string { return "business_payment_events" }
