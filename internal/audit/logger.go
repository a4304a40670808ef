package audit

import (
	"encoding/json"

	"gorm.io/gorm"

	"github.com/mkovalenko/community-directory-backend/pkg/db/models"
	pkgerrors "github.com/mkovalenko/community-directory-backend/pkg/errors"
)

// Actions recorded by the engine. Keep values stable: the admin console
// filters on them.
const (
	ActionInvoiceCreated         = "invoice_created"
	ActionPaymentSuccessApplied  = "payment_success_applied"
	ActionPaymentTerminalApplied = "payment_terminal_applied"
	ActionTierChanged            = "subscription_tier_changed"
	ActionAutoRenewCanceled      = "subscription_auto_renew_canceled"
	ActionAdminTierSet           = "admin_subscription_tier_set"
	ActionReconciled             = "subscription_reconciled"
	ActionPeriodPurged           = "period_purged"
	ActionOwnerRequestCreated    = "owner_request_created"
	ActionOwnerRequestApproved   = "owner_request_approved"
	ActionOwnerRequestRejected   = "owner_request_rejected"
)

// Logger appends transition entries to the audit ledger. Entries are written
// inside the caller's transaction so an audit row never describes a write
// that rolled back.
type Logger struct{}

// NewLogger builds the audit logger.
func NewLogger() *Logger {
	return &Logger{}
}

// Append writes one entry. payload must be JSON-marshalable; nil is allowed.
func (l *Logger) Append(tx *gorm.DB, placeID int64, actorUserID *int64, action string, payload any) error {
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "audit append requires a transaction")
	}
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode audit payload")
		}
		raw = encoded
	}
	entry := &models.AuditLogEntry{
		PlaceID:     placeID,
		ActorUserID: actorUserID,
		Action:      action,
		Payload:     raw,
	}
	if err := tx.Create(entry).Error; err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append audit entry")
	}
	return nil
}

// Actor boxes a user id for audit attribution; nil means system actor.
func Actor(userID int64) *int64 {
	return &userID
}
