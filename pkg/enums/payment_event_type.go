package enums

import (
	"fmt"
	"strings"
)

// PaymentEventType is the canonical, provider-agnostic outcome vocabulary.
// Every provider notification is mapped into one of these before it touches
// the ledger.
type PaymentEventType string

const (
	PaymentEventInvoiceCreated PaymentEventType = "invoice_created"
	PaymentEventSuccess        PaymentEventType = "success"
	PaymentEventCancel         PaymentEventType = "cancel"
	PaymentEventFail           PaymentEventType = "fail"
	PaymentEventRefund         PaymentEventType = "refund"
)

var validPaymentEventTypes = []PaymentEventType{
	PaymentEventInvoiceCreated,
	PaymentEventSuccess,
	PaymentEventCancel,
	PaymentEventFail,
	PaymentEventRefund,
}

// String implements fmt.Stringer.
func (t PaymentEventType) String() string {
	return string(t)
}

// IsValid reports whether the value is known.
func (t PaymentEventType) IsValid() bool {
	for _, candidate := range validPaymentEventTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the event ends a purchase attempt.
func (t PaymentEventType) IsTerminal() bool {
	return t == PaymentEventCancel || t == PaymentEventFail || t == PaymentEventRefund
}

// ParsePaymentEventType converts raw input into a PaymentEventType.
func ParsePaymentEventType(value string) (PaymentEventType, error) {
	for _, candidate := range validPaymentEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment event type %q", value)
}

// ParseTerminalKind normalizes provider terminal vocabulary, accepting the
// participle variants some callbacks use (canceled, failed, refunded).
func ParseTerminalKind(value string) (PaymentEventType, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "cancel", "canceled", "cancelled":
		return PaymentEventCancel, nil
	case "fail", "failed":
		return PaymentEventFail, nil
	case "refund", "refunded":
		return PaymentEventRefund, nil
	}
	return "", fmt.Errorf("invalid terminal payment event kind %q", value)
}
