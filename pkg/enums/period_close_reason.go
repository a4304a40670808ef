package enums

import "fmt"

// PeriodCloseReason explains why a paid period stopped accruing.
type PeriodCloseReason string

const (
	PeriodCloseReasonExpired        PeriodCloseReason = "expired"
	PeriodCloseReasonPastDue        PeriodCloseReason = "past_due"
	PeriodCloseReasonAdminDowngrade PeriodCloseReason = "admin_downgrade"
	PeriodCloseReasonOwnerDowngrade PeriodCloseReason = "owner_downgrade"
)

var validPeriodCloseReasons = []PeriodCloseReason{
	PeriodCloseReasonExpired,
	PeriodCloseReasonPastDue,
	PeriodCloseReasonAdminDowngrade,
	PeriodCloseReasonOwnerDowngrade,
}

// String implements fmt.Stringer.
func (r PeriodCloseReason) String() string {
	return string(r)
}

// IsValid reports whether the value is known.
func (r PeriodCloseReason) IsValid() bool {
	for _, candidate := range validPeriodCloseReasons {
		if candidate == r {
			return true
		}
	}
	return false
}

// ParsePeriodCloseReason converts raw input into a PeriodCloseReason.
func ParsePeriodCloseReason(value string) (PeriodCloseReason, error) {
	for _, candidate := range validPeriodCloseReasons {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid period close reason %q", value)
}
