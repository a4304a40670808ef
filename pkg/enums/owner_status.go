package enums

import "fmt"

// OwnerStatus is the moderation state of a place ownership request.
type OwnerStatus string

const (
	OwnerStatusPending  OwnerStatus = "pending"
	OwnerStatusApproved OwnerStatus = "approved"
	OwnerStatusRejected OwnerStatus = "rejected"
)

var validOwnerStatuses = []OwnerStatus{
	OwnerStatusPending,
	OwnerStatusApproved,
	OwnerStatusRejected,
}

// String implements fmt.Stringer.
func (s OwnerStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is known.
func (s OwnerStatus) IsValid() bool {
	for _, candidate := range validOwnerStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseOwnerStatus converts raw input into an OwnerStatus.
func ParseOwnerStatus(value string) (OwnerStatus, error) {
	for _, candidate := range validOwnerStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid owner status %q", value)
}
