package enums

import "fmt"

// Tier is the paid feature level granted to a place.
type Tier string

const (
	TierFree    Tier = "free"
	TierLight   Tier = "light"
	TierPro     Tier = "pro"
	TierPartner Tier = "partner"
)

var validTiers = []Tier{
	TierFree,
	TierLight,
	TierPro,
	TierPartner,
}

// String implements fmt.Stringer.
func (t Tier) String() string {
	return string(t)
}

// IsValid reports whether the value is known.
func (t Tier) IsValid() bool {
	for _, candidate := range validTiers {
		if candidate == t {
			return true
		}
	}
	return false
}

// IsPaid reports whether the tier grants paid entitlements.
func (t Tier) IsPaid() bool {
	return t == TierLight || t == TierPro || t == TierPartner
}

// ParseTier converts raw input into a Tier.
func ParseTier(value string) (Tier, error) {
	for _, candidate := range validTiers {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid tier %q", value)
}
