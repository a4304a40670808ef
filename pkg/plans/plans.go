package plans

import (
	"time"

	"github.com/mkovalenko/community-directory-backend/pkg/enums"
)

// DefaultPeriod is the paid window granted per purchase when the provider
// does not supply an explicit expiry.
const DefaultPeriod = 30 * 24 * time.Hour

// Keep DB tier values stable (`pro` in DB) while showing "Premium" in UI.
var titles = map[enums.Tier]string{
	enums.TierFree:    "Free",
	enums.TierLight:   "Light",
	enums.TierPro:     "Premium",
	enums.TierPartner: "Partner",
}

// Monthly prices in Telegram Stars.
var starsPrices = map[enums.Tier]int64{
	enums.TierLight:   1000,
	enums.TierPro:     2500,
	enums.TierPartner: 5000,
}

// Title returns the display name for a tier.
func Title(tier enums.Tier) string {
	if title, ok := titles[tier]; ok {
		return title
	}
	return string(tier)
}

// StarsPrice returns the monthly price for a paid tier in Telegram Stars.
// Free and unknown tiers have no price.
func StarsPrice(tier enums.Tier) (int64, bool) {
	price, ok := starsPrices[tier]
	return price, ok
}

// PeriodLength returns the paid window for one purchase of the tier.
func PeriodLength(tier enums.Tier) time.Duration {
	_ = tier // every paid tier currently bills monthly
	return DefaultPeriod
}
