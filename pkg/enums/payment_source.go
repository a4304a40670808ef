package enums

// PaymentSource records which UI surface opened the purchase.
type PaymentSource string

const (
	PaymentSourceCard  PaymentSource = "card"
	PaymentSourcePlans PaymentSource = "plans"
)

var validPaymentSources = []PaymentSource{
	PaymentSourceCard,
	PaymentSourcePlans,
}

// String implements fmt.Stringer.
func (s PaymentSource) String() string {
	return string(s)
}

// IsValid reports whether the value is known.
func (s PaymentSource) IsValid() bool {
	for _, candidate := range validPaymentSources {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParsePaymentSource converts raw input into a PaymentSource, defaulting to
// card for unknown values so an old client never blocks a purchase.
func ParsePaymentSource(value string) PaymentSource {
	for _, candidate := range validPaymentSources {
		if string(candidate) == value {
			return candidate
		}
	}
	return PaymentSourceCard
}

// ShortCode returns the single-letter code used inside correlation payloads.
func (s PaymentSource) ShortCode() string {
	if s == PaymentSourcePlans {
		return "p"
	}
	return "c"
}

// PaymentSourceFromShortCode resolves a correlation payload code.
func PaymentSourceFromShortCode(code string) PaymentSource {
	if code == "p" {
		return PaymentSourcePlans
	}
	return PaymentSourceCard
}
