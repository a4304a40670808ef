package enums

import "fmt"

// PaymentProvider identifies which payment backend produced a notification.
type PaymentProvider string

const (
	// PaymentProviderMock settles synchronously; the outcome call arrives in
	// the same interaction that opened the intent.
	PaymentProviderMock PaymentProvider = "mock"
	// PaymentProviderTelegramStars is the two-phase asynchronous provider:
	// pre-checkout validation and the success notification are independent
	// callbacks correlated only through the invoice payload.
	PaymentProviderTelegramStars PaymentProvider = "telegram_stars"
)

var validPaymentProviders = []PaymentProvider{
	PaymentProviderMock,
	PaymentProviderTelegramStars,
}

// String implements fmt.Stringer.
func (p PaymentProvider) String() string {
	return string(p)
}

// IsValid reports whether the value is known.
func (p PaymentProvider) IsValid() bool {
	for _, candidate := range validPaymentProviders {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParsePaymentProvider converts raw input into a PaymentProvider.
func ParsePaymentProvider(value string) (PaymentProvider, error) {
	for _, candidate := range validPaymentProviders {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment provider %q", value)
}
