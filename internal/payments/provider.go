package payments

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mkovalenko/community-directory-backend/pkg/enums"
	pkgerrors "github.com/mkovalenko/community-directory-backend/pkg/errors"
)

// Intent is the normalized purchase intent handed back to the UI layer. The
// external payment id is allocated up front so the later outcome call and the
// dedup key are fixed before any money moves.
type Intent struct {
	Provider          enums.PaymentProvider
	PlaceID           int64
	Tier              enums.Tier
	AmountStars       int64
	ExternalPaymentID string
	Source            enums.PaymentSource
	InvoicePayload    string
}

// Provider opens purchase intents for one payment backend. Selection is
// always an explicit parameter on the service calls; there is no ambient
// default.
type Provider interface {
	Name() enums.PaymentProvider
	CreateIntent(userID, placeID int64, tier enums.Tier, amountStars int64, source enums.PaymentSource) Intent
}

// MockProvider settles synchronously: the UI calls back with the outcome in
// the same interaction, reusing the pre-allocated external id.
type MockProvider struct {
	now func() time.Time
}

// NewMockProvider builds the synchronous test provider.
func NewMockProvider(now func() time.Time) *MockProvider {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MockProvider{now: now}
}

func (p *MockProvider) Name() enums.PaymentProvider { return enums.PaymentProviderMock }

func (p *MockProvider) CreateIntent(userID, placeID int64, tier enums.Tier, amountStars int64, source enums.PaymentSource) Intent {
	_ = userID // the mock id does not encode the buyer
	return Intent{
		Provider:          p.Name(),
		PlaceID:           placeID,
		Tier:              tier,
		AmountStars:       amountStars,
		ExternalPaymentID: fmt.Sprintf("mock_%d_%s", p.now().Unix(), nonce()),
		Source:            source,
	}
}

// StarsProvider is the two-phase asynchronous provider. The invoice payload
// is a self-contained correlation token: later callbacks resolve place, tier
// and buyer from it without any server-side session state.
type StarsProvider struct {
	now func() time.Time
}

// NewStarsProvider builds the Telegram Stars provider.
func NewStarsProvider(now func() time.Time) *StarsProvider {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &StarsProvider{now: now}
}

func (p *StarsProvider) Name() enums.PaymentProvider { return enums.PaymentProviderTelegramStars }

func (p *StarsProvider) CreateIntent(userID, placeID int64, tier enums.Tier, amountStars int64, source enums.PaymentSource) Intent {
	externalID := fmt.Sprintf("tg_%d_%s", p.now().Unix(), nonce())
	return Intent{
		Provider:          p.Name(),
		PlaceID:           placeID,
		Tier:              tier,
		AmountStars:       amountStars,
		ExternalPaymentID: externalID,
		Source:            source,
		InvoicePayload:    EncodeStarsPayload(placeID, tier, externalID, userID, source),
	}
}

func nonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// ProviderFor resolves the provider implementation for an explicit selection.
func ProviderFor(name enums.PaymentProvider, now func() time.Time) (Provider, error) {
	switch name {
	case enums.PaymentProviderMock:
		return NewMockProvider(now), nil
	case enums.PaymentProviderTelegramStars:
		return NewStarsProvider(now), nil
	}
	return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown payment provider %q", name))
}
