package payments

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mkovalenko/community-directory-backend/pkg/enums"
	pkgerrors "github.com/mkovalenko/community-directory-backend/pkg/errors"
)

// payloadPrefix versions the invoice payload wire format. Bump it if the
// field layout ever changes so stale invoices fail decoding instead of
// being misparsed.
const payloadPrefix = "bpayv1"

// StarsPayload is the correlation token carried inside a Stars invoice. It
// round-trips through the provider untouched and is the only link between
// the pre-checkout / success callbacks and the original intent.
type StarsPayload struct {
	PlaceID           int64
	Tier              enums.Tier
	ExternalPaymentID string
	UserID            int64
	Source            enums.PaymentSource
}

// EncodeStarsPayload packs the correlation fields into the colon-separated
// invoice payload string.
func EncodeStarsPayload(placeID int64, tier enums.Tier, externalPaymentID string, userID int64, source enums.PaymentSource) string {
	return fmt.Sprintf("%s:%d:%s:%s:%d:%s",
		payloadPrefix, placeID, tier, externalPaymentID, userID, source.ShortCode())
}

// DecodeStarsPayload parses and validates a payload produced by
// EncodeStarsPayload. Any malformed token yields a validation error; the
// caller answers the provider callback with a rejection rather than a retry.
func DecodeStarsPayload(raw string) (*StarsPayload, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 6 || parts[0] != payloadPrefix {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "malformed invoice payload")
	}

	placeID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || placeID <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invoice payload carries an invalid place id")
	}

	tier, err := enums.ParseTier(parts[2])
	if err != nil || !tier.IsPaid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invoice payload carries an invalid tier")
	}

	if parts[3] == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invoice payload is missing the payment id")
	}

	userID, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil || userID <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invoice payload carries an invalid user id")
	}

	return &StarsPayload{
		PlaceID:           placeID,
		Tier:              tier,
		ExternalPaymentID: parts[3],
		UserID:            userID,
		Source:            enums.PaymentSourceFromShortCode(parts[5]),
	}, nil
}
