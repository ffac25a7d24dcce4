package payment

import (
	"github.com/flowpay/flowpay/app/models"
	"github.com/flowpay/flowpay/internal/pkg/provider"
)

// InitInput carries everything needed to open a payment session.
type InitInput struct {
	BookingID   string
	UserID      string
	EventID     string
	AmountMinor int64
	Currency    string

	ProviderName string
	Description  string
	ReturnURL    string
	FailURL      string

	CustomerEmail string
	CustomerPhone string

	CreatedBy string
	ClientIP  string
	UserAgent string
}

// InitOutput is the result of a payment init. AlreadyInitialized is set when
// an idempotent replay returned the previously created session instead of
// opening a new one.
type InitOutput struct {
	Payment            *models.Payment
	Widget             provider.Widget
	AlreadyInitialized bool
}

// WebhookInput is one raw provider callback as received on the wire.
type WebhookInput struct {
	ProviderName string
	RawBody      []byte
	Headers      map[string]string
	SourceIP     string
}

// WebhookResult reports what ingestion did with a callback. Exactly one of
// the flags describes the outcome; Payment is set whenever the event could
// be matched to a stored payment.
type WebhookResult struct {
	Event *models.WebhookEvent

	// Duplicate means the event was already stored and fully processed;
	// nothing was re-run.
	Duplicate bool
	// Applied means a status transition was written.
	Applied bool
	// Ignored means the event was stored and acknowledged but produced no
	// transition: unmatched payment, informational event type, or a move
	// the transition graph forbids.
	Ignored bool
	// IgnoredReason names why an ignored event produced no transition.
	IgnoredReason string

	Payment *models.Payment
}

// PaymentDetail is a payment together with its audit trail.
type PaymentDetail struct {
	Payment   *models.Payment           `json:"payment"`
	StatusLog []models.PaymentStatusLog `json:"status_log"`
}
