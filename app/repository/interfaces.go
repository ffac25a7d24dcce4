package repository

import (
	"time"

	"github.com/flowpay/flowpay/app/models"
	"gorm.io/gorm"
)

// PaymentRepository defines the interface for payment-related database operations
type PaymentRepository interface {
	Create(payment *models.Payment) error
	GetByID(id uint) (*models.Payment, error)
	GetByUUID(uuid string) (*models.Payment, error)
	GetByProviderPaymentID(providerName, providerPaymentID string) (*models.Payment, error)
	GetByIdempotencyKey(providerName, idempotencyKey string) (*models.Payment, error)
	HasPendingForBooking(userID, bookingID string) (bool, error)
	SetProviderPaymentID(id uint, providerPaymentID string) error
	// AttachProviderSession stores the provider-side session reference and
	// expiry produced by a successful init call.
	AttachProviderSession(id uint, providerPaymentID string, expiresAt *time.Time, metadata models.JSON) error
	// Delete removes a payment that never obtained a provider session, so a
	// failed init does not leave a row blocking re-initialization.
	Delete(id uint) error
	// ApplyStatusTransition atomically moves a payment to the proposed status
	// and appends the audit log entry in the same transaction. It returns
	// applied=false without error when the transition graph forbids the move
	// (same status, terminal origin, or unknown edge).
	ApplyStatusTransition(paymentID uint, proposed models.PaymentStatus, entry *models.PaymentStatusLog) (applied bool, payment *models.Payment, err error)
	ListStatusLog(paymentID uint) ([]models.PaymentStatusLog, error)
}

// WebhookEventRepository defines the interface for webhook event persistence
type WebhookEventRepository interface {
	// CreateIfNotExists inserts the event guarded by the unique
	// (provider_name, provider_event_id) index. It reports whether a new row
	// was created and always returns the stored row.
	CreateIfNotExists(event *models.WebhookEvent) (created bool, stored *models.WebhookEvent, err error)
	GetByUUID(uuid string) (*models.WebhookEvent, error)
	LinkPayment(eventID uint, payment *models.Payment, providerPaymentID string) error
	SetProviderPaymentID(eventID uint, providerPaymentID string) error
	MarkProcessed(eventID uint) error
	MarkFailed(eventID uint, processingError string) error
}

// ReceiptRepository defines the interface for payment receipt operations
type ReceiptRepository interface {
	Create(receipt *models.PaymentReceipt) error
	GetByUUID(uuid string) (*models.PaymentReceipt, error)
	GetLatestByPaymentID(paymentID uint) (*models.PaymentReceipt, error)
	ExistsRegisteredForPayment(paymentID uint) (bool, error)
	Update(receipt *models.PaymentReceipt) error
}

// Repositories holds all repository instances
type Repositories struct {
	Payment      PaymentRepository
	WebhookEvent WebhookEventRepository
	Receipt      ReceiptRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Payment:      NewPaymentRepository(db),
		WebhookEvent: NewWebhookEventRepository(db),
		Receipt:      NewReceiptRepository(db),
	}
}
