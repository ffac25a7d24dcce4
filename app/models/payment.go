package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PaymentStatus is the canonical payment status vocabulary. Provider-specific
// event types are mapped onto these values by the provider adapters.
type PaymentStatus string

const (
	PaymentStatusNotRequired PaymentStatus = "NOT_REQUIRED"
	PaymentStatusPending     PaymentStatus = "PENDING"
	PaymentStatusSubmitted   PaymentStatus = "SUBMITTED"
	PaymentStatusSucceeded   PaymentStatus = "SUCCEEDED"
	PaymentStatusRejected    PaymentStatus = "REJECTED"
	PaymentStatusCanceled    PaymentStatus = "CANCELED"
)

// paymentTransitions is the single source of truth for legal status moves.
// Terminal statuses have no outgoing edges.
var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:   {PaymentStatusSubmitted, PaymentStatusSucceeded, PaymentStatusRejected, PaymentStatusCanceled},
	PaymentStatusSubmitted: {PaymentStatusSucceeded, PaymentStatusRejected, PaymentStatusCanceled},
}

// IsTerminal reports whether no further transition is permitted from s.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusSucceeded, PaymentStatusRejected, PaymentStatusCanceled:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is a known canonical status.
func (s PaymentStatus) IsValid() bool {
	switch s {
	case PaymentStatusNotRequired, PaymentStatusPending, PaymentStatusSubmitted,
		PaymentStatusSucceeded, PaymentStatusRejected, PaymentStatusCanceled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the transition graph permits from -> to.
// Same-status and terminal-origin moves are not legal transitions; callers
// treat them as no-ops rather than errors.
func CanTransition(from, to PaymentStatus) bool {
	for _, allowed := range paymentTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Payment is the canonical payment record. It is created by the init
// operation and afterwards mutated only by the reconciliation processor.
type Payment struct {
	ID          uint          `gorm:"primaryKey" json:"-"`
	UUID        string        `gorm:"type:varchar(36);uniqueIndex;not null" json:"id"`
	BookingID   string        `gorm:"type:varchar(36);not null;index" json:"booking_id"`
	UserID      string        `gorm:"type:varchar(36);not null;index:idx_payments_user_event,priority:1" json:"user_id"`
	EventID     string        `gorm:"type:varchar(36);index:idx_payments_user_event,priority:2" json:"event_id"`
	AmountMinor int64         `gorm:"not null" json:"amount_minor"`
	Currency    string        `gorm:"type:varchar(3);not null;default:'RUB'" json:"currency"`
	Status      PaymentStatus `gorm:"type:varchar(20);not null;default:'PENDING';index" json:"status"`

	ProviderName      string  `gorm:"type:varchar(50);not null;index:idx_payments_provider_payment,priority:1;index:ux_payments_provider_idem,unique,priority:1" json:"provider_name"`
	ProviderPaymentID *string `gorm:"type:varchar(191);index:idx_payments_provider_payment,priority:2" json:"provider_payment_id,omitempty"`
	IdempotencyKey    string  `gorm:"type:varchar(64);not null;index:ux_payments_provider_idem,unique,priority:2" json:"-"`

	Description string `gorm:"type:text" json:"description,omitempty"`
	Metadata    JSON   `gorm:"type:longtext" json:"metadata,omitempty"`

	CreatedBy string `gorm:"type:varchar(36)" json:"-"`
	ClientIP  string `gorm:"type:varchar(45)" json:"-"`
	UserAgent string `gorm:"type:text" json:"-"`

	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	SubmittedAt *time.Time `gorm:"type:timestamp;default:null" json:"submitted_at,omitempty"`
	CompletedAt *time.Time `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
	ExpiresAt   *time.Time `gorm:"type:timestamp;default:null" json:"expires_at,omitempty"`
}

// IsCompleted reports whether the payment reached a terminal status.
func (p *Payment) IsCompleted() bool {
	return p.Status.IsTerminal()
}

// IsSuccessful reports whether the payment closed successfully.
func (p *Payment) IsSuccessful() bool {
	return p.Status == PaymentStatusSucceeded
}

// BeforeCreate assigns the public UUID identifier.
func (p *Payment) BeforeCreate(tx *gorm.DB) error {
	if p.UUID == "" {
		p.UUID = uuid.New().String()
	}
	return nil
}
