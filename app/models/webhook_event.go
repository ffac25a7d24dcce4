package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WebhookEventStatus tracks processing progress of a stored callback.
type WebhookEventStatus string

const (
	WebhookEventStatusPending   WebhookEventStatus = "pending"
	WebhookEventStatusProcessed WebhookEventStatus = "processed"
	WebhookEventStatusFailed    WebhookEventStatus = "failed"
)

// WebhookEvent stores one provider callback. The unique index on
// (provider_name, provider_event_id) is the deduplication mechanism: a
// redelivery must never create a second row or a second status transition.
// Rows are immutable after creation except for processing bookkeeping and
// the late-bound payment link.
type WebhookEvent struct {
	ID              uint   `gorm:"primaryKey" json:"-"`
	UUID            string `gorm:"type:varchar(36);uniqueIndex;not null" json:"id"`
	ProviderName    string `gorm:"type:varchar(50);not null;index:ux_webhook_events_provider_event,unique,priority:1;index" json:"provider_name"`
	ProviderEventID string `gorm:"type:varchar(191);not null;index:ux_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType       string `gorm:"type:varchar(100);not null;index" json:"event_type"`

	PaymentID         *uint   `gorm:"index" json:"-"`
	PaymentUUID       *string `gorm:"type:varchar(36)" json:"payment_id,omitempty"`
	ProviderPaymentID *string `gorm:"type:varchar(191)" json:"provider_payment_id,omitempty"`

	RawPayload JSON   `gorm:"type:longtext;not null" json:"raw_payload"`
	Headers    JSON   `gorm:"type:longtext" json:"-"`
	SourceIP   string `gorm:"type:varchar(45)" json:"source_ip"`

	Status             WebhookEventStatus `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	ProcessingAttempts int                `gorm:"not null;default:0" json:"processing_attempts"`
	LastError          string             `gorm:"type:text" json:"last_error,omitempty"`

	ReceivedAt  time.Time  `gorm:"autoCreateTime;index" json:"received_at"`
	ProcessedAt *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
}

// NeedsProcessing reports whether a redelivered copy of this event should be
// handed to the reconciliation processor again.
func (e *WebhookEvent) NeedsProcessing() bool {
	return e.Status == WebhookEventStatusPending || e.Status == WebhookEventStatusFailed
}

// BeforeCreate assigns the public UUID identifier.
func (e *WebhookEvent) BeforeCreate(tx *gorm.DB) error {
	if e.UUID == "" {
		e.UUID = uuid.New().String()
	}
	return nil
}
